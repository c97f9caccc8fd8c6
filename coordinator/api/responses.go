package api

import (
	"net/http"

	"github.com/absmach/fedsync/coordinator"
	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/supermq"
)

var (
	_ supermq.Response = (*registerRes)(nil)
	_ supermq.Response = (*parametersRes)(nil)
	_ supermq.Response = (*submitRes)(nil)
	_ supermq.Response = (*statusRes)(nil)
	_ supermq.Response = (*listClientsRes)(nil)
	_ supermq.Response = (*listRoundsRes)(nil)
	_ supermq.Response = (*roundRes)(nil)
)

type registerRes struct {
	coordinator.Client `json:",inline"`
}

func (r registerRes) Code() int {
	return http.StatusOK
}

func (r registerRes) Headers() map[string]string {
	return map[string]string{}
}

func (r registerRes) Empty() bool {
	return false
}

type parametersRes struct {
	coordinator.Parameters `json:",inline"`
}

func (r parametersRes) Code() int {
	return http.StatusOK
}

func (r parametersRes) Headers() map[string]string {
	return map[string]string{}
}

func (r parametersRes) Empty() bool {
	return false
}

type submitRes struct {
	coordinator.SubmitResult `json:",inline"`
}

func (r submitRes) Code() int {
	return http.StatusAccepted
}

func (r submitRes) Headers() map[string]string {
	return map[string]string{}
}

func (r submitRes) Empty() bool {
	return false
}

type statusRes struct {
	coordinator.Status `json:",inline"`
}

func (r statusRes) Code() int {
	return http.StatusOK
}

func (r statusRes) Headers() map[string]string {
	return map[string]string{}
}

func (r statusRes) Empty() bool {
	return false
}

type listRoundsRes struct {
	coordinator.RoundPage `json:",inline"`
}

func (r listRoundsRes) Code() int {
	return http.StatusOK
}

func (r listRoundsRes) Headers() map[string]string {
	return map[string]string{}
}

func (r listRoundsRes) Empty() bool {
	return false
}

type roundRes struct {
	fl.RoundRecord `json:",inline"`
}

func (r roundRes) Code() int {
	return http.StatusOK
}

func (r roundRes) Headers() map[string]string {
	return map[string]string{}
}

func (r roundRes) Empty() bool {
	return false
}

type listClientsRes struct {
	Total   uint64               `json:"total"`
	Clients []coordinator.Client `json:"clients"`
}

func (r listClientsRes) Code() int {
	return http.StatusOK
}

func (r listClientsRes) Headers() map[string]string {
	return map[string]string{}
}

func (r listClientsRes) Empty() bool {
	return false
}
