package api

import (
	"errors"
	"fmt"

	"github.com/absmach/fedsync/coordinator"
	"github.com/absmach/fedsync/pkg/api"
	"github.com/absmach/fedsync/pkg/fl"
)

var errLimitSize = fmt.Errorf("limit must be between 1 and %d", api.MaxLimitSize)

var errInvalidRound = errors.New("invalid round")

type registerReq struct {
	ClientID string            `json:"client_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *registerReq) validate() error {
	if r.ClientID == "" {
		return coordinator.ErrMissingClientID
	}

	return nil
}

type updateReq struct {
	ClientID    string             `json:"client_id"    cbor:"client_id"`
	Round       uint64             `json:"round"        cbor:"round"`
	Parameters  fl.ParameterVector `json:"parameters"   cbor:"parameters"`
	SampleCount int                `json:"sample_count" cbor:"sample_count"`
	LocalSteps  int                `json:"local_steps"  cbor:"local_steps"`
	Metrics     map[string]float64 `json:"metrics,omitempty" cbor:"metrics,omitempty"`
}

func (r *updateReq) validate() error {
	if r.ClientID == "" {
		return coordinator.ErrMissingClientID
	}
	if len(r.Parameters.Tensors) == 0 {
		return fl.ErrEmptyParameters
	}

	return nil
}

func (r updateReq) update() fl.RoundUpdate {
	return fl.RoundUpdate{
		ClientID:    r.ClientID,
		Round:       r.Round,
		Parameters:  r.Parameters,
		SampleCount: r.SampleCount,
		LocalSteps:  r.LocalSteps,
		Metrics:     r.Metrics,
	}
}

type emptyReq struct{}

type listRoundsReq struct {
	offset, limit uint64
}

func (r *listRoundsReq) validate() error {
	if r.limit > api.MaxLimitSize || r.limit < 1 {
		return errLimitSize
	}

	return nil
}

type roundReq struct {
	round uint64
}
