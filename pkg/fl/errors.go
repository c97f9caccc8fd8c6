package fl

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoUpdates         = errors.New("no updates provided for aggregation")
	ErrDuplicateUpdate   = errors.New("duplicate update for client")
	ErrEmptyParameters   = errors.New("parameter vector has no tensors")
	ErrInvalidParameters = errors.New("invalid parameter vector")
	ErrUnknownMethod     = errors.New("unknown aggregation method")
	ErrStaleUpdate       = errors.New("update targets a round other than the current one")
	ErrShapeMismatch     = errors.New("update shape does not match global parameters")
	ErrQuorumTimeout     = errors.New("round timed out with partial participation")
	ErrRoundStall        = errors.New("round stalled without enough updates")
)

type StaleUpdateError struct {
	ClientID string
	Round    uint64
	Current  uint64
}

func (e *StaleUpdateError) Error() string {
	return fmt.Sprintf("client %s submitted round %d while round %d is active", e.ClientID, e.Round, e.Current)
}

func (e *StaleUpdateError) Unwrap() error {
	return ErrStaleUpdate
}

type ShapeMismatchError struct {
	ClientID string
	Tensor   string
	Want     []int
	Got      []int
}

func (e *ShapeMismatchError) Error() string {
	if e.ClientID == "" {
		return fmt.Sprintf("%s: tensor %s want %v got %v", ErrShapeMismatch, e.Tensor, e.Want, e.Got)
	}

	return fmt.Sprintf("%s: client %s tensor %s want %v got %v", ErrShapeMismatch, e.ClientID, e.Tensor, e.Want, e.Got)
}

func (e *ShapeMismatchError) Unwrap() error {
	return ErrShapeMismatch
}

// RoundStallError is fatal for a run: the round exhausted its timeout
// retries without reaching the minimum quorum.
type RoundStallError struct {
	Round   uint64
	Cycles  int
	Missing []string
}

func (e *RoundStallError) Error() string {
	return fmt.Sprintf("round %d stalled after %d timeout cycles, missing clients [%s]", e.Round, e.Cycles, strings.Join(e.Missing, ", "))
}

func (e *RoundStallError) Unwrap() error {
	return ErrRoundStall
}
