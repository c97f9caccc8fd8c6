package coordinator

import "errors"

var (
	ErrMissingClientID = errors.New("missing client id")
	ErrNotRegistered   = errors.New("client is not registered")
	ErrInvalidUpdate   = errors.New("invalid update")
	ErrRoundNotActive  = errors.New("no round is accepting updates")
	ErrRoundInProgress = errors.New("round already in progress")
	ErrFinished        = errors.New("training run has finished")
	ErrAborted         = errors.New("training run was aborted")
	ErrInvalidConfig   = errors.New("invalid coordinator configuration")
)
