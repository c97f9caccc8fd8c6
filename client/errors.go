package client

import "errors"

var (
	ErrMissingID  = errors.New("client id is required")
	ErrNoRows     = errors.New("client has no training rows")
	ErrRunAborted = errors.New("coordinator aborted the training run")
)
