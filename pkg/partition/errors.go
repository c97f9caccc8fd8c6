package partition

import (
	"errors"
	"fmt"
)

// ErrIntegrity is returned when partitions overlap or fail to cover the
// dataset.
var ErrIntegrity = errors.New("partition integrity violated")

type IntegrityError struct {
	Row    int
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: row %d: %s", ErrIntegrity, e.Row, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}
