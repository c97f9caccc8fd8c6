package storage

import "errors"

var ErrUnsupportedType = errors.New("unsupported storage type")
