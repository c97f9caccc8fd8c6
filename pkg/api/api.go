package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/supermq"
	apiutil "github.com/absmach/supermq/api/http/util"
)

const (
	OffsetKey = "offset"
	LimitKey  = "limit"
	DefOffset = 0
	DefLimit  = 10

	ContentType     = "application/json"
	CBORContentType = "application/cbor"

	MaxLimitSize = 100
)

// StatusFunc maps a domain error to an HTTP status code. It returns zero
// for errors it does not recognise.
type StatusFunc func(err error) int

type errorRes struct {
	Error string `json:"error"`
}

func EncodeResponse(_ context.Context, w http.ResponseWriter, response any) error {
	if ar, ok := response.(supermq.Response); ok {
		for k, v := range ar.Headers() {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(ar.Code())

		if ar.Empty() {
			return nil
		}
	}

	return json.NewEncoder(w).Encode(response)
}

// EncodeError writes err as a JSON body with a status derived from the
// generic request errors.
func EncodeError(ctx context.Context, err error, w http.ResponseWriter) {
	ErrorEncoder(nil)(ctx, err, w)
}

// ErrorEncoder consults status first and falls back to the generic request
// errors.
func ErrorEncoder(status StatusFunc) func(context.Context, error, http.ResponseWriter) {
	return func(_ context.Context, err error, w http.ResponseWriter) {
		code := 0
		if status != nil {
			code = status(err)
		}
		if code == 0 {
			code = statusCode(err)
		}

		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(errorRes{Error: err.Error()}); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, apiutil.ErrUnsupportedContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, apiutil.ErrValidation),
		errors.Is(err, pkgerrors.ErrEmptyKey),
		errors.Is(err, pkgerrors.ErrInvalidData):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrEntityExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
