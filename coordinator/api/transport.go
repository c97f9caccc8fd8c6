package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/absmach/fedsync/coordinator"
	"github.com/absmach/fedsync/pkg/api"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/storage"
	"github.com/absmach/supermq"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	roundKey   = "round"
	maxPayload = 256 << 20
)

func MakeHandler(svc coordinator.Service, logger *slog.Logger, instanceID string) http.Handler {
	mux := chi.NewRouter()

	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(apiutil.LoggingErrorEncoder(logger, EncodeError)),
	}

	mux.Post("/register", otelhttp.NewHandler(kithttp.NewServer(
		registerEndpoint(svc),
		decodeRegisterReq,
		api.EncodeResponse,
		opts...,
	), "register-client").ServeHTTP)

	mux.Get("/parameters", otelhttp.NewHandler(kithttp.NewServer(
		getParametersEndpoint(svc),
		decodeEmptyReq,
		api.EncodeResponse,
		opts...,
	), "get-parameters").ServeHTTP)

	mux.Get("/clients", otelhttp.NewHandler(kithttp.NewServer(
		listClientsEndpoint(svc),
		decodeEmptyReq,
		api.EncodeResponse,
		opts...,
	), "list-clients").ServeHTTP)

	mux.Route("/updates", func(r chi.Router) {
		r.Post("/", otelhttp.NewHandler(kithttp.NewServer(
			submitUpdateEndpoint(svc),
			decodeUpdateReq,
			api.EncodeResponse,
			opts...,
		), "submit-update").ServeHTTP)
		r.Post("/cbor", otelhttp.NewHandler(kithttp.NewServer(
			submitUpdateEndpoint(svc),
			decodeUpdateCBORReq,
			api.EncodeResponse,
			opts...,
		), "submit-update-cbor").ServeHTTP)
	})

	mux.Get("/status", otelhttp.NewHandler(kithttp.NewServer(
		getStatusEndpoint(svc),
		decodeEmptyReq,
		api.EncodeResponse,
		opts...,
	), "get-status").ServeHTTP)

	mux.Route("/rounds", func(r chi.Router) {
		r.Post("/start", otelhttp.NewHandler(kithttp.NewServer(
			startRoundEndpoint(svc),
			decodeEmptyReq,
			api.EncodeResponse,
			opts...,
		), "start-round").ServeHTTP)
		r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
			listRoundsEndpoint(svc),
			decodeListRoundsReq,
			api.EncodeResponse,
			opts...,
		), "list-rounds").ServeHTTP)
		r.Get("/{round}", otelhttp.NewHandler(kithttp.NewServer(
			getRoundEndpoint(svc),
			decodeRoundReq,
			api.EncodeResponse,
			opts...,
		), "get-round").ServeHTTP)
	})

	mux.Get("/health", supermq.Health("coordinator", instanceID))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// EncodeError maps coordinator errors to HTTP status codes.
func EncodeError(ctx context.Context, err error, w http.ResponseWriter) {
	api.ErrorEncoder(statusCode)(ctx, err, w)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, apiutil.ErrUnsupportedContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, apiutil.ErrValidation),
		errors.Is(err, coordinator.ErrMissingClientID),
		errors.Is(err, coordinator.ErrInvalidUpdate):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotRegistered),
		errors.Is(err, pkgerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fl.ErrStaleUpdate),
		errors.Is(err, coordinator.ErrRoundNotActive),
		errors.Is(err, coordinator.ErrRoundInProgress):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrFinished):
		return http.StatusGone
	case errors.Is(err, fl.ErrShapeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrAborted),
		errors.Is(err, storage.ErrUnsupportedType):
		return http.StatusServiceUnavailable
	default:
		return 0
	}
}

func decodeEmptyReq(_ context.Context, _ *http.Request) (any, error) {
	return emptyReq{}, nil
}

func decodeRegisterReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.ContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}

	var req registerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	return req, nil
}

func decodeUpdateReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.ContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}

	var req updateReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayload)).Decode(&req); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	return req, nil
}

func decodeUpdateCBORReq(_ context.Context, r *http.Request) (any, error) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, api.CBORContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	if err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	var req updateReq
	if err := cbor.Unmarshal(data, &req); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	return req, nil
}

func decodeListRoundsReq(_ context.Context, r *http.Request) (any, error) {
	o, err := apiutil.ReadNumQuery[uint64](r, api.OffsetKey, api.DefOffset)
	if err != nil {
		return nil, errors.Join(apiutil.ErrValidation, err)
	}

	l, err := apiutil.ReadNumQuery[uint64](r, api.LimitKey, api.DefLimit)
	if err != nil {
		return nil, errors.Join(apiutil.ErrValidation, err)
	}

	return listRoundsReq{offset: o, limit: l}, nil
}

func decodeRoundReq(_ context.Context, r *http.Request) (any, error) {
	round, err := strconv.ParseUint(chi.URLParam(r, roundKey), 10, 64)
	if err != nil {
		return nil, errors.Join(apiutil.ErrValidation, errInvalidRound, err)
	}

	return roundReq{round: round}, nil
}
