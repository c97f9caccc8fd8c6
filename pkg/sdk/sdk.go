package sdk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/absmach/fedsync/pkg/fl"
)

const (
	CTJSON string = "application/json"
	CTCBOR string = "application/cbor"
)

var (
	// ErrConflict covers stale round tokens, submissions outside an active
	// round and duplicate round starts.
	ErrConflict      = errors.New("conflict with coordinator state")
	ErrNotFound      = errors.New("not found")
	ErrFinished      = errors.New("training run has finished")
	ErrAborted       = errors.New("training run was aborted")
	ErrShapeMismatch = errors.New("parameter shape mismatch")
	ErrBadRequest    = errors.New("bad request")
)

type PageMetadata struct {
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
}

type SDK interface {
	// Register adds the client to the coordinator or refreshes it.
	//
	// example:
	//  client, _ := sdk.Register(ctx, "client_0", map[string]string{"host": "edge-1"})
	//  fmt.Println(client.Status)
	Register(ctx context.Context, clientID string, metadata map[string]string) (Client, error)

	// Clients lists registered clients ordered by ID.
	Clients(ctx context.Context) (ClientPage, error)

	// GetParameters returns the global parameters and the round token that
	// must be echoed back with the update.
	GetParameters(ctx context.Context) (Parameters, error)

	// SubmitUpdate submits locally trained parameters as JSON.
	//
	// example:
	//  res, _ := sdk.SubmitUpdate(ctx, sdk.Update{ClientID: "client_0", Round: params.Round, ...})
	//  fmt.Println(res.UpdatesReceived)
	SubmitUpdate(ctx context.Context, u Update) (SubmitResult, error)

	// SubmitUpdateCBOR submits locally trained parameters as CBOR.
	SubmitUpdateCBOR(ctx context.Context, u Update) (SubmitResult, error)

	Status(ctx context.Context) (Status, error)

	// StartRound starts the first round without waiting for the quorum.
	StartRound(ctx context.Context) (Status, error)

	// History lists completed rounds.
	//
	// example:
	//  page, _ := sdk.History(ctx, 0, 10)
	//  fmt.Println(page.Total)
	History(ctx context.Context, offset, limit uint64) (RoundPage, error)

	Round(ctx context.Context, round uint64) (fl.RoundRecord, error)

	Health(ctx context.Context) (Health, error)
}

type fedSDK struct {
	coordinatorURL string
	client         *http.Client
}

type Config struct {
	CoordinatorURL  string
	TLSVerification bool
	Timeout         time.Duration
}

func NewSDK(cfg Config) SDK {
	return &fedSDK{
		coordinatorURL: strings.TrimSuffix(cfg.CoordinatorURL, "/"),
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !cfg.TLSVerification,
				},
			},
		},
	}
}

type errorRes struct {
	Error string `json:"error"`
}

func (sdk *fedSDK) processRequest(ctx context.Context, method, reqURL, contentType string, data []byte, expectedRespCode int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(data))
	if err != nil {
		return []byte{}, err
	}

	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}

	resp, err := sdk.client.Do(req)
	if err != nil {
		return []byte{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return []byte{}, err
	}

	if resp.StatusCode != expectedRespCode {
		return []byte{}, decodeError(resp.StatusCode, body)
	}

	return body, nil
}

func decodeError(code int, body []byte) error {
	var res errorRes
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &res); err == nil && res.Error != "" {
		msg = res.Error
	}

	var kind error
	switch code {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		kind = ErrBadRequest
	case http.StatusNotFound:
		kind = ErrNotFound
	case http.StatusConflict:
		kind = ErrConflict
	case http.StatusGone:
		kind = ErrFinished
	case http.StatusUnprocessableEntity:
		kind = ErrShapeMismatch
	case http.StatusServiceUnavailable:
		kind = ErrAborted
	default:
		return fmt.Errorf("unexpected response code: %d: %s", code, msg)
	}

	return fmt.Errorf("%w: %s", kind, msg)
}
