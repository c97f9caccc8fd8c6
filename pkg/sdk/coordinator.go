package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/absmach/fedsync/pkg/fl"
	"github.com/fxamacker/cbor/v2"
)

const (
	registerEndpoint   = "/register"
	clientsEndpoint    = "/clients"
	parametersEndpoint = "/parameters"
	updatesEndpoint    = "/updates"
	statusEndpoint     = "/status"
	roundsEndpoint     = "/rounds"
	healthEndpoint     = "/health"
)

// Coordinator states as reported by Status.
const (
	StateAwaitingClients = "awaiting_clients"
	StateRoundActive     = "round_active"
	StateAggregating     = "aggregating"
	StateFinished        = "finished"
	StateFailed          = "failed"
)

type Client struct {
	ID           string            `json:"id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       string            `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
	LastRound    uint64            `json:"last_round"`
	Submissions  int               `json:"submissions"`
	Timeouts     int               `json:"timeouts"`
}

type ClientPage struct {
	Total   uint64   `json:"total"`
	Clients []Client `json:"clients"`
}

type Parameters struct {
	Round      uint64             `json:"round"`
	State      string             `json:"state"`
	Parameters fl.ParameterVector `json:"parameters"`
}

type Update struct {
	ClientID    string             `json:"client_id"         cbor:"client_id"`
	Round       uint64             `json:"round"             cbor:"round"`
	Parameters  fl.ParameterVector `json:"parameters"        cbor:"parameters"`
	SampleCount int                `json:"sample_count"      cbor:"sample_count"`
	LocalSteps  int                `json:"local_steps"       cbor:"local_steps"`
	Metrics     map[string]float64 `json:"metrics,omitempty" cbor:"metrics,omitempty"`
}

type SubmitResult struct {
	Round           uint64 `json:"round"`
	UpdatesReceived int    `json:"updates_received"`
	Aggregated      bool   `json:"aggregated"`
}

type Status struct {
	CurrentRound      uint64    `json:"current_round"`
	TotalRounds       uint64    `json:"total_rounds"`
	State             string    `json:"state"`
	Method            string    `json:"method"`
	RegisteredClients int       `json:"registered_clients"`
	ExpectedClients   int       `json:"expected_clients"`
	UpdatesReceived   int       `json:"updates_received"`
	MinQuorum         int       `json:"min_quorum"`
	TimeoutCycles     int       `json:"timeout_cycles"`
	RoundStartedAt    time.Time `json:"round_started_at,omitzero"`
	RoundDeadline     time.Time `json:"round_deadline,omitzero"`
	Error             string    `json:"error,omitempty"`
}

type RoundPage struct {
	PageMetadata
	Total  uint64           `json:"total"`
	Rounds []fl.RoundRecord `json:"rounds"`
}

type Health struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	Description string `json:"description"`
	BuildTime   string `json:"build_time"`
	InstanceID  string `json:"instance_id"`
}

func (sdk *fedSDK) Register(ctx context.Context, clientID string, metadata map[string]string) (Client, error) {
	data, err := json.Marshal(map[string]any{"client_id": clientID, "metadata": metadata})
	if err != nil {
		return Client{}, err
	}

	body, err := sdk.processRequest(ctx, http.MethodPost, sdk.coordinatorURL+registerEndpoint, CTJSON, data, http.StatusOK)
	if err != nil {
		return Client{}, err
	}

	var c Client
	if err := json.Unmarshal(body, &c); err != nil {
		return Client{}, err
	}

	return c, nil
}

func (sdk *fedSDK) Clients(ctx context.Context) (ClientPage, error) {
	body, err := sdk.processRequest(ctx, http.MethodGet, sdk.coordinatorURL+clientsEndpoint, "", nil, http.StatusOK)
	if err != nil {
		return ClientPage{}, err
	}

	var cp ClientPage
	if err := json.Unmarshal(body, &cp); err != nil {
		return ClientPage{}, err
	}

	return cp, nil
}

func (sdk *fedSDK) GetParameters(ctx context.Context) (Parameters, error) {
	body, err := sdk.processRequest(ctx, http.MethodGet, sdk.coordinatorURL+parametersEndpoint, "", nil, http.StatusOK)
	if err != nil {
		return Parameters{}, err
	}

	var p Parameters
	if err := json.Unmarshal(body, &p); err != nil {
		return Parameters{}, err
	}

	return p, nil
}

func (sdk *fedSDK) SubmitUpdate(ctx context.Context, u Update) (SubmitResult, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return SubmitResult{}, err
	}

	return sdk.submit(ctx, sdk.coordinatorURL+updatesEndpoint, CTJSON, data)
}

func (sdk *fedSDK) SubmitUpdateCBOR(ctx context.Context, u Update) (SubmitResult, error) {
	data, err := cbor.Marshal(u)
	if err != nil {
		return SubmitResult{}, err
	}

	return sdk.submit(ctx, sdk.coordinatorURL+updatesEndpoint+"/cbor", CTCBOR, data)
}

func (sdk *fedSDK) submit(ctx context.Context, reqURL, contentType string, data []byte) (SubmitResult, error) {
	body, err := sdk.processRequest(ctx, http.MethodPost, reqURL, contentType, data, http.StatusAccepted)
	if err != nil {
		return SubmitResult{}, err
	}

	var res SubmitResult
	if err := json.Unmarshal(body, &res); err != nil {
		return SubmitResult{}, err
	}

	return res, nil
}

func (sdk *fedSDK) Status(ctx context.Context) (Status, error) {
	body, err := sdk.processRequest(ctx, http.MethodGet, sdk.coordinatorURL+statusEndpoint, "", nil, http.StatusOK)
	if err != nil {
		return Status{}, err
	}

	return decodeStatus(body)
}

func (sdk *fedSDK) StartRound(ctx context.Context) (Status, error) {
	body, err := sdk.processRequest(ctx, http.MethodPost, sdk.coordinatorURL+roundsEndpoint+"/start", "", nil, http.StatusOK)
	if err != nil {
		return Status{}, err
	}

	return decodeStatus(body)
}

func decodeStatus(body []byte) (Status, error) {
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return Status{}, err
	}

	return st, nil
}

func (sdk *fedSDK) History(ctx context.Context, offset, limit uint64) (RoundPage, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.FormatUint(offset, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.FormatUint(limit, 10))
	}
	reqURL := sdk.coordinatorURL + roundsEndpoint
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	body, err := sdk.processRequest(ctx, http.MethodGet, reqURL, "", nil, http.StatusOK)
	if err != nil {
		return RoundPage{}, err
	}

	var page RoundPage
	if err := json.Unmarshal(body, &page); err != nil {
		return RoundPage{}, err
	}

	return page, nil
}

func (sdk *fedSDK) Round(ctx context.Context, round uint64) (fl.RoundRecord, error) {
	reqURL := fmt.Sprintf("%s%s/%d", sdk.coordinatorURL, roundsEndpoint, round)

	body, err := sdk.processRequest(ctx, http.MethodGet, reqURL, "", nil, http.StatusOK)
	if err != nil {
		return fl.RoundRecord{}, err
	}

	var rec fl.RoundRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return fl.RoundRecord{}, err
	}

	return rec, nil
}

func (sdk *fedSDK) Health(ctx context.Context) (Health, error) {
	body, err := sdk.processRequest(ctx, http.MethodGet, sdk.coordinatorURL+healthEndpoint, "", nil, http.StatusOK)
	if err != nil {
		return Health{}, err
	}

	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return Health{}, err
	}

	return h, nil
}
