package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fedsync/coordinator"
	"github.com/absmach/fedsync/coordinator/api"
	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/storage"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vector(v float64) fl.ParameterVector {
	return fl.ParameterVector{Tensors: []fl.Tensor{{Name: "w", Shape: []int{2}, Values: []float64{v, v}}}}
}

func newServer(t *testing.T, expected int) *httptest.Server {
	t.Helper()

	agg, err := fl.NewAggregator(fl.FedAvg, fl.DefaultOptions())
	require.NoError(t, err)
	repos, err := storage.NewRepositories(storage.Config{Type: "memory"})
	require.NoError(t, err)

	svc, err := coordinator.New(coordinator.Config{
		ExpectedClients: expected,
		TotalRounds:     2,
		RoundTimeout:    time.Minute,
		AutoStart:       true,
	}, vector(0), agg, coordinator.WithRepositories(repos.Rounds, repos.Models))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(api.MakeHandler(svc, logger, "test"))
	t.Cleanup(ts.Close)

	return ts
}

func do(t *testing.T, method, url, contentType string, body []byte) (int, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	return res.StatusCode, data
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return data
}

func updateBody(id string, round uint64, value float64) map[string]any {
	return map[string]any{
		"client_id":    id,
		"round":        round,
		"parameters":   vector(value),
		"sample_count": 10,
		"local_steps":  1,
	}
}

func TestRegister(t *testing.T) {
	ts := newServer(t, 2)

	cases := []struct {
		desc        string
		contentType string
		body        []byte
		status      int
	}{
		{desc: "register client", contentType: "application/json", body: []byte(`{"client_id":"client_0"}`), status: http.StatusOK},
		{desc: "register again", contentType: "application/json", body: []byte(`{"client_id":"client_0","metadata":{"zone":"a"}}`), status: http.StatusOK},
		{desc: "missing client id", contentType: "application/json", body: []byte(`{}`), status: http.StatusBadRequest},
		{desc: "malformed body", contentType: "application/json", body: []byte(`{`), status: http.StatusBadRequest},
		{desc: "wrong content type", contentType: "text/plain", body: []byte(`{"client_id":"x"}`), status: http.StatusUnsupportedMediaType},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			status, body := do(t, http.MethodPost, ts.URL+"/register", tc.contentType, tc.body)
			assert.Equal(t, tc.status, status, string(body))
		})
	}
}

func TestListClients(t *testing.T) {
	ts := newServer(t, 3)

	for _, id := range []string{"client_1", "client_0"} {
		status, body := do(t, http.MethodPost, ts.URL+"/register", "application/json", jsonBody(t, map[string]string{"client_id": id}))
		require.Equal(t, http.StatusOK, status, string(body))
	}

	status, body := do(t, http.MethodGet, ts.URL+"/clients", "", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var page struct {
		Total   uint64 `json:"total"`
		Clients []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"clients"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, uint64(2), page.Total)
	require.Len(t, page.Clients, 2)
	assert.Equal(t, "client_0", page.Clients[0].ID)
	assert.Equal(t, "client_1", page.Clients[1].ID)
	assert.Equal(t, string(coordinator.ClientRegistered), page.Clients[0].Status)
}

func TestRoundOverHTTP(t *testing.T) {
	ts := newServer(t, 2)

	for i := range 2 {
		status, _ := do(t, http.MethodPost, ts.URL+"/register", "application/json", jsonBody(t, map[string]string{"client_id": fmt.Sprintf("client_%d", i)}))
		require.Equal(t, http.StatusOK, status)
	}

	status, body := do(t, http.MethodGet, ts.URL+"/parameters", "", nil)
	require.Equal(t, http.StatusOK, status)
	var params coordinator.Parameters
	require.NoError(t, json.Unmarshal(body, &params))
	assert.Equal(t, uint64(0), params.Round)
	assert.Equal(t, coordinator.RoundActive, params.State)
	assert.Equal(t, vector(0), params.Parameters)

	status, body = do(t, http.MethodPost, ts.URL+"/updates", "application/json", jsonBody(t, updateBody("client_0", 0, 2)))
	require.Equal(t, http.StatusAccepted, status, string(body))

	data, err := cbor.Marshal(updateBody("client_1", 0, 4))
	require.NoError(t, err)
	status, body = do(t, http.MethodPost, ts.URL+"/updates/cbor", "application/cbor", data)
	require.Equal(t, http.StatusAccepted, status, string(body))
	var res coordinator.SubmitResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Aggregated)

	status, body = do(t, http.MethodGet, ts.URL+"/status", "", nil)
	require.Equal(t, http.StatusOK, status)
	var st coordinator.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, uint64(1), st.CurrentRound)
	assert.Equal(t, 2, st.RegisteredClients)

	status, body = do(t, http.MethodGet, ts.URL+"/rounds", "", nil)
	require.Equal(t, http.StatusOK, status)
	var page coordinator.RoundPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Rounds, 1)
	assert.Equal(t, []string{"client_0", "client_1"}, page.Rounds[0].Participants)

	status, body = do(t, http.MethodGet, ts.URL+"/rounds/0", "", nil)
	require.Equal(t, http.StatusOK, status)
	var rec fl.RoundRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, 20, rec.TotalSamples)

	status, _ = do(t, http.MethodGet, ts.URL+"/rounds/9", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = do(t, http.MethodGet, ts.URL+"/rounds/first", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = do(t, http.MethodGet, ts.URL+"/rounds?limit=1000", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSubmitUpdateErrors(t *testing.T) {
	ts := newServer(t, 2)

	status, _ := do(t, http.MethodPost, ts.URL+"/updates", "application/json", jsonBody(t, updateBody("client_0", 0, 1)))
	assert.Equal(t, http.StatusNotFound, status)

	for i := range 2 {
		status, _ := do(t, http.MethodPost, ts.URL+"/register", "application/json", jsonBody(t, map[string]string{"client_id": fmt.Sprintf("client_%d", i)}))
		require.Equal(t, http.StatusOK, status)
	}

	bad := updateBody("client_0", 0, 1)
	bad["parameters"] = fl.ParameterVector{Tensors: []fl.Tensor{{Name: "b", Shape: []int{2}, Values: []float64{1, 1}}}}
	nan, err := cbor.Marshal(updateBody("client_0", 0, math.NaN()))
	require.NoError(t, err)
	inf, err := cbor.Marshal(updateBody("client_0", 0, math.Inf(1)))
	require.NoError(t, err)

	cases := []struct {
		desc        string
		contentType string
		path        string
		body        []byte
		status      int
	}{
		{desc: "stale round", contentType: "application/json", path: "/updates", body: jsonBody(t, updateBody("client_0", 3, 1)), status: http.StatusConflict},
		{desc: "shape mismatch", contentType: "application/json", path: "/updates", body: jsonBody(t, bad), status: http.StatusUnprocessableEntity},
		{desc: "empty parameters", contentType: "application/json", path: "/updates", body: []byte(`{"client_id":"client_0","round":0}`), status: http.StatusBadRequest},
		{desc: "json on cbor route", contentType: "application/json", path: "/updates/cbor", body: jsonBody(t, updateBody("client_0", 0, 1)), status: http.StatusUnsupportedMediaType},
		{desc: "garbage cbor", contentType: "application/cbor", path: "/updates/cbor", body: []byte{0xff, 0x00}, status: http.StatusBadRequest},
		{desc: "nan in cbor parameters", contentType: "application/cbor", path: "/updates/cbor", body: nan, status: http.StatusBadRequest},
		{desc: "infinity in cbor parameters", contentType: "application/cbor", path: "/updates/cbor", body: inf, status: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			status, body := do(t, http.MethodPost, ts.URL+tc.path, tc.contentType, tc.body)
			assert.Equal(t, tc.status, status, string(body))

			var res map[string]string
			require.NoError(t, json.Unmarshal(body, &res))
			assert.NotEmpty(t, res["error"])
		})
	}

	status, _ = do(t, http.MethodPost, ts.URL+"/rounds/start", "", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newServer(t, 1)

	status, _ := do(t, http.MethodGet, ts.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, status)
}
