package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fedsync/coordinator"
	"github.com/absmach/fedsync/coordinator/api"
	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/model"
	"github.com/absmach/fedsync/pkg/mqtt"
	"github.com/absmach/fedsync/pkg/mqtt/mocks"
	"github.com/absmach/fedsync/pkg/partition"
	"github.com/absmach/fedsync/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func rows(n, features, classes int) []partition.Row {
	out := make([]partition.Row, n)
	for i := range n {
		x := make([]float64, features)
		for j := range x {
			x[j] = float64((i+j)%5) / 5
		}
		out[i] = partition.Row{Index: i, Features: x, Label: i % classes}
	}

	return out
}

func startCoordinator(t *testing.T, cfg coordinator.Config, initial fl.ParameterVector) (*coordinator.Coordinator, sdk.SDK) {
	t.Helper()

	agg, err := fl.NewAggregator(fl.FedAvg, fl.DefaultOptions())
	require.NoError(t, err)
	svc, err := coordinator.New(cfg, initial, agg, coordinator.WithLogger(discard))
	require.NoError(t, err)

	ts := httptest.NewServer(api.MakeHandler(svc, discard, "client-test"))
	t.Cleanup(ts.Close)

	return svc, sdk.NewSDK(sdk.Config{CoordinatorURL: ts.URL, Timeout: 5 * time.Second})
}

func TestNewAgent(t *testing.T) {
	cases := []struct {
		desc string
		cfg  Config
		rows []partition.Row
		err  error
	}{
		{desc: "missing id", cfg: Config{}, rows: rows(4, 2, 2), err: ErrMissingID},
		{desc: "no rows", cfg: Config{ClientID: "client_0"}, err: ErrNoRows},
		{desc: "defaults", cfg: Config{ClientID: "client_0"}, rows: rows(4, 2, 2)},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			a, err := NewAgent(tc.cfg, nil, model.NewTrainer(), tc.rows, nil)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultPollInterval, a.cfg.PollInterval)
			assert.Equal(t, uint64(defaultRegisterRetries), a.cfg.RegisterRetries)
		})
	}
}

func TestAgentsCompleteRun(t *testing.T) {
	const clients = 3
	svc, client := startCoordinator(t, coordinator.Config{
		ExpectedClients: clients,
		TotalRounds:     3,
		RoundTimeout:    time.Minute,
		AutoStart:       true,
	}, model.InitParameters(3, 2, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, clients)
	for i := range clients {
		trainer := model.NewTrainer()
		trainer.Seed = uint64(i)
		a, err := NewAgent(Config{
			ClientID:     fmt.Sprintf("client_%d", i),
			PollInterval: 10 * time.Millisecond,
			UseCBOR:      i%2 == 1,
		}, client, trainer, rows(20+i*5, 3, 2), discard)
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = a.Run(ctx)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	st, err := svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coordinator.Finished, st.State)
	assert.Equal(t, uint64(3), st.CurrentRound)

	cs, err := svc.ListClients(context.Background())
	require.NoError(t, err)
	for _, c := range cs {
		assert.Equal(t, 3, c.Submissions)
	}
}

type failingTrainer struct{}

func (failingTrainer) Train(context.Context, []partition.Row, fl.ParameterVector) (fl.ParameterVector, int, int, error) {
	return fl.ParameterVector{}, 0, 0, errors.New("out of memory")
}

func TestAgentReportsAbortedRun(t *testing.T) {
	svc, client := startCoordinator(t, coordinator.Config{
		ExpectedClients:   2,
		MinQuorum:         2,
		TotalRounds:       1,
		RoundTimeout:      30 * time.Millisecond,
		CheckInterval:     5 * time.Millisecond,
		MaxTimeoutRetries: 1,
		AutoStart:         true,
	}, model.InitParameters(2, 2, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	_, err := client.Register(ctx, "client_1", nil)
	require.NoError(t, err)

	a, err := NewAgent(Config{ClientID: "client_0", PollInterval: 5 * time.Millisecond}, client, failingTrainer{}, rows(8, 2, 2), discard)
	require.NoError(t, err)

	err = a.Run(ctx)
	assert.ErrorIs(t, err, ErrRunAborted)
	assert.ErrorIs(t, svc.Err(), fl.ErrRoundStall)
}

func TestRegisterGivesUpOnBadRequest(t *testing.T) {
	_, client := startCoordinator(t, coordinator.Config{
		ExpectedClients: 1,
		TotalRounds:     1,
		RoundTimeout:    time.Minute,
	}, model.InitParameters(2, 2, 1))

	a := &Agent{cfg: Config{RegisterRetries: 3}, sdk: client, logger: discard}
	err := a.register(context.Background())
	assert.ErrorIs(t, err, sdk.ErrBadRequest)
}

func TestRoundEventsWakeAgent(t *testing.T) {
	ps := new(mocks.MockPubSub)
	topics := mqtt.NewTopics("lab")

	handlers := make(chan mqtt.Handler, 1)
	ps.On("Subscribe", mock.Anything, "lab/rounds", mock.Anything).Run(func(args mock.Arguments) {
		handlers <- args.Get(2).(mqtt.Handler)
	}).Return(nil)
	ps.On("Unsubscribe", mock.Anything, "lab/rounds").Return(nil)
	ps.On("Publish", mock.Anything, "lab/clients/client_0/status", mock.Anything).Return(nil)

	svc, client := startCoordinator(t, coordinator.Config{
		ExpectedClients: 1,
		TotalRounds:     1,
		RoundTimeout:    time.Minute,
	}, model.InitParameters(2, 2, 1))

	a, err := NewAgent(Config{ClientID: "client_0", PollInterval: time.Hour}, client, model.NewTrainer(), rows(10, 2, 2), discard, WithPubSub(ps, topics))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var handler mqtt.Handler
	select {
	case handler = <-handlers:
	case <-ctx.Done():
		t.Fatal("agent did not subscribe to round events")
	}

	_, err = client.StartRound(ctx)
	require.NoError(t, err)
	require.NoError(t, handler("lab/rounds", map[string]any{"type": mqtt.EventRoundStarted, "round": 0}))

	require.Eventually(t, func() bool {
		st, err := svc.GetStatus(ctx)
		return err == nil && st.State == coordinator.Finished
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, handler("lab/rounds", map[string]any{"type": mqtt.EventRunFinished, "round": 1}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("agent did not react to the round event")
	}
	ps.AssertCalled(t, "Publish", mock.Anything, "lab/clients/client_0/status", mock.Anything)
}
