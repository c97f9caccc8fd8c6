package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/mqtt"
	"github.com/absmach/fedsync/pkg/mqtt/mocks"
	"github.com/absmach/fedsync/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

func vector(v float64) fl.ParameterVector {
	return fl.ParameterVector{Tensors: []fl.Tensor{{Name: "w", Shape: []int{2}, Values: []float64{v, v}}}}
}

func testConfig() Config {
	return Config{
		ExpectedClients:   3,
		MinQuorum:         1,
		TotalRounds:       3,
		RoundTimeout:      time.Minute,
		MaxTimeoutRetries: 2,
		AutoStart:         true,
	}
}

func newTestCoordinator(t *testing.T, cfg Config, opts ...Option) (*Coordinator, *fakeClock) {
	t.Helper()

	agg, err := fl.NewAggregator(fl.FedAvg, fl.DefaultOptions())
	require.NoError(t, err)

	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c, err := New(cfg, vector(0), agg, opts...)
	require.NoError(t, err)

	return c, clock
}

func registerAll(t *testing.T, c *Coordinator, n int) {
	t.Helper()

	for i := range n {
		_, err := c.Register(context.Background(), fmt.Sprintf("client_%d", i), nil)
		require.NoError(t, err)
	}
}

func update(id string, round uint64, value float64, samples int) fl.RoundUpdate {
	return fl.RoundUpdate{ClientID: id, Round: round, Parameters: vector(value), SampleCount: samples, LocalSteps: 1}
}

func TestNewValidatesConfig(t *testing.T) {
	agg, err := fl.NewAggregator(fl.FedAvg, fl.DefaultOptions())
	require.NoError(t, err)

	cases := []struct {
		desc    string
		cfg     Config
		initial fl.ParameterVector
		agg     fl.Aggregator
		err     error
	}{
		{desc: "no clients", cfg: Config{TotalRounds: 1, RoundTimeout: time.Second}, initial: vector(0), agg: agg, err: ErrInvalidConfig},
		{desc: "no rounds", cfg: Config{ExpectedClients: 1, RoundTimeout: time.Second}, initial: vector(0), agg: agg, err: ErrInvalidConfig},
		{desc: "quorum above expected", cfg: Config{ExpectedClients: 1, MinQuorum: 2, TotalRounds: 1, RoundTimeout: time.Second}, initial: vector(0), agg: agg, err: ErrInvalidConfig},
		{desc: "no timeout", cfg: Config{ExpectedClients: 1, TotalRounds: 1}, initial: vector(0), agg: agg, err: ErrInvalidConfig},
		{desc: "empty parameters", cfg: testConfig(), agg: agg, err: ErrInvalidConfig},
		{desc: "missing aggregator", cfg: testConfig(), initial: vector(0), err: ErrInvalidConfig},
		{desc: "bad schedule", cfg: Config{ExpectedClients: 1, TotalRounds: 1, RoundTimeout: time.Second, StartSchedule: "never"}, initial: vector(0), agg: agg, err: ErrInvalidConfig},
		{desc: "valid", cfg: testConfig(), initial: vector(0), agg: agg},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := New(tc.cfg, tc.initial, tc.agg)
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestRegisterStartsRoundAtQuorum(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	registerAll(t, c, 2)
	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, AwaitingClients, st.State)
	assert.Equal(t, 2, st.RegisteredClients)

	_, err = c.Register(ctx, "client_2", map[string]string{"host": "edge-2"})
	require.NoError(t, err)

	st, err = c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoundActive, st.State)
	assert.Equal(t, uint64(0), st.CurrentRound)
	assert.False(t, st.RoundDeadline.IsZero())

	clients, err := c.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 3)
	for _, cl := range clients {
		assert.Equal(t, ClientTraining, cl.Status)
	}
	assert.Equal(t, "edge-2", clients[2].Metadata["host"])

	_, err = c.Register(ctx, "", nil)
	assert.ErrorIs(t, err, ErrMissingClientID)
}

func TestRegisterTwiceKeepsOneEntry(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	_, err := c.Register(ctx, "client_0", nil)
	require.NoError(t, err)
	_, err = c.Register(ctx, "client_0", map[string]string{"v": "2"})
	require.NoError(t, err)

	clients, err := c.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "2", clients[0].Metadata["v"])
}

func TestStartRound(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	c, _ := newTestCoordinator(t, cfg)
	ctx := context.Background()

	registerAll(t, c, 3)
	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, AwaitingClients, st.State)

	st, err = c.StartRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoundActive, st.State)

	_, err = c.StartRound(ctx)
	assert.ErrorIs(t, err, ErrRoundInProgress)
}

func TestFullRoundAdvances(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()
	registerAll(t, c, 3)

	samples := []int{100, 50, 150}
	for i, n := range samples {
		res, err := c.SubmitUpdate(ctx, update(fmt.Sprintf("client_%d", i), 0, float64(i+1), n))
		require.NoError(t, err)
		assert.Equal(t, i == len(samples)-1, res.Aggregated)
	}

	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.CurrentRound)
	assert.Equal(t, RoundActive, st.State)
	assert.Equal(t, 0, st.UpdatesReceived)

	p, err := c.GetParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Round)
	for _, v := range p.Parameters.Tensors[0].Values {
		assert.InDelta(t, 650.0/300.0, v, 1e-12)
	}
}

func TestSubmitUpdateErrors(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()

	_, err := c.Register(ctx, "client_0", nil)
	require.NoError(t, err)
	_, err = c.SubmitUpdate(ctx, update("client_0", 0, 1, 10))
	assert.ErrorIs(t, err, ErrRoundNotActive)

	registerAll(t, c, 3)

	wrongShape := update("client_1", 0, 1, 10)
	wrongShape.Parameters = fl.ParameterVector{Tensors: []fl.Tensor{{Name: "w", Shape: []int{3}, Values: []float64{1, 2, 3}}}}

	cases := []struct {
		desc   string
		update fl.RoundUpdate
		err    error
	}{
		{desc: "missing client id", update: update("", 0, 1, 10), err: ErrMissingClientID},
		{desc: "unregistered client", update: update("stranger", 0, 1, 10), err: ErrNotRegistered},
		{desc: "negative samples", update: update("client_0", 0, 1, -1), err: ErrInvalidUpdate},
		{desc: "empty parameters", update: fl.RoundUpdate{ClientID: "client_0", SampleCount: 1}, err: ErrInvalidUpdate},
		{desc: "stale round", update: update("client_0", 4, 1, 10), err: fl.ErrStaleUpdate},
		{desc: "shape mismatch", update: wrongShape, err: fl.ErrShapeMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := c.SubmitUpdate(ctx, tc.update)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	_, err = c.SubmitUpdate(ctx, update("client_0", 7, 1, 10))
	var stale *fl.StaleUpdateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(7), stale.Round)
	assert.Equal(t, uint64(0), stale.Current)

	_, err = c.SubmitUpdate(ctx, wrongShape)
	var shape *fl.ShapeMismatchError
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, "client_1", shape.ClientID)

	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.UpdatesReceived)
}

func TestResubmitReplacesUpdate(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()
	registerAll(t, c, 3)

	_, err := c.SubmitUpdate(ctx, update("client_0", 0, 1, 10))
	require.NoError(t, err)
	res, err := c.SubmitUpdate(ctx, update("client_0", 0, 5, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatesReceived)
	assert.False(t, res.Aggregated)
}

func TestPartialQuorumAtDeadline(t *testing.T) {
	repos, err := storage.NewRepositories(storage.Config{Type: "memory"})
	require.NoError(t, err)

	c, clock := newTestCoordinator(t, testConfig(), WithRepositories(repos.Rounds, repos.Models))
	ctx := context.Background()
	registerAll(t, c, 3)

	_, err = c.SubmitUpdate(ctx, update("client_0", 0, 4, 20))
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	c.tick(ctx)
	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.CurrentRound)

	clock.Advance(31 * time.Second)
	c.tick(ctx)

	st, err = c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.CurrentRound)
	assert.Equal(t, RoundActive, st.State)

	p, err := c.GetParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, vector(4), p.Parameters)

	rec, err := c.Round(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"client_0"}, rec.Participants)
	assert.Equal(t, []string{"client_1", "client_2"}, rec.TimedOut)
	assert.Equal(t, 20, rec.TotalSamples)

	snap, err := repos.Models.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Round)

	page, err := c.History(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), page.Total)
}

func TestTimedOutClientRejoins(t *testing.T) {
	c, clock := newTestCoordinator(t, testConfig())
	ctx := context.Background()
	registerAll(t, c, 3)

	_, err := c.SubmitUpdate(ctx, update("client_0", 0, 1, 10))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	c.tick(ctx)

	late, _ := c.registry.Get("client_1")
	assert.Equal(t, ClientTraining, late.Status)
	assert.Equal(t, 1, late.Timeouts)

	_, err = c.SubmitUpdate(ctx, update("client_1", 0, 1, 10))
	assert.ErrorIs(t, err, fl.ErrStaleUpdate)

	_, err = c.SubmitUpdate(ctx, update("client_1", 1, 1, 10))
	assert.NoError(t, err)
}

func TestRoundStallAborts(t *testing.T) {
	cfg := testConfig()
	cfg.MinQuorum = 2
	c, clock := newTestCoordinator(t, cfg)
	ctx := context.Background()
	registerAll(t, c, 3)

	_, err := c.SubmitUpdate(ctx, update("client_0", 0, 1, 10))
	require.NoError(t, err)

	for cycle := 1; cycle <= cfg.MaxTimeoutRetries; cycle++ {
		clock.Advance(cfg.RoundTimeout)
		c.tick(ctx)
		st, err := c.GetStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, RoundActive, st.State)
		assert.Equal(t, cycle, st.TimeoutCycles)
		assert.Equal(t, 1, st.UpdatesReceived)

		waiting, _ := c.registry.Get("client_1")
		assert.Equal(t, ClientTraining, waiting.Status)
		assert.Equal(t, 0, waiting.Timeouts)
	}

	clock.Advance(cfg.RoundTimeout)
	c.tick(ctx)

	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, Failed, st.State)
	assert.NotEmpty(t, st.Error)

	var stall *fl.RoundStallError
	require.ErrorAs(t, c.Err(), &stall)
	assert.Equal(t, uint64(0), stall.Round)
	assert.Equal(t, []string{"client_1", "client_2"}, stall.Missing)

	missed, _ := c.registry.Get("client_2")
	assert.Equal(t, ClientTimedOut, missed.Status)
	assert.Equal(t, 1, missed.Timeouts)

	p, err := c.GetParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, Failed, p.State)
	assert.Equal(t, vector(0), p.Parameters)

	_, err = c.SubmitUpdate(ctx, update("client_1", 0, 1, 10))
	assert.ErrorIs(t, err, ErrAborted)
	_, err = c.StartRound(ctx)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestRunFinishes(t *testing.T) {
	cfg := testConfig()
	cfg.ExpectedClients = 2
	cfg.TotalRounds = 2
	c, _ := newTestCoordinator(t, cfg)
	ctx := context.Background()
	registerAll(t, c, 2)

	for round := range cfg.TotalRounds {
		for i := range 2 {
			_, err := c.SubmitUpdate(ctx, update(fmt.Sprintf("client_%d", i), round, float64(round+1), 10))
			require.NoError(t, err)
		}
	}

	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, Finished, st.State)
	assert.Equal(t, uint64(2), st.CurrentRound)

	_, err = c.SubmitUpdate(ctx, update("client_0", 2, 1, 10))
	assert.ErrorIs(t, err, ErrFinished)
	_, err = c.StartRound(ctx)
	assert.ErrorIs(t, err, ErrFinished)
	assert.NoError(t, c.Err())

	p, err := c.GetParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, vector(2), p.Parameters)
}

type stubEvaluator struct{}

func (stubEvaluator) Evaluate(fl.ParameterVector) (float64, float64, error) {
	return 0.25, 0.9, nil
}

type recorder struct {
	recs []fl.RoundRecord
}

func (r *recorder) Record(rec fl.RoundRecord) error {
	r.recs = append(r.recs, rec)
	return errors.New("disk full")
}

func TestEvaluationAndResults(t *testing.T) {
	rec := &recorder{}
	c, _ := newTestCoordinator(t, testConfig(), WithEvaluator(stubEvaluator{}), WithResults(rec))
	ctx := context.Background()
	registerAll(t, c, 3)

	for i := range 3 {
		_, err := c.SubmitUpdate(ctx, update(fmt.Sprintf("client_%d", i), 0, 1, 10))
		require.NoError(t, err)
	}

	require.Len(t, rec.recs, 1)
	assert.True(t, rec.recs[0].Evaluated)
	assert.InDelta(t, 0.9, rec.recs[0].Accuracy, 1e-12)
	assert.Equal(t, fl.FedAvg, rec.recs[0].Method)

	// A failing results writer does not stop the run.
	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.CurrentRound)
}

func TestScheduledStart(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	cfg.StartSchedule = "*/5 * * * *"
	c, clock := newTestCoordinator(t, cfg)
	ctx := context.Background()
	registerAll(t, c, 1)

	clock.Advance(time.Minute)
	c.tick(ctx)
	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, AwaitingClients, st.State)

	clock.Advance(5 * time.Minute)
	c.tick(ctx)
	st, err = c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoundActive, st.State)
}

func TestPublishesRoundEvents(t *testing.T) {
	ps := new(mocks.MockPubSub)
	topics := mqtt.NewTopics("lab")
	ps.On("Publish", mock.Anything, "lab/rounds", mock.AnythingOfType("mqtt.RoundEvent")).Return(nil)

	cfg := testConfig()
	cfg.ExpectedClients = 1
	cfg.TotalRounds = 1
	c, _ := newTestCoordinator(t, cfg, WithPubSub(ps, topics))
	ctx := context.Background()
	registerAll(t, c, 1)

	_, err := c.SubmitUpdate(ctx, update("client_0", 0, 1, 10))
	require.NoError(t, err)

	var kinds []string
	for _, call := range ps.Calls {
		kinds = append(kinds, call.Arguments.Get(2).(mqtt.RoundEvent).Type)
	}
	assert.Equal(t, []string{mqtt.EventRoundStarted, mqtt.EventRoundCompleted, mqtt.EventRunFinished}, kinds)
	ps.AssertExpectations(t)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	agg, err := fl.NewAggregator(fl.FedAvg, fl.DefaultOptions())
	require.NoError(t, err)
	c, err := New(cfg, vector(0), agg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestRunStopsWhenFinished(t *testing.T) {
	cfg := testConfig()
	cfg.ExpectedClients = 1
	cfg.TotalRounds = 1
	cfg.CheckInterval = 5 * time.Millisecond
	c, _ := newTestCoordinator(t, cfg)
	ctx := context.Background()

	registerAll(t, c, 1)
	res, err := c.SubmitUpdate(ctx, update("client_0", 0, 10, 1))
	require.NoError(t, err)
	require.True(t, res.Aggregated)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher kept running after the run finished")
	}
	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, Finished, st.State)
}

func TestConcurrentSubmissions(t *testing.T) {
	cfg := testConfig()
	cfg.ExpectedClients = 8
	cfg.TotalRounds = 1
	c, _ := newTestCoordinator(t, cfg)
	ctx := context.Background()
	registerAll(t, c, 8)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SubmitUpdate(ctx, update(fmt.Sprintf("client_%d", i), 0, float64(i), 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, Finished, st.State)

	p, err := c.GetParameters(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, p.Parameters.Tensors[0].Values[0], 1e-12)
}
