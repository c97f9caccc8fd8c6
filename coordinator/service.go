package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fedsync/pkg/cron"
	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/mqtt"
	"github.com/absmach/fedsync/pkg/storage"
)

var _ Service = (*Coordinator)(nil)

// Coordinator runs the round protocol. A single mutex guards the round
// state; aggregation, evaluation and persistence run outside of it.
// Status and parameters are published as immutable snapshots so that
// reads never wait on the mutex.
type Coordinator struct {
	cfg        Config
	aggregator fl.Aggregator
	registry   *Registry
	schedule   *cron.Schedule
	evaluator  Evaluator
	results    ResultsRecorder
	rounds     storage.RoundRepository
	models     storage.ModelRepository
	pubsub     mqtt.PubSub
	topics     mqtt.Topics
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	state        State
	round        uint64
	params       fl.ParameterVector
	updates      map[string]fl.RoundUpdate
	roundStarted time.Time
	deadline     time.Time
	cycles       int
	nextStart    time.Time
	fatal        error

	status   atomic.Pointer[Status]
	snapshot atomic.Pointer[Parameters]
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithEvaluator(e Evaluator) Option {
	return func(c *Coordinator) { c.evaluator = e }
}

func WithResults(r ResultsRecorder) Option {
	return func(c *Coordinator) { c.results = r }
}

func WithRepositories(rounds storage.RoundRepository, models storage.ModelRepository) Option {
	return func(c *Coordinator) {
		c.rounds = rounds
		c.models = models
	}
}

// WithPubSub publishes round lifecycle events under topics.
func WithPubSub(ps mqtt.PubSub, topics mqtt.Topics) Option {
	return func(c *Coordinator) {
		c.pubsub = ps
		c.topics = topics
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(cfg Config, initial fl.ParameterVector, aggregator fl.Aggregator, opts ...Option) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("%w: initial parameters: %w", ErrInvalidConfig, err)
	}
	if aggregator == nil {
		return nil, fmt.Errorf("%w: missing aggregator", ErrInvalidConfig)
	}

	c := &Coordinator{
		cfg:        cfg,
		aggregator: aggregator,
		registry:   NewRegistry(),
		logger:     slog.Default(),
		now:        time.Now,
		state:      AwaitingClients,
		params:     initial.Clone(),
		updates:    make(map[string]fl.RoundUpdate),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.StartSchedule != "" {
		schedule, err := cron.Parse(cfg.StartSchedule, cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: start schedule: %w", ErrInvalidConfig, err)
		}
		c.schedule = schedule
		c.nextStart = schedule.Next(c.now())
	}

	c.publishLocked()

	return c, nil
}

func (c *Coordinator) Register(ctx context.Context, clientID string, metadata map[string]string) (Client, error) {
	if clientID == "" {
		return Client{}, ErrMissingClientID
	}

	c.mu.Lock()
	now := c.now()
	client, created := c.registry.Register(clientID, metadata, now)
	var events []event
	if c.state == RoundActive && client.Status == ClientRegistered {
		c.registry.MarkTraining([]string{clientID})
		client.Status = ClientTraining
	}
	if c.state == AwaitingClients && c.cfg.AutoStart && c.registry.ActiveCount() >= c.cfg.StartQuorum {
		c.logger.Info("start quorum reached", slog.Int("registered", c.registry.Count()), slog.Int("quorum", c.cfg.StartQuorum))
		events = append(events, c.startRoundLocked(now))
	}
	c.publishLocked()
	c.mu.Unlock()

	if created {
		c.logger.Info("client registered", slog.String("client_id", clientID))
	}
	c.emit(ctx, events)

	return client, nil
}

func (c *Coordinator) GetParameters(_ context.Context) (Parameters, error) {
	p := *c.snapshot.Load()
	p.Parameters = p.Parameters.Clone()

	return p, nil
}

func (c *Coordinator) GetStatus(_ context.Context) (Status, error) {
	return *c.status.Load(), nil
}

func (c *Coordinator) StartRound(ctx context.Context) (Status, error) {
	c.mu.Lock()
	var err error
	var events []event
	switch c.state {
	case AwaitingClients:
		events = append(events, c.startRoundLocked(c.now()))
		c.publishLocked()
	case RoundActive, Aggregating:
		err = ErrRoundInProgress
	case Finished:
		err = ErrFinished
	case Failed:
		err = ErrAborted
	}
	c.mu.Unlock()

	c.emit(ctx, events)

	return *c.status.Load(), err
}

func (c *Coordinator) SubmitUpdate(ctx context.Context, u fl.RoundUpdate) (SubmitResult, error) {
	if u.ClientID == "" {
		return SubmitResult{}, ErrMissingClientID
	}
	if u.SampleCount < 0 || u.LocalSteps < 0 {
		return SubmitResult{}, fmt.Errorf("%w: negative sample or step count", ErrInvalidUpdate)
	}
	if err := u.Parameters.Validate(); err != nil {
		return SubmitResult{}, errors.Join(ErrInvalidUpdate, err)
	}

	c.mu.Lock()
	switch c.state {
	case Finished:
		c.mu.Unlock()
		return SubmitResult{}, ErrFinished
	case Failed:
		c.mu.Unlock()
		return SubmitResult{}, ErrAborted
	}
	if _, ok := c.registry.Get(u.ClientID); !ok {
		c.mu.Unlock()
		return SubmitResult{}, ErrNotRegistered
	}

	now := c.now()
	c.registry.Touch(u.ClientID, now)
	if u.Round != c.round {
		current := c.round
		c.mu.Unlock()
		c.logger.Warn("discarded stale update", slog.String("client_id", u.ClientID), slog.Uint64("round", u.Round), slog.Uint64("current_round", current))

		return SubmitResult{}, &fl.StaleUpdateError{ClientID: u.ClientID, Round: u.Round, Current: current}
	}
	if c.state != RoundActive {
		c.mu.Unlock()
		return SubmitResult{}, ErrRoundNotActive
	}
	if err := c.params.SameShape(u.Parameters); err != nil {
		c.mu.Unlock()
		var sm *fl.ShapeMismatchError
		if errors.As(err, &sm) {
			sm.ClientID = u.ClientID
		}

		return SubmitResult{}, err
	}

	u.ReceivedAt = now
	u.Parameters = u.Parameters.Clone()
	u.Metrics = maps.Clone(u.Metrics)
	if _, ok := c.updates[u.ClientID]; ok {
		c.logger.Info("replacing earlier update", slog.String("client_id", u.ClientID), slog.Uint64("round", u.Round))
	}
	c.updates[u.ClientID] = u
	c.registry.MarkSubmitted(u.ClientID, u.Round, now)

	res := SubmitResult{Round: c.round, UpdatesReceived: len(c.updates)}
	var job *aggregation
	if len(c.updates) >= c.cfg.ExpectedClients {
		job = c.beginAggregationLocked(nil)
	}
	c.publishLocked()
	c.mu.Unlock()

	if job != nil {
		// The round must commit even if the submitting request goes away.
		c.aggregate(context.WithoutCancel(ctx), job)
		res.Aggregated = true
	}

	return res, nil
}

func (c *Coordinator) ListClients(_ context.Context) ([]Client, error) {
	return c.registry.List(), nil
}

func (c *Coordinator) History(ctx context.Context, offset, limit uint64) (RoundPage, error) {
	if c.rounds == nil {
		return RoundPage{Offset: offset, Limit: limit, Rounds: []fl.RoundRecord{}}, nil
	}

	recs, total, err := c.rounds.List(ctx, offset, limit)
	if err != nil {
		return RoundPage{}, err
	}
	if recs == nil {
		recs = []fl.RoundRecord{}
	}

	return RoundPage{Offset: offset, Limit: limit, Total: total, Rounds: recs}, nil
}

func (c *Coordinator) Round(ctx context.Context, round uint64) (fl.RoundRecord, error) {
	if c.rounds == nil {
		return fl.RoundRecord{}, fmt.Errorf("round %d: %w", round, storage.ErrUnsupportedType)
	}

	return c.rounds.Get(ctx, round)
}

// Err returns the error that aborted the run, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fatal
}

func (c *Coordinator) startRoundLocked(now time.Time) event {
	clear(c.updates)
	c.state = RoundActive
	c.roundStarted = now
	c.deadline = now.Add(c.cfg.RoundTimeout)
	c.cycles = 0
	c.registry.MarkTraining(c.registry.IDs())

	c.logger.Info("round started", slog.Uint64("round", c.round), slog.Time("deadline", c.deadline))

	return event{Type: mqtt.EventRoundStarted, Round: c.round, Deadline: c.deadline}
}

// publishLocked refreshes the lock-free status and parameter snapshots.
func (c *Coordinator) publishLocked() {
	st := Status{
		CurrentRound:      c.round,
		TotalRounds:       c.cfg.TotalRounds,
		State:             c.state,
		Method:            c.aggregator.Method(),
		RegisteredClients: c.registry.Count(),
		ExpectedClients:   c.cfg.ExpectedClients,
		UpdatesReceived:   len(c.updates),
		MinQuorum:         c.cfg.MinQuorum,
		TimeoutCycles:     c.cycles,
	}
	if c.state == RoundActive || c.state == Aggregating {
		st.RoundStartedAt = c.roundStarted
		st.RoundDeadline = c.deadline
	}
	if c.fatal != nil {
		st.Error = c.fatal.Error()
	}
	c.status.Store(&st)

	if p := c.snapshot.Load(); p == nil || p.Round != c.round || p.State != c.state {
		c.snapshot.Store(&Parameters{Round: c.round, State: c.state, Parameters: c.params})
	}
}

func sortedIDs(m map[string]fl.RoundUpdate) []string {
	ids := slices.Collect(maps.Keys(m))
	slices.Sort(ids)

	return ids
}
