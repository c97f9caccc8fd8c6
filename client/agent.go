// Package client implements the participant side of a federated run: it
// registers with the coordinator, waits for rounds, trains on its local
// partition and submits the result tagged with the round it trained for.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/model"
	"github.com/absmach/fedsync/pkg/mqtt"
	"github.com/absmach/fedsync/pkg/partition"
	"github.com/absmach/fedsync/pkg/sdk"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultRegisterRetries = 10
)

// Trainer runs local training starting from the global parameters. It
// returns the trained parameters, the number of samples used and the
// number of local optimizer steps.
type Trainer interface {
	Train(ctx context.Context, rows []partition.Row, start fl.ParameterVector) (fl.ParameterVector, int, int, error)
}

type Config struct {
	ClientID        string
	Metadata        map[string]string
	PollInterval    time.Duration
	RegisterRetries uint64
	// UseCBOR submits updates through the CBOR route.
	UseCBOR bool
}

type Agent struct {
	cfg     Config
	sdk     sdk.SDK
	trainer Trainer
	rows    []partition.Row
	pubsub  mqtt.PubSub
	topics  mqtt.Topics
	logger  *slog.Logger
	wake    chan struct{}

	submitted bool
	lastRound uint64
}

type Option func(*Agent)

// WithPubSub makes the agent react to round events instead of waiting for
// the next poll.
func WithPubSub(ps mqtt.PubSub, topics mqtt.Topics) Option {
	return func(a *Agent) {
		a.pubsub = ps
		a.topics = topics
	}
}

func NewAgent(cfg Config, client sdk.SDK, trainer Trainer, rows []partition.Row, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if cfg.ClientID == "" {
		return nil, ErrMissingID
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RegisterRetries == 0 {
		cfg.RegisterRetries = defaultRegisterRetries
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		cfg:     cfg,
		sdk:     client,
		trainer: trainer,
		rows:    rows,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Run participates in rounds until the run finishes, fails or ctx is
// canceled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	if a.pubsub != nil {
		if err := a.pubsub.Subscribe(ctx, a.topics.Rounds(), a.handleEvent); err != nil {
			a.logger.Warn("failed to subscribe to round events, polling only", slog.Any("error", err))
		}
		defer func() {
			if err := a.pubsub.Unsubscribe(context.Background(), a.topics.Rounds()); err != nil {
				a.logger.Debug("failed to unsubscribe from round events", slog.Any("error", err))
			}
		}()
		a.publishStatus(ctx, "online")
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := a.step(ctx)
		if done || err != nil {
			if a.pubsub != nil {
				a.publishStatus(ctx, "offline")
			}

			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-a.wake:
		}
	}
}

// step inspects the coordinator once and trains if a new round is open.
// It reports true when the run is over.
func (a *Agent) step(ctx context.Context) (bool, error) {
	st, err := a.sdk.Status(ctx)
	if err != nil {
		a.logger.Warn("failed to get coordinator status", slog.Any("error", err))
		return false, nil
	}

	switch st.State {
	case sdk.StateFinished:
		a.logger.Info("training run finished", slog.Uint64("rounds", st.TotalRounds))
		return true, nil
	case sdk.StateFailed:
		return true, fmt.Errorf("%w: %s", ErrRunAborted, st.Error)
	case sdk.StateRoundActive:
		if a.submitted && a.lastRound >= st.CurrentRound {
			return false, nil
		}
		if err := a.participate(ctx); err != nil {
			if errors.Is(err, sdk.ErrNotFound) {
				a.logger.Warn("coordinator no longer knows this client, registering again")
				return false, a.register(ctx)
			}
			if errors.Is(err, context.Canceled) {
				return true, nil
			}
			a.logger.Warn("round participation failed", slog.Uint64("round", st.CurrentRound), slog.Any("error", err))
		}
	}

	return false, nil
}

func (a *Agent) participate(ctx context.Context) error {
	params, err := a.sdk.GetParameters(ctx)
	if err != nil {
		return err
	}
	// The round token is taken from the parameters response only; status
	// may already be stale.
	if params.State != sdk.StateRoundActive || (a.submitted && a.lastRound >= params.Round) {
		return nil
	}

	began := time.Now()
	trained, samples, steps, err := a.trainer.Train(ctx, a.rows, params.Parameters)
	if err != nil {
		return fmt.Errorf("local training: %w", err)
	}
	elapsed := time.Since(began)

	update := sdk.Update{
		ClientID:    a.cfg.ClientID,
		Round:       params.Round,
		Parameters:  trained,
		SampleCount: samples,
		LocalSteps:  steps,
		Metrics:     map[string]float64{"train_seconds": elapsed.Seconds()},
	}
	if loss, acc, err := model.Evaluate(trained, a.rows); err == nil {
		update.Metrics["train_loss"] = loss
		update.Metrics["train_accuracy"] = acc
	}

	submit := a.sdk.SubmitUpdate
	if a.cfg.UseCBOR {
		submit = a.sdk.SubmitUpdateCBOR
	}
	res, err := submit(ctx, update)
	switch {
	case errors.Is(err, sdk.ErrConflict), errors.Is(err, sdk.ErrFinished):
		a.logger.Info("coordinator moved on, dropping local result", slog.Uint64("round", params.Round), slog.Any("error", err))
		a.markSubmitted(params.Round)

		return nil
	case err != nil:
		return err
	}

	a.markSubmitted(params.Round)
	a.logger.Info("submitted update",
		slog.Uint64("round", params.Round),
		slog.Int("samples", samples),
		slog.Int("local_steps", steps),
		slog.Duration("train_time", elapsed),
		slog.Int("updates_received", res.UpdatesReceived),
		slog.Bool("aggregated", res.Aggregated))

	return nil
}

func (a *Agent) markSubmitted(round uint64) {
	a.submitted = true
	a.lastRound = round
}

func (a *Agent) register(ctx context.Context) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), a.cfg.RegisterRetries), ctx)

	op := func() error {
		c, err := a.sdk.Register(ctx, a.cfg.ClientID, a.cfg.Metadata)
		if err != nil {
			if errors.Is(err, sdk.ErrBadRequest) {
				return backoff.Permanent(err)
			}

			return err
		}
		a.logger.Info("registered with coordinator", slog.String("client_id", c.ID), slog.String("status", c.Status))

		return nil
	}
	notify := func(err error, next time.Duration) {
		a.logger.Warn("registration failed, retrying", slog.Any("error", err), slog.Duration("retry_in", next))
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("failed to register client %s: %w", a.cfg.ClientID, err)
	}

	return nil
}

func (a *Agent) handleEvent(topic string, msg map[string]any) error {
	ev, err := mqtt.DecodeRoundEvent(msg)
	if err != nil {
		return err
	}
	a.logger.Debug("round event received", slog.String("topic", topic), slog.String("type", ev.Type), slog.Uint64("round", ev.Round))

	select {
	case a.wake <- struct{}{}:
	default:
	}

	return nil
}

func (a *Agent) publishStatus(ctx context.Context, status string) {
	payload := map[string]any{"client_id": a.cfg.ClientID, "status": status}
	if err := a.pubsub.Publish(ctx, a.topics.ClientStatus(a.cfg.ClientID), payload); err != nil {
		a.logger.Warn("failed to publish client status", slog.Any("error", err))
	}
}
