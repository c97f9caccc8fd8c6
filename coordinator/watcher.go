package coordinator

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/mqtt"
)

// Run drives round deadlines and the optional start schedule until ctx is
// canceled or the run is over.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	c.logger.Info("round watcher started", slog.Duration("check_interval", c.cfg.CheckInterval), slog.Duration("round_timeout", c.cfg.RoundTimeout))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("round watcher stopped")

			return nil
		case <-ticker.C:
			c.tick(ctx)
			if st := c.status.Load(); st.State.Terminal() {
				c.logger.Info("round watcher stopped", slog.String("state", string(st.State)))

				return nil
			}
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	now := c.now()

	if c.state == AwaitingClients && !c.nextStart.IsZero() && !now.Before(c.nextStart) {
		c.logger.Info("scheduled start reached", slog.String("schedule", c.schedule.String()))
		ev := c.startRoundLocked(now)
		c.nextStart = time.Time{}
		c.publishLocked()
		c.mu.Unlock()
		c.emit(ctx, []event{ev})

		return
	}

	if c.state != RoundActive || now.Before(c.deadline) {
		c.mu.Unlock()
		return
	}

	var missing []string
	for _, id := range c.registry.IDs() {
		if _, ok := c.updates[id]; !ok {
			missing = append(missing, id)
		}
	}
	if n := len(c.updates); n > 0 && n >= c.cfg.MinQuorum {
		c.markTimedOutLocked(missing)
		c.logger.Warn("round deadline reached, aggregating partial updates",
			slog.Any("error", fl.ErrQuorumTimeout),
			slog.Uint64("round", c.round),
			slog.Int("updates", n),
			slog.Int("expected", c.cfg.ExpectedClients),
			slog.Any("timed_out", missing))
		job := c.beginAggregationLocked(missing)
		c.publishLocked()
		c.mu.Unlock()
		c.aggregate(ctx, job)

		return
	}

	c.cycles++
	if c.cycles > c.cfg.MaxTimeoutRetries {
		c.markTimedOutLocked(missing)
		round, cycles := c.round, c.cycles
		c.mu.Unlock()
		c.fail(ctx, round, &fl.RoundStallError{Round: round, Cycles: cycles, Missing: slices.Clone(missing)})

		return
	}

	c.deadline = now.Add(c.cfg.RoundTimeout)
	c.logger.Warn("round timed out without quorum, retrying",
		slog.Uint64("round", c.round),
		slog.Int("updates", len(c.updates)),
		slog.Int("min_quorum", c.cfg.MinQuorum),
		slog.Int("cycle", c.cycles),
		slog.Int("max_retries", c.cfg.MaxTimeoutRetries))
	ev := event{Type: mqtt.EventRoundRetry, Round: c.round, Deadline: c.deadline, Attempt: c.cycles}
	c.publishLocked()
	c.mu.Unlock()

	c.emit(ctx, []event{ev})
}

// markTimedOutLocked is called once per round, when the round is closed
// without the missing clients. Retry cycles leave them training.
func (c *Coordinator) markTimedOutLocked(missing []string) {
	for _, id := range missing {
		c.registry.MarkTimedOut(id)
	}
}
