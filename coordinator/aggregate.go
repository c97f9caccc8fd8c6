package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/mqtt"
)

type aggregation struct {
	round     uint64
	prev      fl.ParameterVector
	updates   []fl.RoundUpdate
	timedOut  []string
	startedAt time.Time
}

// beginAggregationLocked closes the current round to submissions and
// captures what the aggregator needs.
func (c *Coordinator) beginAggregationLocked(timedOut []string) *aggregation {
	c.state = Aggregating
	job := &aggregation{
		round:     c.round,
		prev:      c.params,
		timedOut:  timedOut,
		startedAt: c.roundStarted,
	}
	for _, id := range sortedIDs(c.updates) {
		job.updates = append(job.updates, c.updates[id])
	}

	return job
}

func (c *Coordinator) aggregate(ctx context.Context, job *aggregation) {
	began := c.now()
	next, err := c.aggregator.Aggregate(job.prev, job.updates)
	elapsed := c.now().Sub(began)
	if err != nil {
		c.fail(ctx, job.round, err)
		return
	}

	rec := fl.RoundRecord{
		Round:           job.round,
		Method:          c.aggregator.Method(),
		TimedOut:        job.timedOut,
		UpdatesReceived: len(job.updates),
		AggregationTime: elapsed,
		StartedAt:       job.startedAt,
	}
	for _, u := range job.updates {
		rec.Participants = append(rec.Participants, u.ClientID)
		rec.TotalSamples += u.SampleCount
	}

	if c.evaluator != nil {
		loss, acc, err := c.evaluator.Evaluate(next)
		if err != nil {
			c.logger.Warn("failed to evaluate global parameters", slog.Uint64("round", job.round), slog.Any("error", err))
		} else {
			rec.Loss, rec.Accuracy, rec.Evaluated = loss, acc, true
		}
	}

	c.mu.Lock()
	now := c.now()
	rec.CompletedAt = now
	c.params = next
	c.round++
	clear(c.updates)
	events := []event{{
		Type:         mqtt.EventRoundCompleted,
		Round:        job.round,
		Participants: rec.Participants,
		TimedOut:     rec.TimedOut,
		Accuracy:     rec.Accuracy,
		Loss:         rec.Loss,
		Evaluated:    rec.Evaluated,
	}}
	if c.round >= c.cfg.TotalRounds {
		c.state = Finished
		events = append(events, event{Type: mqtt.EventRunFinished, Round: c.round})
	} else {
		events = append(events, c.startRoundLocked(now))
	}
	c.publishLocked()
	finished := c.state == Finished
	c.mu.Unlock()

	args := []any{
		slog.Uint64("round", job.round),
		slog.Int("updates", len(job.updates)),
		slog.Int("timed_out", len(job.timedOut)),
		slog.Duration("aggregation_time", elapsed),
	}
	if rec.Evaluated {
		args = append(args, slog.Float64("accuracy", rec.Accuracy), slog.Float64("loss", rec.Loss))
	}
	c.logger.Info("round aggregated", args...)
	if finished {
		c.logger.Info("training run finished", slog.Uint64("rounds", c.cfg.TotalRounds))
	}

	c.persist(ctx, rec, fl.ModelSnapshot{Round: job.round + 1, Parameters: next, CreatedAt: now})
	c.emit(ctx, events)
}

// persist stores the round record and the parameters produced by it. The
// snapshot is keyed by the round those parameters are served for.
// Failures are logged; they never affect the protocol.
func (c *Coordinator) persist(ctx context.Context, rec fl.RoundRecord, snap fl.ModelSnapshot) {
	if c.rounds != nil {
		if err := c.rounds.Save(ctx, rec); err != nil {
			c.logger.Warn("failed to save round record", slog.Uint64("round", rec.Round), slog.Any("error", err))
		}
	}
	if c.models != nil {
		if err := c.models.Save(ctx, snap); err != nil {
			c.logger.Warn("failed to save model snapshot", slog.Uint64("round", snap.Round), slog.Any("error", err))
		}
	}
	if c.results != nil {
		if err := c.results.Record(rec); err != nil {
			c.logger.Warn("failed to write results", slog.Uint64("round", rec.Round), slog.Any("error", err))
		}
	}
}

// fail aborts the run. The last aggregated parameters remain available.
func (c *Coordinator) fail(ctx context.Context, round uint64, err error) {
	c.mu.Lock()
	c.state = Failed
	c.fatal = err
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Error("training run aborted", slog.Uint64("round", round), slog.Any("error", err))
	c.emit(ctx, []event{{Type: mqtt.EventRunFailed, Round: round, Error: err.Error()}})
}
