package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fedsync/pkg/fl"
)

type State string

const (
	AwaitingClients State = "awaiting_clients"
	RoundActive     State = "round_active"
	Aggregating     State = "aggregating"
	Finished        State = "finished"
	// Failed is terminal. The last aggregated parameters stay available.
	Failed State = "failed"
)

func (s State) Terminal() bool {
	return s == Finished || s == Failed
}

type Config struct {
	ExpectedClients int
	// StartQuorum is the number of registered clients that starts the
	// first round. Zero means ExpectedClients.
	StartQuorum int
	// MinQuorum is the number of updates a round needs at its deadline to
	// aggregate instead of retrying.
	MinQuorum         int
	TotalRounds       uint64
	RoundTimeout      time.Duration
	CheckInterval     time.Duration
	MaxTimeoutRetries int
	AutoStart         bool
	// StartSchedule is an optional cron expression that starts the first
	// round even if the start quorum was not reached.
	StartSchedule string
	Timezone      string
}

func (c Config) withDefaults() Config {
	if c.StartQuorum <= 0 {
		c.StartQuorum = c.ExpectedClients
	}
	if c.MinQuorum <= 0 {
		c.MinQuorum = 1
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}

	return c
}

func (c Config) Validate() error {
	switch {
	case c.ExpectedClients < 1:
		return fmt.Errorf("%w: expected clients must be at least 1", ErrInvalidConfig)
	case c.TotalRounds < 1:
		return fmt.Errorf("%w: total rounds must be at least 1", ErrInvalidConfig)
	case c.MinQuorum > c.ExpectedClients:
		return fmt.Errorf("%w: min quorum %d exceeds expected clients %d", ErrInvalidConfig, c.MinQuorum, c.ExpectedClients)
	case c.RoundTimeout <= 0:
		return fmt.Errorf("%w: round timeout must be positive", ErrInvalidConfig)
	case c.MaxTimeoutRetries < 0:
		return fmt.Errorf("%w: max timeout retries must not be negative", ErrInvalidConfig)
	}

	return nil
}

type Status struct {
	CurrentRound      uint64    `json:"current_round"`
	TotalRounds       uint64    `json:"total_rounds"`
	State             State     `json:"state"`
	Method            fl.Method `json:"method"`
	RegisteredClients int       `json:"registered_clients"`
	ExpectedClients   int       `json:"expected_clients"`
	UpdatesReceived   int       `json:"updates_received"`
	MinQuorum         int       `json:"min_quorum"`
	TimeoutCycles     int       `json:"timeout_cycles"`
	RoundStartedAt    time.Time `json:"round_started_at,omitzero"`
	RoundDeadline     time.Time `json:"round_deadline,omitzero"`
	Error             string    `json:"error,omitempty"`
}

// Parameters are the global parameters tagged with the round they belong
// to. Clients must echo Round when submitting.
type Parameters struct {
	Round      uint64             `json:"round"`
	State      State              `json:"state"`
	Parameters fl.ParameterVector `json:"parameters"`
}

type SubmitResult struct {
	Round           uint64 `json:"round"`
	UpdatesReceived int    `json:"updates_received"`
	// Aggregated is set when this submission completed the round.
	Aggregated bool `json:"aggregated"`
}

type RoundPage struct {
	Offset uint64           `json:"offset"`
	Limit  uint64           `json:"limit"`
	Total  uint64           `json:"total"`
	Rounds []fl.RoundRecord `json:"rounds"`
}

// Evaluator scores global parameters, typically on a held-out test set.
type Evaluator interface {
	Evaluate(params fl.ParameterVector) (loss, accuracy float64, err error)
}

// ResultsRecorder receives every completed round record.
type ResultsRecorder interface {
	Record(rec fl.RoundRecord) error
}

type Service interface {
	// Register adds a client or refreshes an existing one.
	Register(ctx context.Context, clientID string, metadata map[string]string) (Client, error)
	GetParameters(ctx context.Context) (Parameters, error)
	SubmitUpdate(ctx context.Context, update fl.RoundUpdate) (SubmitResult, error)
	GetStatus(ctx context.Context) (Status, error)
	// StartRound starts the first round without waiting for the quorum.
	StartRound(ctx context.Context) (Status, error)
	ListClients(ctx context.Context) ([]Client, error)
	History(ctx context.Context, offset, limit uint64) (RoundPage, error)
	Round(ctx context.Context, round uint64) (fl.RoundRecord, error)
}
