package mqtt

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds published by the coordinator.
const (
	EventRoundStarted   = "round_started"
	EventRoundRetry     = "round_retry"
	EventRoundCompleted = "round_completed"
	EventRunFinished    = "run_finished"
	EventRunFailed      = "run_failed"
)

// RoundEvent is the payload of every message on Topics.Rounds.
type RoundEvent struct {
	Type         string    `json:"type"`
	Round        uint64    `json:"round"`
	Deadline     time.Time `json:"deadline,omitzero"`
	Attempt      int       `json:"attempt,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	TimedOut     []string  `json:"timed_out,omitempty"`
	Evaluated    bool      `json:"evaluated,omitempty"`
	Accuracy     float64   `json:"accuracy,omitempty"`
	Loss         float64   `json:"loss,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// DecodeRoundEvent converts a message delivered to a Handler back into a
// RoundEvent.
func DecodeRoundEvent(msg map[string]any) (RoundEvent, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return RoundEvent{}, err
	}
	var ev RoundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return RoundEvent{}, err
	}

	return ev, nil
}

// Topics builds the topic names used by one federated run.
type Topics struct {
	Base string
}

func NewTopics(base string) Topics {
	if base == "" {
		base = "fedsync"
	}

	return Topics{Base: base}
}

// Rounds is where every round lifecycle event is published.
func (t Topics) Rounds() string {
	return t.Base + "/rounds"
}

func (t Topics) ClientStatus(clientID string) string {
	return fmt.Sprintf("%s/clients/%s/status", t.Base, clientID)
}
