package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/fl"
)

type dbRound struct {
	Round           int64     `db:"round"`
	Method          string    `db:"method"`
	Participants    string    `db:"participants"`
	TimedOut        string    `db:"timed_out"`
	UpdatesReceived int       `db:"updates_received"`
	TotalSamples    int       `db:"total_samples"`
	Evaluated       bool      `db:"evaluated"`
	Accuracy        float64   `db:"accuracy"`
	Loss            float64   `db:"loss"`
	AggregationNS   int64     `db:"aggregation_ns"`
	StartedAt       time.Time `db:"started_at"`
	CompletedAt     time.Time `db:"completed_at"`
}

func toDBRound(rec fl.RoundRecord) (dbRound, error) {
	participants, err := json.Marshal(nonNil(rec.Participants))
	if err != nil {
		return dbRound{}, err
	}
	timedOut, err := json.Marshal(nonNil(rec.TimedOut))
	if err != nil {
		return dbRound{}, err
	}

	return dbRound{
		Round:           int64(rec.Round),
		Method:          string(rec.Method),
		Participants:    string(participants),
		TimedOut:        string(timedOut),
		UpdatesReceived: rec.UpdatesReceived,
		TotalSamples:    rec.TotalSamples,
		Evaluated:       rec.Evaluated,
		Accuracy:        rec.Accuracy,
		Loss:            rec.Loss,
		AggregationNS:   int64(rec.AggregationTime),
		StartedAt:       rec.StartedAt.UTC(),
		CompletedAt:     rec.CompletedAt.UTC(),
	}, nil
}

func fromDBRound(r dbRound) (fl.RoundRecord, error) {
	rec := fl.RoundRecord{
		Round:           uint64(r.Round),
		Method:          fl.Method(r.Method),
		UpdatesReceived: r.UpdatesReceived,
		TotalSamples:    r.TotalSamples,
		Evaluated:       r.Evaluated,
		Accuracy:        r.Accuracy,
		Loss:            r.Loss,
		AggregationTime: time.Duration(r.AggregationNS),
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
	if err := json.Unmarshal([]byte(r.Participants), &rec.Participants); err != nil {
		return fl.RoundRecord{}, fmt.Errorf("%w: %w", pkgerrors.ErrMalformedEntity, err)
	}
	if err := json.Unmarshal([]byte(r.TimedOut), &rec.TimedOut); err != nil {
		return fl.RoundRecord{}, fmt.Errorf("%w: %w", pkgerrors.ErrMalformedEntity, err)
	}
	if len(rec.TimedOut) == 0 {
		rec.TimedOut = nil
	}

	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

type RoundRepository struct {
	db *Database
}

func NewRoundRepository(db *Database) *RoundRepository {
	return &RoundRepository{db: db}
}

func (r *RoundRepository) Save(ctx context.Context, rec fl.RoundRecord) error {
	row, err := toDBRound(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	query := `INSERT INTO rounds (round, method, participants, timed_out, updates_received, total_samples,
			evaluated, accuracy, loss, aggregation_ns, started_at, completed_at)
		VALUES (:round, :method, :participants, :timed_out, :updates_received, :total_samples,
			:evaluated, :accuracy, :loss, :aggregation_ns, :started_at, :completed_at)
		ON CONFLICT(round) DO UPDATE SET
			method = excluded.method,
			participants = excluded.participants,
			timed_out = excluded.timed_out,
			updates_received = excluded.updates_received,
			total_samples = excluded.total_samples,
			evaluated = excluded.evaluated,
			accuracy = excluded.accuracy,
			loss = excluded.loss,
			aggregation_ns = excluded.aggregation_ns,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	return nil
}

func (r *RoundRepository) Get(ctx context.Context, round uint64) (fl.RoundRecord, error) {
	var row dbRound
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM rounds WHERE round = ?`, int64(round)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fl.RoundRecord{}, pkgerrors.ErrNotFound
		}

		return fl.RoundRecord{}, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	rec, err := fromDBRound(row)
	if err != nil {
		return fl.RoundRecord{}, fmt.Errorf("%w: %w", ErrDBScan, err)
	}

	return rec, nil
}

func (r *RoundRepository) List(ctx context.Context, offset, limit uint64) ([]fl.RoundRecord, uint64, error) {
	var total uint64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM rounds`); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	var rows []dbRound
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM rounds ORDER BY round LIMIT ? OFFSET ?`, int64(limit), int64(offset)); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	recs := make([]fl.RoundRecord, len(rows))
	for i, row := range rows {
		rec, err := fromDBRound(row)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrDBScan, err)
		}
		recs[i] = rec
	}

	return recs, total, nil
}
