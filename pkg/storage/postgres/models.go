package postgres

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

type dbModel struct {
	Round      int64     `db:"round"`
	Parameters string    `db:"parameters"`
	CreatedAt  time.Time `db:"created_at"`
}

type ModelRepository struct {
	db *Database
}

func NewModelRepository(db *Database) *ModelRepository {
	return &ModelRepository{db: db}
}

func (r *ModelRepository) Save(ctx context.Context, snap fl.ModelSnapshot) error {
	params, err := json.Marshal(snap.Parameters)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	query := `INSERT INTO models (round, parameters, created_at) VALUES (:round, :parameters, :created_at)
		ON CONFLICT(round) DO UPDATE SET parameters = excluded.parameters, created_at = excluded.created_at`
	row := dbModel{Round: int64(snap.Round), Parameters: string(params), CreatedAt: snap.CreatedAt.UTC()}
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	return nil
}

func (r *ModelRepository) Get(ctx context.Context, round uint64) (fl.ModelSnapshot, error) {
	return r.one(ctx, `SELECT * FROM models WHERE round = $1`, int64(round))
}

func (r *ModelRepository) Latest(ctx context.Context) (fl.ModelSnapshot, error) {
	return r.one(ctx, `SELECT * FROM models ORDER BY round DESC LIMIT 1`)
}

func (r *ModelRepository) one(ctx context.Context, query string, args ...any) (fl.ModelSnapshot, error) {
	var row dbModel
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fl.ModelSnapshot{}, pkgerrors.ErrNotFound
		}

		return fl.ModelSnapshot{}, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	snap := fl.ModelSnapshot{Round: uint64(row.Round), CreatedAt: row.CreatedAt}
	if err := json.Unmarshal([]byte(row.Parameters), &snap.Parameters); err != nil {
		return fl.ModelSnapshot{}, fmt.Errorf("%w: %w", pkgerrors.ErrMalformedEntity, err)
	}

	return snap, nil
}
