package badger

import (
	"context"
	"encoding/json"
	"fmt"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/fl"
)

const (
	roundPrefix = "round:"
	modelPrefix = "model:"
)

func key(prefix string, round uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", prefix, round)
}

type RoundRepository struct {
	db *Database
}

func NewRoundRepository(db *Database) *RoundRepository {
	return &RoundRepository{db: db}
}

func (r *RoundRepository) Save(_ context.Context, rec fl.RoundRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return r.db.set(key(roundPrefix, rec.Round), val)
}

func (r *RoundRepository) Get(_ context.Context, round uint64) (fl.RoundRecord, error) {
	val, err := r.db.get(key(roundPrefix, round))
	if err != nil {
		return fl.RoundRecord{}, err
	}
	var rec fl.RoundRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return fl.RoundRecord{}, fmt.Errorf("%w: %w", pkgerrors.ErrMalformedEntity, err)
	}

	return rec, nil
}

func (r *RoundRepository) List(_ context.Context, offset, limit uint64) ([]fl.RoundRecord, uint64, error) {
	prefix := []byte(roundPrefix)
	total, err := r.db.countWithPrefix(prefix)
	if err != nil {
		return nil, 0, err
	}
	values, err := r.db.listWithPrefix(prefix, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	recs := make([]fl.RoundRecord, len(values))
	for i, val := range values {
		if err := json.Unmarshal(val, &recs[i]); err != nil {
			return nil, 0, fmt.Errorf("%w: %w", pkgerrors.ErrMalformedEntity, err)
		}
	}

	return recs, total, nil
}

type ModelRepository struct {
	db *Database
}

func NewModelRepository(db *Database) *ModelRepository {
	return &ModelRepository{db: db}
}

func (r *ModelRepository) Save(_ context.Context, snap fl.ModelSnapshot) error {
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return r.db.set(key(modelPrefix, snap.Round), val)
}

func (r *ModelRepository) Get(_ context.Context, round uint64) (fl.ModelSnapshot, error) {
	val, err := r.db.get(key(modelPrefix, round))
	if err != nil {
		return fl.ModelSnapshot{}, err
	}

	return decodeSnapshot(val)
}

func (r *ModelRepository) Latest(_ context.Context) (fl.ModelSnapshot, error) {
	val, err := r.db.lastWithPrefix([]byte(modelPrefix))
	if err != nil {
		return fl.ModelSnapshot{}, err
	}

	return decodeSnapshot(val)
}

func decodeSnapshot(val []byte) (fl.ModelSnapshot, error) {
	var snap fl.ModelSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return fl.ModelSnapshot{}, fmt.Errorf("%w: %w", pkgerrors.ErrMalformedEntity, err)
	}

	return snap, nil
}
