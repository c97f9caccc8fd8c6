package storage

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/fl"
)

type memoryRoundRepo struct {
	storage Storage
}

func newMemoryRoundRepository(s Storage) RoundRepository {
	return &memoryRoundRepo{storage: s}
}

func (r *memoryRoundRepo) Save(ctx context.Context, rec fl.RoundRecord) error {
	return upsert(ctx, r.storage, RoundKey(rec.Round), rec)
}

func (r *memoryRoundRepo) Get(ctx context.Context, round uint64) (fl.RoundRecord, error) {
	val, err := r.storage.Get(ctx, RoundKey(round))
	if err != nil {
		return fl.RoundRecord{}, err
	}
	rec, ok := val.(fl.RoundRecord)
	if !ok {
		return fl.RoundRecord{}, errors.ErrInvalidData
	}

	return rec, nil
}

func (r *memoryRoundRepo) List(ctx context.Context, offset, limit uint64) ([]fl.RoundRecord, uint64, error) {
	vals, total, err := r.storage.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	recs := make([]fl.RoundRecord, 0, len(vals))
	for _, v := range vals {
		rec, ok := v.(fl.RoundRecord)
		if !ok {
			return nil, 0, errors.ErrInvalidData
		}
		recs = append(recs, rec)
	}

	return recs, total, nil
}

type memoryModelRepo struct {
	storage Storage
}

func newMemoryModelRepository(s Storage) ModelRepository {
	return &memoryModelRepo{storage: s}
}

func (r *memoryModelRepo) Save(ctx context.Context, snap fl.ModelSnapshot) error {
	snap.Parameters = snap.Parameters.Clone()

	return upsert(ctx, r.storage, RoundKey(snap.Round), snap)
}

func (r *memoryModelRepo) Get(ctx context.Context, round uint64) (fl.ModelSnapshot, error) {
	val, err := r.storage.Get(ctx, RoundKey(round))
	if err != nil {
		return fl.ModelSnapshot{}, err
	}

	return toSnapshot(val)
}

func (r *memoryModelRepo) Latest(ctx context.Context) (fl.ModelSnapshot, error) {
	_, total, err := r.storage.List(ctx, 0, 0)
	if err != nil {
		return fl.ModelSnapshot{}, err
	}
	if total == 0 {
		return fl.ModelSnapshot{}, errors.ErrNotFound
	}
	vals, _, err := r.storage.List(ctx, total-1, 1)
	if err != nil {
		return fl.ModelSnapshot{}, err
	}

	return toSnapshot(vals[0])
}

func toSnapshot(val any) (fl.ModelSnapshot, error) {
	snap, ok := val.(fl.ModelSnapshot)
	if !ok {
		return fl.ModelSnapshot{}, errors.ErrInvalidData
	}
	snap.Parameters = snap.Parameters.Clone()

	return snap, nil
}

func upsert(ctx context.Context, s Storage, key string, value any) error {
	err := s.Create(ctx, key, value)
	if stderrors.Is(err, errors.ErrEntityExists) {
		err = s.Update(ctx, key, value)
	}
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}

	return nil
}
