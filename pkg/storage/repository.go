package storage

import (
	"context"
	"fmt"

	"github.com/absmach/fedsync/pkg/fl"
)

// RoundRepository keeps one record per completed round. Saving a round
// that already exists replaces it.
type RoundRepository interface {
	Save(ctx context.Context, rec fl.RoundRecord) error
	Get(ctx context.Context, round uint64) (fl.RoundRecord, error)
	List(ctx context.Context, offset, limit uint64) ([]fl.RoundRecord, uint64, error)
}

// ModelRepository keeps global parameter checkpoints by round.
type ModelRepository interface {
	Save(ctx context.Context, snap fl.ModelSnapshot) error
	Get(ctx context.Context, round uint64) (fl.ModelSnapshot, error)
	Latest(ctx context.Context) (fl.ModelSnapshot, error)
}

// RoundKey formats a round so that lexical and numeric order agree.
func RoundKey(round uint64) string {
	return fmt.Sprintf("%020d", round)
}
