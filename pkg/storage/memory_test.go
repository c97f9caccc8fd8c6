package storage_test

import (
	"context"
	"testing"

	"github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStorage(t *testing.T) {
	ctx := context.Background()
	s := storage.NewInMemoryStorage()

	cases := []struct {
		desc string
		op   func() error
		err  error
	}{
		{desc: "create", op: func() error { return s.Create(ctx, "b", 2) }},
		{desc: "create another", op: func() error { return s.Create(ctx, "a", 1) }},
		{desc: "create existing", op: func() error { return s.Create(ctx, "a", 3) }, err: errors.ErrEntityExists},
		{desc: "create empty key", op: func() error { return s.Create(ctx, "", 3) }, err: errors.ErrEmptyKey},
		{desc: "update", op: func() error { return s.Update(ctx, "a", 10) }},
		{desc: "update missing", op: func() error { return s.Update(ctx, "z", 10) }, err: errors.ErrNotFound},
		{desc: "delete empty key", op: func() error { return s.Delete(ctx, "") }, err: errors.ErrEmptyKey},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.op()
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}

	vals, total, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)
	assert.Equal(t, []any{10, 2}, vals)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
