package partition_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/absmach/fedsync/pkg/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synthetic(rows, classes int) partition.Dataset {
	ds := partition.Dataset{
		Columns:     []string{"DLC0", "DLC1"},
		LabelColumn: partition.DefaultLabelColumn,
	}
	for i := range rows {
		ds.Rows = append(ds.Rows, partition.Row{
			Index:    i,
			Features: []float64{float64(i), float64(i % 7)},
			Label:    i % classes,
		})
	}

	return ds
}

func TestSplitCoverage(t *testing.T) {
	ds := synthetic(537, 4)

	for _, mode := range []partition.Mode{partition.IID, partition.Dirichlet} {
		for n := 1; n <= 100; n++ {
			t.Run(fmt.Sprintf("%s/%d clients", mode, n), func(t *testing.T) {
				t.Parallel()
				parts, err := partition.Split(ds, partition.Config{Clients: n, Mode: mode, Alpha: 0.5, Seed: 42})
				require.NoError(t, err)
				require.Len(t, parts, n)

				seen := map[int]bool{}
				for _, p := range parts {
					for _, r := range p.Rows {
						require.False(t, seen[r.Index], "row %d assigned twice", r.Index)
						seen[r.Index] = true
					}
				}
				assert.Len(t, seen, len(ds.Rows))
			})
		}
	}
}

func TestSplitIIDSizes(t *testing.T) {
	ds := synthetic(103, 3)

	parts, err := partition.Split(ds, partition.Config{Clients: 10, Mode: partition.IID, Seed: 7})
	require.NoError(t, err)

	for i, p := range parts {
		want := 10
		if i < 3 {
			want = 11
		}
		assert.Len(t, p.Rows, want, p.ClientID)
		assert.Equal(t, partition.ClientID(i), p.ClientID)
	}
}

func TestSplitDeterministic(t *testing.T) {
	ds := synthetic(400, 5)

	cases := []partition.Config{
		{Clients: 7, Mode: partition.IID, Seed: 1},
		{Clients: 7, Mode: partition.Dirichlet, Alpha: 0.3, Seed: 1},
		{Clients: 3, Mode: partition.Dirichlet, Alpha: math.Inf(1), Seed: 99},
	}

	for _, cfg := range cases {
		t.Run(fmt.Sprintf("%s alpha %v", cfg.Mode, cfg.Alpha), func(t *testing.T) {
			a, err := partition.Split(ds, cfg)
			require.NoError(t, err)
			b, err := partition.Split(ds, cfg)
			require.NoError(t, err)
			assert.Equal(t, a, b)

			other := cfg
			other.Seed++
			c, err := partition.Split(ds, other)
			require.NoError(t, err)
			assert.NotEqual(t, a, c)
		})
	}
}

func TestDirichletSkewGrowsAsAlphaShrinks(t *testing.T) {
	const classes = 10
	ds := synthetic(5000, classes)

	entropy := func(alpha float64) float64 {
		parts, err := partition.Split(ds, partition.Config{Clients: 10, Mode: partition.Dirichlet, Alpha: alpha, Seed: 42})
		require.NoError(t, err)
		return partition.LabelSkew(parts, classes)
	}

	high, mid, low := entropy(1000), entropy(1), entropy(0.01)
	assert.Greater(t, high, mid)
	assert.Greater(t, mid, low)
	assert.InDelta(t, math.Log(classes), high, 0.05)
}

func TestDirichletTinyAlphaConcentrates(t *testing.T) {
	const classes = 3
	ds := synthetic(300, classes)

	parts, err := partition.Split(ds, partition.Config{Clients: 5, Mode: partition.Dirichlet, Alpha: 1e-6, Seed: 3})
	require.NoError(t, err)

	// every class lands almost entirely on a single client
	for c := range classes {
		largest := 0
		for _, p := range parts {
			largest = max(largest, partition.Histogram(p, classes)[c])
		}
		assert.GreaterOrEqual(t, largest, 99, "class %d", c)
	}
}

func TestSplitErrors(t *testing.T) {
	ds := synthetic(10, 2)

	cases := []struct {
		desc string
		ds   partition.Dataset
		cfg  partition.Config
		err  error
	}{
		{desc: "zero clients", ds: ds, cfg: partition.Config{Clients: 0, Mode: partition.IID}, err: partition.ErrInvalidClients},
		{desc: "zero alpha", ds: ds, cfg: partition.Config{Clients: 2, Mode: partition.Dirichlet}, err: partition.ErrInvalidAlpha},
		{desc: "negative alpha", ds: ds, cfg: partition.Config{Clients: 2, Mode: partition.Dirichlet, Alpha: -1}, err: partition.ErrInvalidAlpha},
		{desc: "NaN alpha", ds: ds, cfg: partition.Config{Clients: 2, Mode: partition.Dirichlet, Alpha: math.NaN()}, err: partition.ErrInvalidAlpha},
		{desc: "unknown mode", ds: ds, cfg: partition.Config{Clients: 2, Mode: "pathological"}, err: partition.ErrUnknownMode},
		{desc: "empty dataset", ds: partition.Dataset{}, cfg: partition.Config{Clients: 2}, err: partition.ErrEmptyDataset},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := partition.Split(tc.ds, tc.cfg)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestMoreClientsThanRows(t *testing.T) {
	ds := synthetic(3, 1)

	parts, err := partition.Split(ds, partition.Config{Clients: 5, Mode: partition.IID, Seed: 1})
	require.NoError(t, err)

	sizes := make([]int, len(parts))
	for i, p := range parts {
		sizes[i] = len(p.Rows)
	}
	assert.Equal(t, []int{1, 1, 1, 0, 0}, sizes)
}

func TestAllocate(t *testing.T) {
	cases := []struct {
		desc string
		n    int
		p    []float64
		want []int
	}{
		{desc: "exact", n: 10, p: []float64{0.5, 0.3, 0.2}, want: []int{5, 3, 2}},
		{desc: "largest remainder", n: 10, p: []float64{0.26, 0.26, 0.48}, want: []int{3, 2, 5}},
		{desc: "ties go to lower index", n: 2, p: []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, want: []int{1, 1, 0}},
		{desc: "empty class", n: 0, p: []float64{0.9, 0.1}, want: []int{0, 0}},
		{desc: "all to one", n: 7, p: []float64{0, 1, 0}, want: []int{0, 7, 0}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, partition.Allocate(tc.n, tc.p))
		})
	}
}

func TestVerify(t *testing.T) {
	ds := synthetic(4, 2)
	row := func(i int) partition.Row { return ds.Rows[i] }

	cases := []struct {
		desc  string
		parts []partition.Partition
		ok    bool
	}{
		{
			desc: "valid",
			parts: []partition.Partition{
				{ClientID: "a", Rows: []partition.Row{row(0), row(2)}},
				{ClientID: "b", Rows: []partition.Row{row(1), row(3)}},
			},
			ok: true,
		},
		{
			desc: "overlap",
			parts: []partition.Partition{
				{ClientID: "a", Rows: []partition.Row{row(0), row(1)}},
				{ClientID: "b", Rows: []partition.Row{row(1), row(2), row(3)}},
			},
		},
		{
			desc: "missing row",
			parts: []partition.Partition{
				{ClientID: "a", Rows: []partition.Row{row(0), row(1)}},
				{ClientID: "b", Rows: []partition.Row{row(2)}},
			},
		},
		{
			desc: "unknown row",
			parts: []partition.Partition{
				{ClientID: "a", Rows: []partition.Row{row(0), row(1), row(2), row(3), {Index: 99}}},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := partition.Verify(ds, tc.parts)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var ie *partition.IntegrityError
			assert.ErrorAs(t, err, &ie)
			assert.ErrorIs(t, err, partition.ErrIntegrity)
		})
	}
}

func TestTrainTestSplit(t *testing.T) {
	ds := synthetic(1000, 4)

	train, test, err := partition.TrainTestSplit(ds, 0.2, 42)
	require.NoError(t, err)
	assert.Len(t, test.Rows, 200)
	assert.Len(t, train.Rows, 800)

	hist := partition.Histogram(partition.Partition{Rows: test.Rows}, 4)
	assert.Equal(t, []int{50, 50, 50, 50}, hist)

	both := append(append([]partition.Row{}, train.Rows...), test.Rows...)
	assert.NoError(t, partition.Verify(ds, []partition.Partition{{ClientID: "all", Rows: both}}))

	_, _, err = partition.TrainTestSplit(ds, 1, 42)
	assert.ErrorIs(t, err, partition.ErrInvalidSplit)
}
