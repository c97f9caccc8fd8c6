package partition

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat/distmv"
)

const (
	DefaultAlpha = 0.5
	DefaultSeed  = 42
)

var (
	ErrInvalidClients = errors.New("number of clients must be at least 1")
	ErrInvalidAlpha   = errors.New("dirichlet alpha must be positive")
	ErrUnknownMode    = errors.New("unknown partition mode")
)

type Mode string

const (
	IID       Mode = "iid"
	Dirichlet Mode = "dirichlet"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case IID, Dirichlet:
		return m, nil
	case "non-iid", "noniid":
		return Dirichlet, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

type Config struct {
	Clients int
	Mode    Mode
	Alpha   float64
	Seed    uint64
}

type Partition struct {
	ClientID string `json:"client_id"`
	Rows     []Row  `json:"rows"`
}

func ClientID(i int) string {
	return fmt.Sprintf("client_%d", i)
}

// TrainTestSplit separates ds into train and test sets, keeping the class
// balance of each label. Both halves keep the original row indexes.
func TrainTestSplit(ds Dataset, testFraction float64, seed uint64) (Dataset, Dataset, error) {
	if testFraction < 0 || testFraction >= 1 || math.IsNaN(testFraction) {
		return Dataset{}, Dataset{}, ErrInvalidSplit
	}
	if len(ds.Rows) == 0 {
		return Dataset{}, Dataset{}, ErrEmptyDataset
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	train, test := ds, ds
	train.Rows, test.Rows = nil, nil
	for _, rows := range byClass(ds) {
		shuffle(rng, rows)
		n := int(math.Round(testFraction * float64(len(rows))))
		test.Rows = append(test.Rows, rows[:n]...)
		train.Rows = append(train.Rows, rows[n:]...)
	}
	sortRows(train.Rows)
	sortRows(test.Rows)

	return train, test, nil
}

// Split assigns every row of ds to exactly one of cfg.Clients partitions.
// The result depends only on the dataset and cfg.
func Split(ds Dataset, cfg Config) ([]Partition, error) {
	if cfg.Clients < 1 {
		return nil, ErrInvalidClients
	}
	if len(ds.Rows) == 0 {
		return nil, ErrEmptyDataset
	}

	var (
		assignment [][]Row
		err        error
	)
	switch cfg.Mode {
	case IID, "":
		assignment = iid(ds, cfg)
	case Dirichlet:
		assignment, err = dirichlet(ds, cfg)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	parts := make([]Partition, cfg.Clients)
	for i := range parts {
		parts[i] = Partition{ClientID: ClientID(i), Rows: assignment[i]}
	}
	if err := Verify(ds, parts); err != nil {
		return nil, err
	}

	return parts, nil
}

func iid(ds Dataset, cfg Config) [][]Row {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	rows := slices.Clone(ds.Rows)
	shuffle(rng, rows)

	out := make([][]Row, cfg.Clients)
	base, extra := len(rows)/cfg.Clients, len(rows)%cfg.Clients
	start := 0
	for i := range out {
		size := base
		if i < extra {
			size++
		}
		out[i] = slices.Clone(rows[start : start+size])
		start += size
	}

	return out
}

func dirichlet(ds Dataset, cfg Config) ([][]Row, error) {
	if math.IsNaN(cfg.Alpha) || cfg.Alpha <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlpha, cfg.Alpha)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)

	var dist *distmv.Dirichlet
	if !math.IsInf(cfg.Alpha, 1) {
		alpha := make([]float64, cfg.Clients)
		for i := range alpha {
			alpha[i] = cfg.Alpha
		}
		dist = distmv.NewDirichlet(alpha, src)
	}

	out := make([][]Row, cfg.Clients)
	for _, rows := range byClass(ds) {
		shuffle(rng, rows)

		var p []float64
		if dist != nil {
			p = dist.Rand(nil)
		}
		p = proportions(p, cfg.Clients, rng)

		start := 0
		for i, n := range Allocate(len(rows), p) {
			out[i] = append(out[i], rows[start:start+n]...)
			start += n
		}
	}
	for i := range out {
		sortRows(out[i])
	}

	return out, nil
}

// proportions normalizes a Dirichlet draw. A nil draw means uniform. Draws
// that underflow (all zeros or NaN, common for very small alpha) put the
// whole class on one client picked by rng.
func proportions(p []float64, n int, rng *rand.Rand) []float64 {
	if p == nil {
		p = make([]float64, n)
		for i := range p {
			p[i] = 1 / float64(n)
		}

		return p
	}

	sum := 0.0
	for _, v := range p {
		sum += v
	}
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		p = make([]float64, n)
		p[rng.IntN(n)] = 1

		return p
	}
	for i := range p {
		p[i] /= sum
	}

	return p
}

// Allocate splits n items according to the proportions p. Each share gets
// floor(p_k*n); the remaining items go one each to the shares with the
// largest fractional parts, lower index first on ties.
func Allocate(n int, p []float64) []int {
	counts := make([]int, len(p))
	frac := make([]float64, len(p))
	assigned := 0
	for k, v := range p {
		exact := v * float64(n)
		counts[k] = int(math.Floor(exact))
		frac[k] = exact - float64(counts[k])
		assigned += counts[k]
	}

	order := make([]int, len(p))
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool {
		return frac[order[a]] > frac[order[b]]
	})

	for i := 0; assigned < n; i++ {
		counts[order[i%len(order)]]++
		assigned++
	}

	return counts
}

// Verify checks that parts are pairwise disjoint and together cover every
// row of ds.
func Verify(ds Dataset, parts []Partition) error {
	owner := make(map[int]int, len(ds.Rows))
	for _, r := range ds.Rows {
		if _, ok := owner[r.Index]; ok {
			return &IntegrityError{Row: r.Index, Reason: "duplicate row index in dataset"}
		}
		owner[r.Index] = -1
	}

	for i, p := range parts {
		for _, r := range p.Rows {
			prev, ok := owner[r.Index]
			switch {
			case !ok:
				return &IntegrityError{Row: r.Index, Reason: fmt.Sprintf("row assigned to %s is not in the dataset", p.ClientID)}
			case prev >= 0:
				return &IntegrityError{Row: r.Index, Reason: fmt.Sprintf("row assigned to both %s and %s", parts[prev].ClientID, p.ClientID)}
			}
			owner[r.Index] = i
		}
	}

	for _, r := range ds.Rows {
		if owner[r.Index] < 0 {
			return &IntegrityError{Row: r.Index, Reason: "row not assigned to any client"}
		}
	}

	return nil
}

// byClass groups copies of the rows by label, in ascending label order.
func byClass(ds Dataset) [][]Row {
	groups := map[int][]Row{}
	for _, r := range ds.Rows {
		groups[r.Label] = append(groups[r.Label], r)
	}

	out := make([][]Row, 0, len(groups))
	for _, c := range ds.Classes() {
		out = append(out, groups[c])
	}

	return out
}

func shuffle(rng *rand.Rand, rows []Row) {
	rng.Shuffle(len(rows), func(i, j int) {
		rows[i], rows[j] = rows[j], rows[i]
	})
}

func sortRows(rows []Row) {
	slices.SortFunc(rows, func(a, b Row) int { return a.Index - b.Index })
}
