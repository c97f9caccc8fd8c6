package fl

import (
	"fmt"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
)

type Method string

const (
	FedAvg  Method = "fedavg"
	FedAvgM Method = "fedavgm"
	FedNova Method = "fednova"
)

func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case FedAvg, FedAvgM, FedNova:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Normalization selects the participant count that averages are taken over
// when fewer clients than expected submit in a round.
type Normalization string

const (
	// NormalizeActual averages over the clients that actually submitted.
	NormalizeActual Normalization = "actual"
	// NormalizeExpected treats absent clients as having returned the
	// previous parameters, shrinking the aggregated delta by k/expected.
	NormalizeExpected Normalization = "expected"
)

func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(strings.ToLower(strings.TrimSpace(s))); n {
	case "", NormalizeActual:
		return NormalizeActual, nil
	case NormalizeExpected:
		return n, nil
	default:
		return "", fmt.Errorf("unknown normalization %q", s)
	}
}

type Options struct {
	Momentum        float64
	ServerLR        float64
	Normalization   Normalization
	ExpectedClients int
}

func DefaultOptions() Options {
	return Options{
		Momentum:      0.9,
		ServerLR:      1.0,
		Normalization: NormalizeActual,
	}
}

// Aggregator combines one round of client updates into the next global
// parameters. Implementations are deterministic in the set of updates and
// do not depend on their order.
type Aggregator interface {
	Method() Method
	Aggregate(prev ParameterVector, updates []RoundUpdate) (ParameterVector, error)
	// Reset drops any state carried between rounds.
	Reset()
}

func NewAggregator(method Method, opts Options) (Aggregator, error) {
	if opts.ServerLR == 0 {
		opts.ServerLR = 1.0
	}
	if opts.Normalization == "" {
		opts.Normalization = NormalizeActual
	}

	switch method {
	case FedAvg:
		return &fedAvg{opts: opts}, nil
	case FedAvgM:
		return &fedAvgM{opts: opts}, nil
	case FedNova:
		return &fedNova{opts: opts}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

type fedAvg struct {
	opts Options
}

func (a *fedAvg) Method() Method { return FedAvg }

func (a *fedAvg) Reset() {}

func (a *fedAvg) Aggregate(prev ParameterVector, updates []RoundUpdate) (ParameterVector, error) {
	sorted, err := prepare(prev, updates)
	if err != nil {
		return ParameterVector{}, err
	}

	avg := weightedSum(prev, sorted, sampleWeights(sorted))
	scale := participation(a.opts, len(sorted))
	if scale == 1 {
		return avg, nil
	}

	delta := difference(avg, prev)

	return addScaled(prev, scale, delta), nil
}

// prepare validates the updates against prev and returns them sorted by
// client ID so that floating point accumulation happens in a fixed order.
func prepare(prev ParameterVector, updates []RoundUpdate) ([]RoundUpdate, error) {
	if len(updates) == 0 {
		return nil, ErrNoUpdates
	}
	if err := prev.Validate(); err != nil {
		return nil, err
	}

	sorted := slices.Clone(updates)
	slices.SortFunc(sorted, func(a, b RoundUpdate) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})

	for i, u := range sorted {
		if i > 0 && sorted[i-1].ClientID == u.ClientID {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUpdate, u.ClientID)
		}
		if u.SampleCount < 0 || u.LocalSteps < 0 {
			return nil, fmt.Errorf("%w: client %s reported negative sample or step count", ErrInvalidParameters, u.ClientID)
		}
		if err := prev.SameShape(u.Parameters); err != nil {
			if sm, ok := err.(*ShapeMismatchError); ok {
				sm.ClientID = u.ClientID
			}

			return nil, err
		}
	}

	return sorted, nil
}

// sampleWeights returns n_i / Σn, or a uniform weighting when no client
// reported any samples.
func sampleWeights(updates []RoundUpdate) []float64 {
	weights := make([]float64, len(updates))
	total := 0
	for _, u := range updates {
		total += u.SampleCount
	}
	for i, u := range updates {
		if total == 0 {
			weights[i] = 1 / float64(len(updates))
			continue
		}
		weights[i] = float64(u.SampleCount) / float64(total)
	}

	return weights
}

func participation(opts Options, submitted int) float64 {
	if opts.Normalization != NormalizeExpected || opts.ExpectedClients <= submitted {
		return 1
	}

	return float64(submitted) / float64(opts.ExpectedClients)
}

func weightedSum(layout ParameterVector, updates []RoundUpdate, weights []float64) ParameterVector {
	out := layout.ZerosLike()
	for i, u := range updates {
		for j := range out.Tensors {
			floats.AddScaled(out.Tensors[j].Values, weights[i], u.Parameters.Tensors[j].Values)
		}
	}

	return out
}

// difference returns a - b.
func difference(a, b ParameterVector) ParameterVector {
	out := a.ZerosLike()
	for j := range out.Tensors {
		floats.SubTo(out.Tensors[j].Values, a.Tensors[j].Values, b.Tensors[j].Values)
	}

	return out
}

// addScaled returns base + alpha*v.
func addScaled(base ParameterVector, alpha float64, v ParameterVector) ParameterVector {
	out := base.ZerosLike()
	for j := range out.Tensors {
		floats.AddScaledTo(out.Tensors[j].Values, base.Tensors[j].Values, alpha, v.Tensors[j].Values)
	}

	return out
}
