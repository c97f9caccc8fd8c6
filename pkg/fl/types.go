package fl

import (
	"fmt"
	"math"
	"time"
)

// Tensor is a named, shaped block of model parameters stored row-major.
type Tensor struct {
	Name   string    `json:"name"`
	Shape  []int     `json:"shape"`
	Values []float64 `json:"values"`
}

// ParameterVector is the ordered list of tensors that make up a model.
// Values are treated as immutable once shared: every operation in this
// package returns a fresh vector.
type ParameterVector struct {
	Tensors []Tensor `json:"tensors"`
}

type RoundUpdate struct {
	ClientID    string             `json:"client_id"`
	Round       uint64             `json:"round"`
	Parameters  ParameterVector    `json:"parameters"`
	SampleCount int                `json:"sample_count"`
	LocalSteps  int                `json:"local_steps"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	ReceivedAt  time.Time          `json:"received_at"`
}

type RoundRecord struct {
	Round           uint64        `json:"round"`
	Method          Method        `json:"method"`
	Participants    []string      `json:"participants"`
	TimedOut        []string      `json:"timed_out,omitempty"`
	UpdatesReceived int           `json:"updates_received"`
	TotalSamples    int           `json:"total_samples"`
	Evaluated       bool          `json:"evaluated"`
	Accuracy        float64       `json:"accuracy"`
	Loss            float64       `json:"loss"`
	AggregationTime time.Duration `json:"aggregation_time"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
}

type ModelSnapshot struct {
	Round      uint64          `json:"round"`
	Parameters ParameterVector `json:"parameters"`
	CreatedAt  time.Time       `json:"created_at"`
}

func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		Name:   t.Name,
		Shape:  append([]int(nil), t.Shape...),
		Values: append([]float64(nil), t.Values...),
	}
}

func (pv ParameterVector) Clone() ParameterVector {
	out := ParameterVector{Tensors: make([]Tensor, len(pv.Tensors))}
	for i, t := range pv.Tensors {
		out.Tensors[i] = t.Clone()
	}

	return out
}

// ZerosLike returns a vector with the same layout and all values set to zero.
func (pv ParameterVector) ZerosLike() ParameterVector {
	out := ParameterVector{Tensors: make([]Tensor, len(pv.Tensors))}
	for i, t := range pv.Tensors {
		out.Tensors[i] = Tensor{
			Name:   t.Name,
			Shape:  append([]int(nil), t.Shape...),
			Values: make([]float64, len(t.Values)),
		}
	}

	return out
}

func (pv ParameterVector) NumParams() int {
	n := 0
	for _, t := range pv.Tensors {
		n += len(t.Values)
	}

	return n
}

func (pv ParameterVector) Tensor(name string) (Tensor, bool) {
	for _, t := range pv.Tensors {
		if t.Name == name {
			return t, true
		}
	}

	return Tensor{}, false
}

// Validate checks that every tensor holds exactly as many finite values as
// its shape describes and that names are unique.
func (pv ParameterVector) Validate() error {
	if len(pv.Tensors) == 0 {
		return ErrEmptyParameters
	}
	seen := make(map[string]struct{}, len(pv.Tensors))
	for _, t := range pv.Tensors {
		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("%w: duplicate tensor %q", ErrInvalidParameters, t.Name)
		}
		seen[t.Name] = struct{}{}
		if want := NumElements(t.Shape); want != len(t.Values) {
			return fmt.Errorf("%w: tensor %q has %d values, shape %v needs %d", ErrInvalidParameters, t.Name, len(t.Values), t.Shape, want)
		}
		for i, v := range t.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: tensor %q value %d is not finite", ErrInvalidParameters, t.Name, i)
			}
		}
	}

	return nil
}

// SameShape reports whether other has the same tensor names, order and
// shapes as pv. The returned error is a *ShapeMismatchError.
func (pv ParameterVector) SameShape(other ParameterVector) error {
	if len(pv.Tensors) != len(other.Tensors) {
		return &ShapeMismatchError{
			Tensor: "*",
			Want:   []int{len(pv.Tensors)},
			Got:    []int{len(other.Tensors)},
		}
	}
	for i, t := range pv.Tensors {
		o := other.Tensors[i]
		if t.Name != o.Name || !equalShape(t.Shape, o.Shape) || len(t.Values) != len(o.Values) {
			return &ShapeMismatchError{
				Tensor: t.Name,
				Want:   append([]int(nil), t.Shape...),
				Got:    append([]int(nil), o.Shape...),
			}
		}
	}

	return nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
