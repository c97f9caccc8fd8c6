// Package model provides a small softmax regression classifier that plays
// the local trainer role for participants and evaluates the global model on
// the coordinator side.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/partition"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	KernelTensor = "dense/kernel"
	BiasTensor   = "dense/bias"

	DefaultEpochs       = 2
	DefaultBatchSize    = 32
	DefaultLearningRate = 0.1
)

var (
	ErrNoData         = errors.New("no training rows")
	ErrFeatureCount   = errors.New("row feature count does not match model")
	ErrMissingTensor  = errors.New("parameters are missing a softmax tensor")
	ErrInvalidBatches = errors.New("epochs and batch size must be positive")
)

// InitParameters returns small random weights for a features x classes
// softmax layer.
func InitParameters(features, classes int, seed uint64) fl.ParameterVector {
	rng := rand.New(rand.NewPCG(seed, seed))
	limit := math.Sqrt(6 / float64(features+classes))
	kernel := make([]float64, features*classes)
	for i := range kernel {
		kernel[i] = (rng.Float64()*2 - 1) * limit
	}

	return fl.ParameterVector{Tensors: []fl.Tensor{
		{Name: KernelTensor, Shape: []int{features, classes}, Values: kernel},
		{Name: BiasTensor, Shape: []int{classes}, Values: make([]float64, classes)},
	}}
}

type layer struct {
	kernel *mat.Dense
	bias   *mat.VecDense
}

func unpack(params fl.ParameterVector) (layer, error) {
	k, ok := params.Tensor(KernelTensor)
	if !ok || len(k.Shape) != 2 {
		return layer{}, fmt.Errorf("%w: %s", ErrMissingTensor, KernelTensor)
	}
	b, ok := params.Tensor(BiasTensor)
	if !ok || len(b.Shape) != 1 || b.Shape[0] != k.Shape[1] {
		return layer{}, fmt.Errorf("%w: %s", ErrMissingTensor, BiasTensor)
	}
	if len(k.Values) != k.Shape[0]*k.Shape[1] {
		return layer{}, fl.ErrInvalidParameters
	}

	return layer{
		kernel: mat.NewDense(k.Shape[0], k.Shape[1], slices.Clone(k.Values)),
		bias:   mat.NewVecDense(b.Shape[0], slices.Clone(b.Values)),
	}, nil
}

func (l layer) pack() fl.ParameterVector {
	features, classes := l.kernel.Dims()

	return fl.ParameterVector{Tensors: []fl.Tensor{
		{Name: KernelTensor, Shape: []int{features, classes}, Values: slices.Clone(l.kernel.RawMatrix().Data)},
		{Name: BiasTensor, Shape: []int{classes}, Values: slices.Clone(l.bias.RawVector().Data)},
	}}
}

// probabilities writes softmax(xW + b) into out.
func (l layer) probabilities(x []float64, out *mat.VecDense) {
	out.MulVec(l.kernel.T(), mat.NewVecDense(len(x), x))
	out.AddVec(out, l.bias)

	raw := out.RawVector().Data
	peak := floats.Max(raw)
	for i, v := range raw {
		raw[i] = math.Exp(v - peak)
	}
	floats.Scale(1/floats.Sum(raw), raw)
}

// Trainer runs mini-batch gradient descent on a local partition.
type Trainer struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         uint64
}

func NewTrainer() Trainer {
	return Trainer{
		Epochs:       DefaultEpochs,
		BatchSize:    DefaultBatchSize,
		LearningRate: DefaultLearningRate,
	}
}

// Train fits start on rows and returns the new parameters, the number of
// samples seen per epoch and the number of optimizer steps taken. start is
// never modified.
func (t Trainer) Train(ctx context.Context, rows []partition.Row, start fl.ParameterVector) (fl.ParameterVector, int, int, error) {
	if t.Epochs <= 0 || t.BatchSize <= 0 {
		return fl.ParameterVector{}, 0, 0, ErrInvalidBatches
	}
	if len(rows) == 0 {
		return fl.ParameterVector{}, 0, 0, ErrNoData
	}

	l, err := unpack(start)
	if err != nil {
		return fl.ParameterVector{}, 0, 0, err
	}
	features, classes := l.kernel.Dims()
	for _, r := range rows {
		if len(r.Features) != features {
			return fl.ParameterVector{}, 0, 0, fmt.Errorf("%w: row %d has %d, model expects %d", ErrFeatureCount, r.Index, len(r.Features), features)
		}
	}

	rng := rand.New(rand.NewPCG(t.Seed, uint64(len(rows))))
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}

	probs := mat.NewVecDense(classes, nil)
	gradK := mat.NewDense(features, classes, nil)
	gradB := mat.NewVecDense(classes, nil)
	steps := 0

	for range t.Epochs {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for lo := 0; lo < len(order); lo += t.BatchSize {
			if err := ctx.Err(); err != nil {
				return fl.ParameterVector{}, 0, 0, err
			}

			hi := min(lo+t.BatchSize, len(order))
			gradK.Zero()
			gradB.Zero()
			for _, idx := range order[lo:hi] {
				r := rows[idx]
				l.probabilities(r.Features, probs)
				if r.Label >= 0 && r.Label < classes {
					probs.SetVec(r.Label, probs.AtVec(r.Label)-1)
				}
				gradK.RankOne(gradK, 1, mat.NewVecDense(features, r.Features), probs)
				gradB.AddVec(gradB, probs)
			}

			scale := -t.LearningRate / float64(hi-lo)
			l.kernel.Add(l.kernel, scaled(gradK, scale))
			l.bias.AddScaledVec(l.bias, scale, gradB)
			steps++
		}
	}

	return l.pack(), len(rows), steps, nil
}

func scaled(m *mat.Dense, f float64) *mat.Dense {
	var out mat.Dense
	out.Scale(f, m)

	return &out
}

// Evaluate returns the mean cross-entropy loss and the accuracy of params
// on rows.
func Evaluate(params fl.ParameterVector, rows []partition.Row) (float64, float64, error) {
	if len(rows) == 0 {
		return 0, 0, ErrNoData
	}

	l, err := unpack(params)
	if err != nil {
		return 0, 0, err
	}
	features, classes := l.kernel.Dims()

	probs := mat.NewVecDense(classes, nil)
	loss, correct := 0.0, 0
	for _, r := range rows {
		if len(r.Features) != features {
			return 0, 0, fmt.Errorf("%w: row %d", ErrFeatureCount, r.Index)
		}
		l.probabilities(r.Features, probs)
		if floats.MaxIdx(probs.RawVector().Data) == r.Label {
			correct++
		}
		p := 1e-12
		if r.Label >= 0 && r.Label < classes {
			p = math.Max(probs.AtVec(r.Label), 1e-12)
		}
		loss -= math.Log(p)
	}

	n := float64(len(rows))

	return loss / n, float64(correct) / n, nil
}

// Evaluator scores global parameters against a held-out dataset.
type Evaluator struct {
	rows []partition.Row
}

func NewEvaluator(rows []partition.Row) *Evaluator {
	return &Evaluator{rows: rows}
}

func (e *Evaluator) Evaluate(params fl.ParameterVector) (float64, float64, error) {
	return Evaluate(params, e.rows)
}
