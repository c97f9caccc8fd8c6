package fl

import "sync"

// fedAvgM applies server-side momentum on top of the FedAvg delta:
//
//	v' = momentum*v + (fedavg - prev)
//	new = prev + lr*v'
type fedAvgM struct {
	opts Options

	mu       sync.Mutex
	velocity *ParameterVector
}

func (a *fedAvgM) Method() Method { return FedAvgM }

func (a *fedAvgM) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.velocity = nil
}

func (a *fedAvgM) Aggregate(prev ParameterVector, updates []RoundUpdate) (ParameterVector, error) {
	sorted, err := prepare(prev, updates)
	if err != nil {
		return ParameterVector{}, err
	}

	avg := weightedSum(prev, sorted, sampleWeights(sorted))
	delta := difference(avg, prev)

	a.mu.Lock()
	defer a.mu.Unlock()

	velocity := addScaled(prev.ZerosLike(), participation(a.opts, len(sorted)), delta)
	if a.velocity != nil && prev.SameShape(*a.velocity) == nil {
		velocity = addScaled(velocity, a.opts.Momentum, *a.velocity)
	}
	next := addScaled(prev, a.opts.ServerLR, velocity)
	a.velocity = &velocity

	return next, nil
}
