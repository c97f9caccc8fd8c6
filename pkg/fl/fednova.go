package fl

// fedNova normalizes each client's delta by the number of local steps it
// ran before averaging, then rescales the result by the sample-weighted
// mean step count:
//
//	d_i = (x_i - prev) / τ_i
//	τ_eff = Σ p_i τ_i
//	new = prev + lr * τ_eff * Σ p_i d_i
//
// The relative contribution of client i is (n_i/τ_i) / Σ_j (n_j/τ_j).
type fedNova struct {
	opts Options
}

func (a *fedNova) Method() Method { return FedNova }

func (a *fedNova) Reset() {}

func (a *fedNova) Aggregate(prev ParameterVector, updates []RoundUpdate) (ParameterVector, error) {
	sorted, err := prepare(prev, updates)
	if err != nil {
		return ParameterVector{}, err
	}

	p := sampleWeights(sorted)
	coef := make([]float64, len(sorted))
	tauEff := 0.0
	for i, u := range sorted {
		tau := float64(max(u.LocalSteps, 1))
		tauEff += p[i] * tau
		coef[i] = p[i] / tau
	}

	direction := prev.ZerosLike()
	for i, u := range sorted {
		delta := difference(u.Parameters, prev)
		direction = addScaled(direction, coef[i], delta)
	}

	scale := a.opts.ServerLR * tauEff * participation(a.opts, len(sorted))

	return addScaled(prev, scale, direction), nil
}
