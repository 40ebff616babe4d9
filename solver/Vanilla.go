package solver

import G "gorgonia.org/gorgonia"

// VanillaConfig holds the hyperparameters of a vanilla gradient
// descent solver.
type VanillaConfig struct {
	StepSize float64
	Batch    int
	Clip     float64 // <= 0 if no clipping
}

// NewVanilla returns a vanilla gradient descent Solver. Gradients are
// clipped to [-clip, clip] unless clip is non-positive.
func NewVanilla(stepSize float64, batchSize int,
	clip float64) (*Solver, error) {
	vanilla := VanillaConfig{
		StepSize: stepSize,
		Batch:    batchSize,
		Clip:     clip,
	}

	return newSolver(Vanilla, vanilla)
}

// Create returns the Gorgonia vanilla solver that the config describes
func (v VanillaConfig) Create() G.Solver {
	if v.Clip <= 0 {
		return G.NewVanillaSolver(
			G.WithLearnRate(v.StepSize),
			G.WithBatchSize(float64(v.Batch)),
		)
	}
	return G.NewVanillaSolver(
		G.WithLearnRate(v.StepSize),
		G.WithBatchSize(float64(v.Batch)),
		G.WithClip(v.Clip),
	)
}

// ValidType returns whether t is the solver type this config creates
func (v VanillaConfig) ValidType(t Type) bool {
	return t == Vanilla
}
