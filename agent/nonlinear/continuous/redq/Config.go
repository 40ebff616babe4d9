package redq

import (
	"fmt"

	"github.com/samuelfneumann/gosac/agent"
	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/initwfn"
	"github.com/samuelfneumann/gosac/network"
	"github.com/samuelfneumann/gosac/solver"
)

// Config implements a configuration of the REDQ agent
type Config struct {
	ActorLayers      []int
	ActorBiases      []bool
	ActorActivations []*network.Activation

	CriticLayers      []int
	CriticBiases      []bool
	CriticActivations []*network.Activation

	InitWFn *initwfn.InitWFn

	ActorSolver  *solver.Solver
	CriticSolver *solver.Solver

	// EntropySolver adapts the entropy regularization coefficient and
	// is needed only when LearnEntropyCoef is set
	EntropySolver *solver.Solver

	// N is the number of critics in the ensemble and M is the size of
	// the random subset of target critics the Bellman backup
	// minimizes over
	N int
	M int

	// QUpdatesPerPolicyUpdate is the number of critic updates taken
	// per actor update
	QUpdatesPerPolicyUpdate int

	// Alpha is the entropy regularization coefficient, or its starting
	// value when LearnEntropyCoef is set
	Alpha            float64
	LearnEntropyCoef bool

	// TargetEntropy is the entropy towards which the coefficient is
	// tuned. If nil, the negative action dimensionality is used.
	TargetEntropy *float64

	// Polyak is the weight given to the target network weights in the
	// Polyak update target := Polyak * target + (1 - Polyak) * live. A
	// value of 0 copies the live weights on each step.
	Polyak float64

	Gamma     float64
	BatchSize int
}

// Validate returns an error describing whether the Config is valid
func (c Config) Validate() error {
	if len(c.ActorLayers) != len(c.ActorBiases) {
		return fmt.Errorf("invalid number of actor biases \n\twant(%v) "+
			"\n\thave(%v)", len(c.ActorLayers), len(c.ActorBiases))
	}
	if len(c.ActorLayers) != len(c.ActorActivations) {
		return fmt.Errorf("invalid number of actor activations "+
			"\n\twant(%v) \n\thave(%v)", len(c.ActorLayers),
			len(c.ActorActivations))
	}
	if len(c.CriticLayers) != len(c.CriticBiases) {
		return fmt.Errorf("invalid number of critic biases "+
			"\n\twant(%v) \n\thave(%v)", len(c.CriticLayers),
			len(c.CriticBiases))
	}
	if len(c.CriticLayers) != len(c.CriticActivations) {
		return fmt.Errorf("invalid number of critic activations "+
			"\n\twant(%v) \n\thave(%v)", len(c.CriticLayers),
			len(c.CriticActivations))
	}
	if c.InitWFn == nil {
		return fmt.Errorf("no weight initialization scheme")
	}
	if c.ActorSolver == nil {
		return fmt.Errorf("no actor solver")
	}
	if c.CriticSolver == nil {
		return fmt.Errorf("no critic solver")
	}
	if c.LearnEntropyCoef && c.EntropySolver == nil {
		return fmt.Errorf("no solver for learned entropy coefficient")
	}
	if c.N <= 0 {
		return fmt.Errorf("ensemble size must be positive \n\thave(%v)",
			c.N)
	}
	if c.M <= 0 || c.M > c.N {
		return fmt.Errorf("subset size must be in [1, %v] \n\thave(%v)",
			c.N, c.M)
	}
	if c.QUpdatesPerPolicyUpdate <= 0 {
		return fmt.Errorf("critic updates per policy update must be "+
			"positive \n\thave(%v)", c.QUpdatesPerPolicyUpdate)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("entropy coefficient must be positive "+
			"\n\thave(%v)", c.Alpha)
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("discount must be in [0, 1] \n\thave(%v)",
			c.Gamma)
	}
	if c.Polyak < 0 || c.Polyak > 1 {
		return fmt.Errorf("polyak must be in [0, 1] \n\thave(%v)",
			c.Polyak)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive \n\thave(%v)",
			c.BatchSize)
	}
	return nil
}

// ValidAgent returns whether the argument agent is valid for the
// Config
func (c Config) ValidAgent(a agent.Trainer) bool {
	_, ok := a.(*REDQ)
	return ok
}

// CreateAgent returns the agent that the Config describes
func (c Config) CreateAgent(obsSpec, actionSpec environment.Spec,
	seed uint64) (agent.Trainer, error) {
	return New(obsSpec, actionSpec, c, seed)
}
