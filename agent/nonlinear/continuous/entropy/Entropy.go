// Package entropy implements entropy regularization coefficients for
// maximum-entropy agents, with optional automatic tuning.
package entropy

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/solver"
	"github.com/samuelfneumann/gosac/utils/floatutils"
	"github.com/samuelfneumann/gosac/utils/tensorutils"
)

// Coef is the entropy regularization coefficient α of a
// maximum-entropy agent. The coefficient is either fixed or learned.
//
// When learned, the coefficient is parameterized as α := exp(log α)
// with log α the learned weight, so that α always stays positive. The
// weight is updated by gradient descent on
//
//	loss := -log α * mean(log π(a|s) + H₀)
//
// where H₀ is the target entropy. The loss pushes α up whenever the
// policy's entropy falls below the target and down whenever it rises
// above it.
type Coef struct {
	alpha         float64
	learn         bool
	targetEntropy float64

	logAlpha   *G.Node
	entropyGap *G.Node
	lossVal    G.Value
	vm         G.VM
	solver     *solver.Solver
}

// New returns a new entropy coefficient starting at the value alpha.
// If learn is false, the coefficient stays fixed at alpha, the
// targetEntropy and sol parameters are ignored, and Step is a no-op.
// Otherwise the coefficient is tuned towards the target entropy with
// the argument solver on each call to Step.
func New(alpha float64, learn bool, targetEntropy float64,
	sol *solver.Solver) (*Coef, error) {
	if alpha <= 0 {
		return nil, fmt.Errorf("new: entropy coefficient must be "+
			"positive \n\thave(%v)", alpha)
	}
	if !learn {
		return &Coef{alpha: alpha}, nil
	}
	if sol == nil {
		return nil, fmt.Errorf("new: no solver for learned entropy " +
			"coefficient")
	}

	g := G.NewGraph()
	logAlpha := G.NewVector(g, tensor.Float64, G.WithShape(1),
		G.WithName("LogAlpha"), G.WithInit(G.ValuesOf(math.Log(alpha))))
	entropyGap := G.NewVector(g, tensor.Float64, G.WithShape(1),
		G.WithName("EntropyGap"), G.WithInit(G.Zeroes()))

	loss := G.Must(G.Neg(G.Must(G.Mul(logAlpha, entropyGap))))

	c := &Coef{
		learn:         true,
		targetEntropy: targetEntropy,
		logAlpha:      logAlpha,
		entropyGap:    entropyGap,
		solver:        sol,
	}
	G.Read(loss, &c.lossVal)

	if _, err := G.Grad(loss, logAlpha); err != nil {
		return nil, fmt.Errorf("new: could not compute gradient of "+
			"entropy coefficient loss: %v", err)
	}
	c.vm = G.NewTapeMachine(g, G.BindDualValues(logAlpha))

	return c, nil
}

// Coefficient returns the current value of the entropy coefficient
func (c *Coef) Coefficient() float64 {
	if !c.learn {
		return c.alpha
	}
	return math.Exp(c.logAlpha.Value().Data().([]float64)[0])
}

// Learned returns whether the entropy coefficient is learned
func (c *Coef) Learned() bool {
	return c.learn
}

// TargetEntropy returns the target entropy towards which the
// coefficient is tuned. The value is meaningless for fixed
// coefficients.
func (c *Coef) TargetEntropy() float64 {
	return c.targetEntropy
}

// Step performs a single gradient update of the entropy coefficient
// given the log probabilities logProb of the actions the policy
// sampled at a batch of states, returning the loss of the update. For
// fixed coefficients, Step leaves the coefficient unchanged and
// returns a loss of 0.
//
// The coefficient changes after Step returns, so callers that need
// the pre-update coefficient should read Coefficient before stepping.
func (c *Coef) Step(logProb []float64) (float64, error) {
	if !c.learn {
		return 0, nil
	}
	if len(logProb) == 0 {
		return 0, fmt.Errorf("step: no log probabilities given")
	}

	gap := floatutils.Mean(logProb...) + c.targetEntropy
	err := G.Let(c.entropyGap, tensor.New(
		tensor.WithShape(1),
		tensor.WithBacking([]float64{gap}),
	))
	if err != nil {
		return 0, fmt.Errorf("step: could not set entropy gap: %v", err)
	}

	if err := c.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("step: could not run VM: %v", err)
	}
	defer c.vm.Reset()

	err = c.solver.Step([]G.ValueGrad{c.logAlpha})
	if err != nil {
		return 0, fmt.Errorf("step: could not step solver: %v", err)
	}

	return tensorutils.F64(c.lossVal), nil
}

// DefaultTargetEntropy returns the conventional target entropy for
// environments with the argument action specification: the negative
// of the action dimensionality.
func DefaultTargetEntropy(actionSpec environment.Spec) float64 {
	return -float64(actionSpec.Dims())
}
