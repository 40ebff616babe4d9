// Package policy implements policies for continuous-action agents,
// parameterized by neural networks.
package policy

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/network"
	"github.com/samuelfneumann/gosac/timestep"
	"github.com/samuelfneumann/gosac/utils/floatutils"
	"github.com/samuelfneumann/gosac/utils/op"
	"github.com/samuelfneumann/gosac/utils/tensorutils"
)

// For stability, the standard deviation of the Gaussian distribution
// should be offset from 0.
const stdOffset float64 = 1e-3

// Bounds within which the predicted log standard deviation is clipped
const (
	logStdMin float64 = -20.0
	logStdMax float64 = 2.0
)

// tanhCorrection offsets the squashing correction of the log
// probability so that the logarithm is never taken of zero.
const tanhCorrection float64 = 1e-6

// SquashedGaussianMLP implements a squashed Gaussian policy
// parameterized by an MLP. The MLP maps batches of state observations
// to the mean μ and log standard deviation log(σ) of a diagonal
// Gaussian over unbounded actions. Actions are selected by sampling
// from the standard normal ɛ ~ N(0, 1), computing u := μ + σ * ɛ with
// the reparameterization trick, and squashing u through tanh so that
// the resulting actions always stay within the action bounds of the
// environment:
//
//	action := tanh(u) * scale + midpoint
//
// The policy's computational graph also computes the log probability
// of the sampled actions, corrected for the tanh squashing, so that
// entropy-regularized losses can be constructed from the policy's
// action and log probability nodes directly.
//
// The noise ɛ is an input to the graph. It is resampled explicitly
// with ResampleNoise, so that multiple runs of the same graph see the
// same actions, and zeroed with ZeroNoise, in which case the policy
// acts deterministically at the mean.
type SquashedGaussianMLP struct {
	net      network.NeuralNet
	ownsObs  bool
	eps      *G.Node
	epsShape tensor.Shape

	actions    *G.Node
	logProb    *G.Node
	actionsVal G.Value
	logProbVal G.Value

	normal     distmv.Rander
	actionDims int
	batch      int

	vm   G.VM // Non-nil only for batch size 1
	eval bool
}

// NewSquashedGaussianMLP returns a new SquashedGaussianMLP for
// environments with observation specification obsSpec and action
// specification actionSpec. The policy's computational graph is
// placed on g so that external losses can be constructed from the
// policy's output nodes.
//
// If the obs parameter is non-nil, it is used as the input node of
// the policy network and whatever computes that node is responsible
// for feeding it. Otherwise the network creates and owns its input
// node, which is set by SelectAction on each call.
//
// The MLP parameterization is defined by hiddenSizes, biases, and
// activations. The init parameter determines the weight
// initialization scheme, and seed determines the seed of the policy's
// noise sampler.
func NewSquashedGaussianMLP(obsSpec, actionSpec environment.Spec,
	batch int, g *G.ExprGraph, obs *G.Node, hiddenSizes []int,
	biases []bool, activations []*network.Activation, init G.InitWFn,
	seed uint64) (*SquashedGaussianMLP, error) {
	features := obsSpec.Dims()
	actionDims := actionSpec.Dims()

	var net network.NeuralNet
	var err error
	ownsObs := obs == nil
	if ownsObs {
		net, err = network.NewMLP(features, batch, 2*actionDims, g,
			hiddenSizes, biases, init, activations, "Policy")
	} else {
		net, err = network.NewMLPFromInput(obs, 2*actionDims, g,
			hiddenSizes, biases, init, activations, "Policy")
	}
	if err != nil {
		return nil, fmt.Errorf("newSquashedGaussianMLP: could not "+
			"create policy network: %v", err)
	}

	// The network predicts the mean in its first actionDims outputs
	// and the log standard deviation in its last actionDims outputs.
	// Slicing a single column collapses the batch dimension, so the
	// slices are reshaped back into (batch, actionDims) matrices.
	out := net.Prediction()[0]
	mean := G.Must(G.Slice(out, nil,
		tensorutils.NewSlice(0, actionDims, 1)))
	mean = G.Must(G.Reshape(mean, []int{batch, actionDims}))
	logStd := G.Must(G.Slice(out, nil,
		tensorutils.NewSlice(actionDims, 2*actionDims, 1)))
	logStd = G.Must(G.Reshape(logStd, []int{batch, actionDims}))

	// Clip the log standard deviation and offset the standard
	// deviation from 0 for numerical stability
	logStd, err = op.Clip(logStd, logStdMin, logStdMax)
	if err != nil {
		return nil, fmt.Errorf("newSquashedGaussianMLP: could not clip "+
			"log standard deviation: %v", err)
	}
	std := G.Must(G.Exp(logStd))
	std = G.Must(G.Add(G.NewConstant(stdOffset), std))

	// Reparameterization trick: u := μ + σ * ɛ
	eps := G.NewMatrix(g, tensor.Float64,
		G.WithShape(batch, actionDims), G.WithName("PolicyNoise"),
		G.WithInit(G.Zeroes()))
	u := G.Must(G.Add(mean, G.Must(G.HadamardProd(std, eps))))
	squashed := G.Must(G.Tanh(u))

	// Rescale the squashed actions from (-1, 1) to the environment's
	// action bounds
	scale := actionSpec.Scale()
	midpoint := actionSpec.Midpoint()
	scaleNode := G.NewConstant(tensor.New(
		tensor.WithShape(1, actionDims),
		tensor.WithBacking(scale),
	), G.WithName("ActionScale"), G.In(g))
	midNode := G.NewConstant(tensor.New(
		tensor.WithShape(1, actionDims),
		tensor.WithBacking(midpoint),
	), G.WithName("ActionMidpoint"), G.In(g))
	actions := G.Must(G.BroadcastHadamardProd(squashed, scaleNode, nil,
		[]byte{0}))
	actions = G.Must(G.BroadcastAdd(actions, midNode, nil, []byte{0}))

	// Log probability of the sampled actions, corrected for the tanh
	// squashing and rescaling:
	//
	//	log π(a) = log N(u; μ, σ) - Σ log(1 - tanh²(u)) - Σ log(scale)
	logProb := op.GaussianLogPdf(mean, std, u)
	inner := G.Must(G.Sub(G.NewConstant(1.0+tanhCorrection),
		G.Must(G.Square(squashed))))
	correction := G.Must(G.Sum(G.Must(G.Log(inner)), 1))
	logProb = G.Must(G.Sub(logProb, correction))
	sumLogScale := 0.0
	for _, s := range scale {
		sumLogScale += math.Log(s)
	}
	if sumLogScale != 0.0 {
		logProb = G.Must(G.Sub(logProb, G.NewConstant(sumLogScale)))
	}

	// Create standard normal for noise sampling
	means := make([]float64, actionDims)
	stds := mat.NewDiagDense(actionDims, floatutils.Ones(actionDims))
	source := rand.NewSource(seed)
	normal, ok := distmv.NewNormal(means, stds, source)
	if !ok {
		panic("newSquashedGaussianMLP: could not create standard " +
			"normal for noise sampling")
	}

	pol := &SquashedGaussianMLP{
		net:      net,
		ownsObs:  ownsObs,
		eps:      eps,
		epsShape: tensor.Shape{batch, actionDims},

		actions: actions,
		logProb: logProb,

		normal:     normal,
		actionDims: actionDims,
		batch:      batch,
	}
	G.Read(pol.actions, &pol.actionsVal)
	G.Read(pol.logProb, &pol.logProbVal)

	// Policy can select actions at each timestep only if using a batch
	// size of 1 and owning its input node
	if batch == 1 && ownsObs {
		pol.vm = G.NewTapeMachine(g)
	}

	return pol, nil
}

// ResampleNoise draws fresh standard normal noise for each sample in
// the batch and feeds it to the policy's noise node. The noise stays
// fixed until the next call to ResampleNoise or ZeroNoise, so running
// the graph repeatedly recomputes the same actions.
func (s *SquashedGaussianMLP) ResampleNoise() error {
	backing := make([]float64, s.batch*s.actionDims)
	for i := 0; i < s.batch; i++ {
		s.normal.Rand(backing[i*s.actionDims : (i+1)*s.actionDims])
	}
	return G.Let(s.eps, tensor.New(
		tensor.WithShape(s.epsShape...),
		tensor.WithBacking(backing),
	))
}

// ZeroNoise zeroes the policy's noise node so that the policy acts
// deterministically at the mean of its Gaussian.
func (s *SquashedGaussianMLP) ZeroNoise() error {
	backing := make([]float64, s.batch*s.actionDims)
	return G.Let(s.eps, tensor.New(
		tensor.WithShape(s.epsShape...),
		tensor.WithBacking(backing),
	))
}

// Actions returns the node holding the policy's sampled actions
func (s *SquashedGaussianMLP) Actions() *G.Node {
	return s.actions
}

// LogProb returns the node holding the log probability of the
// policy's sampled actions, one entry per sample in the batch.
func (s *SquashedGaussianMLP) LogProb() *G.Node {
	return s.logProb
}

// ActionsVal returns the value of the node returned by Actions once
// the policy's graph has been run.
func (s *SquashedGaussianMLP) ActionsVal() []float64 {
	return tensorutils.F64s(s.actionsVal)
}

// LogProbVal returns the value of the node returned by LogProb once
// the policy's graph has been run.
func (s *SquashedGaussianMLP) LogProbVal() []float64 {
	return tensorutils.F64s(s.logProbVal)
}

// Network returns the network of the SquashedGaussianMLP
func (s *SquashedGaussianMLP) Network() network.NeuralNet {
	return s.net
}

// SelectAction selects and returns an action at the argument timestep
// t. In training mode the action is sampled from the policy; in
// evaluation mode the mean action is returned.
func (s *SquashedGaussianMLP) SelectAction(t timestep.TimeStep) *mat.VecDense {
	if s.vm == nil {
		panic(fmt.Sprintf("selectAction: action selection can only be "+
			"done with a policy with batch size 1 \n\twant(1) "+
			"\n\thave(%v)", s.batch))
	}

	obs := make([]float64, t.Observation.Len())
	for i := range obs {
		obs[i] = t.Observation.AtVec(i)
	}
	if err := s.net.SetInput(obs); err != nil {
		panic(fmt.Sprintf("selectAction: cannot set input: %v", err))
	}

	var err error
	if s.eval {
		err = s.ZeroNoise()
	} else {
		err = s.ResampleNoise()
	}
	if err != nil {
		panic(fmt.Sprintf("selectAction: cannot set noise: %v", err))
	}

	if err := s.vm.RunAll(); err != nil {
		panic(fmt.Sprintf("selectAction: could not run policy VM: %v",
			err))
	}
	defer s.vm.Reset()

	return mat.NewVecDense(s.actionDims, s.ActionsVal())
}

// Eval sets the policy to evaluation mode
func (s *SquashedGaussianMLP) Eval() { s.eval = true }

// Train sets the policy to training mode
func (s *SquashedGaussianMLP) Train() { s.eval = false }

// IsEval returns whether the policy is in evaluation mode
func (s *SquashedGaussianMLP) IsEval() bool { return s.eval }
