package policy

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"

	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/network"
	ts "github.com/samuelfneumann/gosac/timestep"
)

func testSpecs() (environment.Spec, environment.Spec) {
	obsSpec := environment.NewSpec(mat.NewVecDense(2, nil),
		environment.Observation, mat.NewVecDense(2, []float64{-2, -2}),
		mat.NewVecDense(2, []float64{2, 2}), environment.Continuous)
	actionSpec := environment.NewSpec(mat.NewVecDense(1, nil),
		environment.Action, mat.NewVecDense(1, []float64{-1}),
		mat.NewVecDense(1, []float64{1}), environment.Continuous)
	return obsSpec, actionSpec
}

// TestSelectActionBounds verifies that sampled actions always stay
// within the action bounds of the environment.
func TestSelectActionBounds(t *testing.T) {
	obsSpec, actionSpec := testSpecs()
	pol, err := NewSquashedGaussianMLP(obsSpec, actionSpec, 1,
		G.NewGraph(), nil, []int{16}, []bool{true},
		[]*network.Activation{network.ReLU()}, G.GlorotU(1.0), 42)
	if err != nil {
		t.Fatalf("could not create policy: %v", err)
	}

	step := ts.New(ts.Mid, 0, 1, mat.NewVecDense(2,
		[]float64{0.3, -1.2}), 1)
	for i := 0; i < 100; i++ {
		action := pol.SelectAction(step)
		for j := 0; j < action.Len(); j++ {
			a := action.AtVec(j)
			if a < actionSpec.LowerBound.AtVec(j) ||
				a > actionSpec.UpperBound.AtVec(j) {
				t.Fatalf("action outside bounds \n\twant([%v, %v]) "+
					"\n\thave(%v)", actionSpec.LowerBound.AtVec(j),
					actionSpec.UpperBound.AtVec(j), a)
			}
			if math.IsNaN(a) {
				t.Fatal("action is NaN")
			}
		}
	}
}

// TestSelectActionEval verifies that the policy acts deterministically
// at the mean of its Gaussian in evaluation mode.
func TestSelectActionEval(t *testing.T) {
	obsSpec, actionSpec := testSpecs()
	pol, err := NewSquashedGaussianMLP(obsSpec, actionSpec, 1,
		G.NewGraph(), nil, []int{16}, []bool{true},
		[]*network.Activation{network.ReLU()}, G.GlorotU(1.0), 42)
	if err != nil {
		t.Fatalf("could not create policy: %v", err)
	}

	if pol.IsEval() {
		t.Error("policy should start in training mode")
	}
	pol.Eval()
	if !pol.IsEval() {
		t.Error("policy should be in evaluation mode")
	}

	step := ts.New(ts.Mid, 0, 1, mat.NewVecDense(2,
		[]float64{0.3, -1.2}), 1)
	first := pol.SelectAction(step)
	second := pol.SelectAction(step)
	for j := 0; j < first.Len(); j++ {
		if first.AtVec(j) != second.AtVec(j) {
			t.Errorf("evaluation mode actions differ \n\twant(%v) "+
				"\n\thave(%v)", first.AtVec(j), second.AtVec(j))
		}
	}
}

// TestLogProb verifies that the log probability of sampled actions is
// finite for a batch policy.
func TestLogProb(t *testing.T) {
	const batch int = 4
	obsSpec, actionSpec := testSpecs()
	g := G.NewGraph()
	pol, err := NewSquashedGaussianMLP(obsSpec, actionSpec, batch, g,
		nil, []int{16}, []bool{true},
		[]*network.Activation{network.ReLU()}, G.GlorotU(1.0), 42)
	if err != nil {
		t.Fatalf("could not create policy: %v", err)
	}

	err = pol.Network().SetInput([]float64{
		0.3, -1.2,
		0.0, 0.0,
		1.9, 1.9,
		-0.5, 0.7,
	})
	if err != nil {
		t.Fatalf("could not set input: %v", err)
	}
	if err := pol.ResampleNoise(); err != nil {
		t.Fatalf("could not resample noise: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run policy graph: %v", err)
	}

	logProb := pol.LogProbVal()
	if len(logProb) != batch {
		t.Fatalf("wrong number of log probabilities \n\twant(%v) "+
			"\n\thave(%v)", batch, len(logProb))
	}
	for i, lp := range logProb {
		if math.IsNaN(lp) || math.IsInf(lp, 0) {
			t.Errorf("log probability %d is not finite: %v", i, lp)
		}
	}

	actions := pol.ActionsVal()
	if len(actions) != batch*actionSpec.Dims() {
		t.Fatalf("wrong number of actions \n\twant(%v) \n\thave(%v)",
			batch*actionSpec.Dims(), len(actions))
	}
	for _, a := range actions {
		if a < -1 || a > 1 {
			t.Errorf("action outside bounds \n\twant([-1, 1]) "+
				"\n\thave(%v)", a)
		}
	}
}
