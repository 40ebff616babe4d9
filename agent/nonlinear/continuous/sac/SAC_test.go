package sac

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gosac/agent"
	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/initwfn"
	"github.com/samuelfneumann/gosac/network"
	"github.com/samuelfneumann/gosac/solver"
	"github.com/samuelfneumann/gosac/timestep"
	"github.com/samuelfneumann/gosac/utils/tensorutils"
)

func testSpecs(t *testing.T) (environment.Spec, environment.Spec) {
	t.Helper()
	obsSpec := environment.NewSpec(mat.NewVecDense(2, nil),
		environment.Observation, mat.NewVecDense(2, []float64{-2, -2}),
		mat.NewVecDense(2, []float64{2, 2}), environment.Continuous)
	actionSpec := environment.NewSpec(mat.NewVecDense(1, nil),
		environment.Action, mat.NewVecDense(1, []float64{-1}),
		mat.NewVecDense(1, []float64{1}), environment.Continuous)
	return obsSpec, actionSpec
}

func testConfig(t *testing.T, learnEntropy bool) Config {
	t.Helper()
	actorSol, err := solver.NewDefaultAdam(0.001, 1)
	if err != nil {
		t.Fatalf("could not create solver: %v", err)
	}
	criticSol, err := solver.NewDefaultAdam(0.001, 1)
	if err != nil {
		t.Fatalf("could not create solver: %v", err)
	}
	entropySol, err := solver.NewDefaultAdam(0.001, 1)
	if err != nil {
		t.Fatalf("could not create solver: %v", err)
	}
	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		t.Fatalf("could not create init: %v", err)
	}

	return Config{
		ActorLayers:      []int{8},
		ActorBiases:      []bool{true},
		ActorActivations: []*network.Activation{network.ReLU()},

		CriticLayers:      []int{8},
		CriticBiases:      []bool{true},
		CriticActivations: []*network.Activation{network.ReLU()},

		InitWFn:       init,
		ActorSolver:   actorSol,
		CriticSolver:  criticSol,
		EntropySolver: entropySol,

		Alpha:            0.2,
		LearnEntropyCoef: learnEntropy,
		Polyak:           0.995,
		Gamma:            0.99,
		BatchSize:        4,
	}
}

func testBatch(t *testing.T) timestep.Batch {
	t.Helper()
	batch, err := timestep.NewBatch(2, 1,
		[]float64{
			0.1, 0.2,
			-0.5, 0.3,
			1.0, -1.0,
			0.0, 0.0,
		},
		[]float64{0.5, -0.5, 0.9, 0.0},
		[]float64{1, 0, 1, 0},
		[]float64{
			0.2, 0.3,
			-0.4, 0.4,
			0.9, -0.9,
			0.1, 0.1,
		},
		[]float64{0, 0, 0, 1},
	)
	if err != nil {
		t.Fatalf("could not create batch: %v", err)
	}
	return batch
}

// TestTrain verifies that repeated training updates run and produce
// finite diagnostics with a fixed entropy coefficient.
func TestTrain(t *testing.T) {
	obsSpec, actionSpec := testSpecs(t)
	config := testConfig(t, false)
	s, err := New(obsSpec, actionSpec, config, 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}

	batch := testBatch(t)
	for i := 0; i < 5; i++ {
		diag, err := s.Train(batch)
		if err != nil {
			t.Fatalf("could not train on update %d: %v", i, err)
		}

		for _, key := range []string{agent.LossActor, agent.LossCritic,
			agent.LossEntropyCoef, agent.EntropyCoef} {
			value, ok := diag[key]
			if !ok {
				t.Fatalf("missing diagnostic %v", key)
			}
			if math.IsNaN(value) || math.IsInf(value, 0) {
				t.Fatalf("diagnostic %v is not finite: %v", key, value)
			}
		}

		if diag[agent.EntropyCoef] != config.Alpha {
			t.Errorf("fixed entropy coefficient changed \n\twant(%v) "+
				"\n\thave(%v)", config.Alpha, diag[agent.EntropyCoef])
		}
		if diag[agent.LossEntropyCoef] != 0 {
			t.Errorf("fixed entropy coefficient should have no loss "+
				"\n\thave(%v)", diag[agent.LossEntropyCoef])
		}
	}
}

// TestCriticLoss verifies that the critic loss is the mean squared
// Bellman error averaged over the two critics. With zero-initialized
// weights both critics predict 0 everywhere, so against a backup of
// ones each critic's error is exactly 1 and so is their average.
func TestCriticLoss(t *testing.T) {
	obsSpec, actionSpec := testSpecs(t)
	config := testConfig(t, false)
	zeroes, err := initwfn.NewZeroes()
	if err != nil {
		t.Fatalf("could not create init: %v", err)
	}
	config.InitWFn = zeroes
	s, err := New(obsSpec, actionSpec, config, 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}

	b := testBatch(t)
	if err := s.letMatrix(s.criticObs, b.Obs); err != nil {
		t.Fatalf("could not set observations: %v", err)
	}
	if err := s.letMatrix(s.criticActions, b.Actions); err != nil {
		t.Fatalf("could not set actions: %v", err)
	}
	err = G.Let(s.backup, tensor.New(
		tensor.WithShape(s.batchSize),
		tensor.WithBacking([]float64{1, 1, 1, 1}),
	))
	if err != nil {
		t.Fatalf("could not set backup: %v", err)
	}
	if err := s.criticVM.RunAll(); err != nil {
		t.Fatalf("could not run critic graph: %v", err)
	}
	defer s.criticVM.Reset()

	loss := tensorutils.F64(s.criticLossVal)
	if math.Abs(loss-1.0) > 1e-12 {
		t.Errorf("critic loss not averaged over the two critics "+
			"\n\twant(%v) \n\thave(%v)", 1.0, loss)
	}
}

// TestComputeBackup verifies the entropy-regularized Bellman backup:
// the value term uses the pairwise minimum of the target critics, so
// the backup never exceeds the value implied by either critic alone.
func TestComputeBackup(t *testing.T) {
	obsSpec, actionSpec := testSpecs(t)
	s, err := New(obsSpec, actionSpec, testConfig(t, false), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}

	b := testBatch(t)
	alpha := 0.2
	backup, err := s.computeBackup(b, alpha)
	if err != nil {
		t.Fatalf("could not compute backup: %v", err)
	}

	// The sampler still holds the next actions and log probabilities
	// of the backup computation, so the target critics can be re-run
	// at exactly those actions.
	nextActions := s.sampler.ActionsVal()
	nextLogProb := s.sampler.LogProbVal()
	if err := s.letMatrix(s.targetObs, b.NextObs); err != nil {
		t.Fatalf("could not set target observations: %v", err)
	}
	err = G.Let(s.targetActions, tensor.New(
		tensor.WithShape(s.batchSize, 1),
		tensor.WithBacking(nextActions),
	))
	if err != nil {
		t.Fatalf("could not set target actions: %v", err)
	}
	if err := s.targetVM.RunAll(); err != nil {
		t.Fatalf("could not run target graph: %v", err)
	}
	q1 := tensorutils.F64s(s.targetQ1.Output()[0])
	q2 := tensorutils.F64s(s.targetQ2.Output()[0])
	s.targetVM.Reset()

	gamma := s.config.Gamma
	for i := range backup {
		discount := gamma * (1.0 - b.Dones[i])
		want := b.Rewards[i] + discount*
			(math.Min(q1[i], q2[i])-alpha*nextLogProb[i])
		if math.Abs(backup[i]-want) > 1e-10 {
			t.Errorf("wrong backup for sample %d \n\twant(%v) "+
				"\n\thave(%v)", i, want, backup[i])
		}
		for _, q := range [][]float64{q1, q2} {
			bound := b.Rewards[i] + discount*(q[i]-alpha*nextLogProb[i])
			if backup[i] > bound+1e-10 {
				t.Errorf("backup for sample %d exceeds single-critic "+
					"value \n\twant(<= %v) \n\thave(%v)", i, bound,
					backup[i])
			}
		}
	}
}

// TestTrainTargetTracking verifies that a training update changes the
// live critics and moves each target parameter by exactly the
// (1 - polyak) fraction of its distance to the updated live parameter.
func TestTrainTargetTracking(t *testing.T) {
	obsSpec, actionSpec := testSpecs(t)
	config := testConfig(t, false)
	s, err := New(obsSpec, actionSpec, config, 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}

	livePre := weightsOf(s.q1)
	targetPre := weightsOf(s.targetQ1)
	if _, err := s.Train(testBatch(t)); err != nil {
		t.Fatalf("could not train: %v", err)
	}
	livePost := weightsOf(s.q1)
	targetPost := weightsOf(s.targetQ1)

	if weightsEqual(livePre, livePost) {
		t.Error("critic parameters did not change")
	}
	for i := range targetPost {
		for j := range targetPost[i] {
			want := (1 - config.Polyak) *
				(livePost[i][j] - targetPre[i][j])
			have := targetPost[i][j] - targetPre[i][j]
			if math.Abs(have-want) > 1e-12 {
				t.Fatalf("wrong target critic update \n\twant(%v) "+
					"\n\thave(%v)", want, have)
			}
		}
	}
}

func weightsOf(net network.NeuralNet) [][]float64 {
	var weights [][]float64
	for _, learnable := range net.Learnables() {
		data := learnable.Value().Data().([]float64)
		weights = append(weights, append([]float64{}, data...))
	}
	return weights
}

func weightsEqual(a, b [][]float64) bool {
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

// TestTrainLearnedEntropy verifies that the entropy coefficient
// changes when learned.
func TestTrainLearnedEntropy(t *testing.T) {
	obsSpec, actionSpec := testSpecs(t)
	s, err := New(obsSpec, actionSpec, testConfig(t, true), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}

	before := s.EntropyCoef()
	batch := testBatch(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Train(batch); err != nil {
			t.Fatalf("could not train: %v", err)
		}
	}
	if s.EntropyCoef() == before {
		t.Error("learned entropy coefficient did not change")
	}
	if s.EntropyCoef() <= 0 {
		t.Errorf("entropy coefficient must stay positive \n\thave(%v)",
			s.EntropyCoef())
	}
}

// TestGetActor verifies that the returned policy selects in-bound
// actions and reflects training updates through weight sharing.
func TestGetActor(t *testing.T) {
	obsSpec, actionSpec := testSpecs(t)
	s, err := New(obsSpec, actionSpec, testConfig(t, false), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}

	actor := s.GetActor()
	if actor != s.GetActor() {
		t.Error("GetActor should return the same policy")
	}

	actor.Eval()
	step := timestep.New(timestep.Mid, 0, 1,
		mat.NewVecDense(2, []float64{0.1, 0.2}), 1)
	before := actor.SelectAction(step).AtVec(0)
	if before < -1 || before > 1 {
		t.Fatalf("action outside bounds \n\twant([-1, 1]) "+
			"\n\thave(%v)", before)
	}

	batch := testBatch(t)
	for i := 0; i < 10; i++ {
		if _, err := s.Train(batch); err != nil {
			t.Fatalf("could not train: %v", err)
		}
	}

	after := actor.SelectAction(step).AtVec(0)
	if before == after {
		t.Error("actor did not reflect training updates")
	}
}

func TestConfigValidate(t *testing.T) {
	config := testConfig(t, true)
	if err := config.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	invalid := config
	invalid.Gamma = 1.5
	if err := invalid.Validate(); err == nil {
		t.Error("expected error for out of range discount")
	}

	invalid = config
	invalid.Polyak = -0.1
	if err := invalid.Validate(); err == nil {
		t.Error("expected error for out of range polyak")
	}

	invalid = config
	invalid.ActorBiases = []bool{}
	if err := invalid.Validate(); err == nil {
		t.Error("expected error for mismatched actor biases")
	}

	invalid = config
	invalid.EntropySolver = nil
	if err := invalid.Validate(); err == nil {
		t.Error("expected error for missing entropy solver")
	}
}
