package redq

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
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

func testConfig(t *testing.T, qUpdatesPerPolicyUpdate int) Config {
	t.Helper()
	actorSol, err := solver.NewDefaultAdam(0.001, 1)
	if err != nil {
		t.Fatalf("could not create solver: %v", err)
	}
	criticSol, err := solver.NewDefaultAdam(0.001, 1)
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

		InitWFn:      init,
		ActorSolver:  actorSol,
		CriticSolver: criticSol,

		N:                       5,
		M:                       2,
		QUpdatesPerPolicyUpdate: qUpdatesPerPolicyUpdate,

		Alpha:            0.2,
		LearnEntropyCoef: false,
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
// finite diagnostics.
func TestTrain(t *testing.T) {
	obsSpec, actionSpec := testSpecs(t)
	r, err := New(obsSpec, actionSpec, testConfig(t, 1), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}

	batch := testBatch(t)
	for i := 0; i < 5; i++ {
		diag, err := r.Train(batch)
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
	}
}

// TestTrainPolicyUpdateGating verifies that the actor updates only on
// every QUpdatesPerPolicyUpdate-th call to Train and that the actor
// loss is carried between policy updates.
func TestTrainPolicyUpdateGating(t *testing.T) {
	const k int = 3
	obsSpec, actionSpec := testSpecs(t)
	r, err := New(obsSpec, actionSpec, testConfig(t, k), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}

	batch := testBatch(t)
	var updateLoss float64
	for i := 0; i < 2*k; i++ {
		actorBefore := actorWeights(r)
		diag, err := r.Train(batch)
		if err != nil {
			t.Fatalf("could not train on update %d: %v", i, err)
		}

		if i%k == 0 {
			updateLoss = diag[agent.LossActor]
			if weightsEqual(actorBefore, actorWeights(r)) {
				t.Errorf("actor did not update on call %d", i)
			}
		} else {
			if diag[agent.LossActor] != updateLoss {
				t.Errorf("actor loss not carried on call %d "+
					"\n\twant(%v) \n\thave(%v)", i, updateLoss,
					diag[agent.LossActor])
			}
			if !weightsEqual(actorBefore, actorWeights(r)) {
				t.Errorf("actor updated on gated call %d", i)
			}
		}
	}
}

func actorWeights(r *REDQ) [][]float64 {
	var weights [][]float64
	for _, learnable := range r.actor.Network().Learnables() {
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

// TestComputeBackup verifies that the Bellman backup minimizes over
// the drawn subset of target critics: it matches the subset minimum
// exactly and never exceeds the value implied by any subset member.
func TestComputeBackup(t *testing.T) {
	const seed uint64 = 42
	obsSpec, actionSpec := testSpecs(t)
	config := testConfig(t, 1)
	r, err := New(obsSpec, actionSpec, config, seed)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}

	// The agent draws its critic subsets from a generator seeded
	// relative to the agent seed, so the first draw can be replayed
	rng := rand.New(rand.NewSource(seed + 2))
	subset := sampleSubset(rng, config.N, config.M)

	b := testBatch(t)
	alpha := 0.2
	backup, err := r.computeBackup(b, alpha)
	if err != nil {
		t.Fatalf("could not compute backup: %v", err)
	}

	// The sampler still holds the next actions and log probabilities
	// of the backup computation, so the target ensemble can be re-run
	// at exactly those actions.
	nextActions := r.sampler.ActionsVal()
	nextLogProb := r.sampler.LogProbVal()
	if err := r.letMatrix(r.targetObs, b.NextObs); err != nil {
		t.Fatalf("could not set target observations: %v", err)
	}
	err = G.Let(r.targetActions, tensor.New(
		tensor.WithShape(r.batchSize, 1),
		tensor.WithBacking(nextActions),
	))
	if err != nil {
		t.Fatalf("could not set target actions: %v", err)
	}
	if err := r.targetVM.RunAll(); err != nil {
		t.Fatalf("could not run target graph: %v", err)
	}
	targetQ := make([][]float64, len(r.targets))
	for i := range r.targets {
		targetQ[i] = tensorutils.F64s(r.targets[i].Output()[0])
	}
	r.targetVM.Reset()

	gamma := config.Gamma
	for i := range backup {
		discount := gamma * (1.0 - b.Dones[i])
		minQ := targetQ[subset[0]][i]
		for _, j := range subset[1:] {
			if targetQ[j][i] < minQ {
				minQ = targetQ[j][i]
			}
		}
		want := b.Rewards[i] + discount*(minQ-alpha*nextLogProb[i])
		if math.Abs(backup[i]-want) > 1e-10 {
			t.Errorf("wrong backup for sample %d \n\twant(%v) "+
				"\n\thave(%v)", i, want, backup[i])
		}
		for _, j := range subset {
			bound := b.Rewards[i] + discount*
				(targetQ[j][i]-alpha*nextLogProb[i])
			if backup[i] > bound+1e-10 {
				t.Errorf("backup for sample %d exceeds subset-member "+
					"value \n\twant(<= %v) \n\thave(%v)", i, bound,
					backup[i])
			}
		}
	}
}

// TestSampleSubset verifies that target critic subsets hold distinct
// in-range indices and that every index is sampled with near-uniform
// frequency.
func TestSampleSubset(t *testing.T) {
	const n, m int = 5, 2
	const draws int = 10000
	rng := rand.New(rand.NewSource(42))

	counts := make([]int, n)
	for i := 0; i < draws; i++ {
		subset := sampleSubset(rng, n, m)
		if len(subset) != m {
			t.Fatalf("wrong subset size \n\twant(%v) \n\thave(%v)", m,
				len(subset))
		}
		seen := make(map[int]bool)
		for _, index := range subset {
			if index < 0 || index >= n {
				t.Fatalf("index out of range: %v", index)
			}
			if seen[index] {
				t.Fatalf("duplicate index in subset: %v", index)
			}
			seen[index] = true
			counts[index]++
		}
	}

	// Each index is included with probability m/n per draw
	expected := draws * m / n
	for index, count := range counts {
		if count == 0 {
			t.Errorf("index %v never sampled", index)
		}
		if math.Abs(float64(count-expected)) > 0.1*float64(expected) {
			t.Errorf("index %v sampled %v times \n\twant(about %v)",
				index, count, expected)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	config := testConfig(t, 1)
	if err := config.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	invalid := config
	invalid.M = config.N + 1
	if err := invalid.Validate(); err == nil {
		t.Error("expected error for subset larger than ensemble")
	}

	invalid = config
	invalid.N = 0
	if err := invalid.Validate(); err == nil {
		t.Error("expected error for empty ensemble")
	}

	invalid = config
	invalid.QUpdatesPerPolicyUpdate = 0
	if err := invalid.Validate(); err == nil {
		t.Error("expected error for non-positive critic updates per " +
			"policy update")
	}
}
