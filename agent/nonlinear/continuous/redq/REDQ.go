// Package redq implements the Randomized Ensembled Double Q-learning
// variant of Soft Actor-Critic:
//
//	https://arxiv.org/abs/2101.05982
//
// REDQ learns an ensemble of N critics. The Bellman backup minimizes
// over a freshly sampled random subset of M target critics, and the
// shared backup trains all N critics. Critics can take multiple
// gradient steps per policy update, giving an update-to-data ratio
// above 1.
package redq

import (
	"fmt"

	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gosac/agent"
	"github.com/samuelfneumann/gosac/agent/nonlinear/continuous/entropy"
	"github.com/samuelfneumann/gosac/agent/nonlinear/continuous/policy"
	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/network"
	ts "github.com/samuelfneumann/gosac/timestep"
	"github.com/samuelfneumann/gosac/utils/tensorutils"
)

// REDQ implements the REDQ-SAC algorithm. The agent is trained
// offline from batches of transitions with Train.
//
// The computational graphs are laid out as in the sac package, with
// the critic pair replaced by an ensemble of N critics: the critic
// graph trains all N critics against a shared backup, the policy
// graph evaluates the actor's sampled actions under weight-sharing
// replicas of all N critics, and the target graph holds N target
// critics updated by Polyak averaging.
type REDQ struct {
	config Config
	seed   uint64

	obsSpec    environment.Spec
	actionSpec environment.Spec
	batchSize  int

	// Critic graph
	critics       []network.NeuralNet
	criticObs     *G.Node
	criticActions *G.Node
	backup        *G.Node
	criticLossVal G.Value
	criticVM      G.VM
	criticSolver  G.Solver
	criticModel   []G.ValueGrad

	// Policy graph
	actor        *policy.SquashedGaussianMLP
	policyObs    *G.Node
	alphaNode    *G.Node
	actorLossVal G.Value
	policyVM     G.VM
	actorSolver  G.Solver

	// Sampler graph
	sampler   *policy.SquashedGaussianMLP
	samplerVM G.VM

	// Target graph
	targets       []network.NeuralNet
	targetObs     *G.Node
	targetActions *G.Node
	targetVM      G.VM

	// Target copy of the actor's network. The backup samples
	// next-state actions from the live actor, so the target actor is
	// tracked by Polyak averaging but never run.
	targetActor network.NeuralNet

	entropyCoef *entropy.Coef
	rng         *rand.Rand

	// The actor and entropy coefficient update only on every
	// QUpdatesPerPolicyUpdate-th call to Train. Their losses are
	// carried between updates so that diagnostics stay complete.
	updates       int
	lastActorLoss float64
	lastAlphaLoss float64

	greedyActor *policy.SquashedGaussianMLP
}

// New returns a new REDQ agent for environments with the argument
// observation and action specifications.
func New(obsSpec, actionSpec environment.Spec, config Config,
	seed uint64) (*REDQ, error) {
	if actionSpec.Cardinality != environment.Continuous {
		return nil, fmt.Errorf("redq: actions must be continuous")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("redq: %v", err)
	}

	features := obsSpec.Dims()
	actionDims := actionSpec.Dims()
	batch := config.BatchSize
	init := config.InitWFn.InitWFn()
	n := config.N

	// Critic graph: the ensemble of live critics and their loss
	// against a backup shared by every ensemble member
	gCritic := G.NewGraph()
	criticObs := G.NewMatrix(gCritic, tensor.Float64,
		G.WithShape(batch, features), G.WithName("CriticObservations"),
		G.WithInit(G.Zeroes()))
	criticActions := G.NewMatrix(gCritic, tensor.Float64,
		G.WithShape(batch, actionDims), G.WithName("CriticActions"),
		G.WithInit(G.Zeroes()))
	backup := G.NewVector(gCritic, tensor.Float64, G.WithShape(batch),
		G.WithName("Backup"), G.WithInit(G.Zeroes()))

	critics := make([]network.NeuralNet, n)
	var criticLearnables G.Nodes
	var criticModel []G.ValueGrad
	var criticLoss *G.Node
	for i := range critics {
		q, err := network.NewQMLP(features, actionDims, batch, gCritic,
			criticObs, criticActions, config.CriticLayers,
			config.CriticBiases, config.CriticActivations, init,
			fmt.Sprintf("Q%d", i))
		if err != nil {
			return nil, fmt.Errorf("redq: could not create critic: %v",
				err)
		}
		critics[i] = q
		criticLearnables = append(criticLearnables, q.Learnables()...)
		criticModel = append(criticModel, q.Model()...)

		loss := criticMSBE(q, backup)
		if criticLoss == nil {
			criticLoss = loss
		} else {
			criticLoss = G.Must(G.Add(criticLoss, loss))
		}
	}
	criticLoss = G.Must(G.Div(criticLoss,
		G.NewConstant(float64(n))))

	if _, err := G.Grad(criticLoss, criticLearnables...); err != nil {
		return nil, fmt.Errorf("redq: could not compute critic "+
			"gradient: %v", err)
	}

	// Policy graph: the actor and weight-sharing replicas of the
	// whole ensemble. The actor maximizes the ensemble mean of the
	// critics at its sampled actions.
	gPolicy := G.NewGraph()
	policyObs := G.NewMatrix(gPolicy, tensor.Float64,
		G.WithShape(batch, features), G.WithName("PolicyObservations"),
		G.WithInit(G.Zeroes()))
	actor, err := policy.NewSquashedGaussianMLP(obsSpec, actionSpec,
		batch, gPolicy, policyObs, config.ActorLayers,
		config.ActorBiases, config.ActorActivations, init, seed)
	if err != nil {
		return nil, fmt.Errorf("redq: could not create actor: %v", err)
	}

	var meanQ *G.Node
	for i := 0; i < n; i++ {
		replica, err := network.NewQMLP(features, actionDims, batch,
			gPolicy, policyObs, actor.Actions(), config.CriticLayers,
			config.CriticBiases, config.CriticActivations, init,
			fmt.Sprintf("Q%dReplica", i))
		if err != nil {
			return nil, fmt.Errorf("redq: could not create critic "+
				"replica: %v", err)
		}
		if err := network.Share(replica, critics[i]); err != nil {
			return nil, fmt.Errorf("redq: could not share critic "+
				"weights: %v", err)
		}

		pred := G.Must(G.Ravel(replica.Prediction()[0]))
		if meanQ == nil {
			meanQ = pred
		} else {
			meanQ = G.Must(G.Add(meanQ, pred))
		}
	}
	meanQ = G.Must(G.Div(meanQ, G.NewConstant(float64(n))))

	alphaNode := G.NewScalar(gPolicy, tensor.Float64,
		G.WithName("EntropyCoef"))
	actorLoss := G.Must(G.Mul(alphaNode, actor.LogProb()))
	actorLoss = G.Must(G.Sub(actorLoss, meanQ))
	actorLoss = G.Must(G.Mean(actorLoss))

	if _, err := G.Grad(actorLoss, actor.Network().Learnables()...); err != nil {
		return nil, fmt.Errorf("redq: could not compute actor "+
			"gradient: %v", err)
	}

	// Sampler graph
	gSampler := G.NewGraph()
	sampler, err := policy.NewSquashedGaussianMLP(obsSpec, actionSpec,
		batch, gSampler, nil, config.ActorLayers, config.ActorBiases,
		config.ActorActivations, init, seed+1)
	if err != nil {
		return nil, fmt.Errorf("redq: could not create sampler: %v",
			err)
	}
	if err := network.Share(sampler.Network(), actor.Network()); err != nil {
		return nil, fmt.Errorf("redq: could not share actor "+
			"weights: %v", err)
	}
	samplerVM := G.NewTapeMachine(gSampler)

	// Target graph
	gTarget := G.NewGraph()
	targetObs := G.NewMatrix(gTarget, tensor.Float64,
		G.WithShape(batch, features), G.WithName("TargetObservations"),
		G.WithInit(G.Zeroes()))
	targetActions := G.NewMatrix(gTarget, tensor.Float64,
		G.WithShape(batch, actionDims), G.WithName("TargetActions"),
		G.WithInit(G.Zeroes()))
	targets := make([]network.NeuralNet, n)
	for i := range targets {
		target, err := network.NewQMLP(features, actionDims, batch,
			gTarget, targetObs, targetActions, config.CriticLayers,
			config.CriticBiases, config.CriticActivations, init,
			fmt.Sprintf("TargetQ%d", i))
		if err != nil {
			return nil, fmt.Errorf("redq: could not create target "+
				"critic: %v", err)
		}
		if err := network.Set(target, critics[i]); err != nil {
			return nil, fmt.Errorf("redq: could not initialize target "+
				"critic: %v", err)
		}
		targets[i] = target
	}
	targetVM := G.NewTapeMachine(gTarget)

	// Target actor on its own graph. No VM is needed since it is
	// never run.
	targetActor, err := network.NewMLP(features, batch, 2*actionDims,
		G.NewGraph(), config.ActorLayers, config.ActorBiases, init,
		config.ActorActivations, "TargetPolicy")
	if err != nil {
		return nil, fmt.Errorf("redq: could not create target "+
			"actor: %v", err)
	}
	if err := network.Set(targetActor, actor.Network()); err != nil {
		return nil, fmt.Errorf("redq: could not initialize target "+
			"actor: %v", err)
	}

	targetEntropy := entropy.DefaultTargetEntropy(actionSpec)
	if config.TargetEntropy != nil {
		targetEntropy = *config.TargetEntropy
	}
	entropyCoef, err := entropy.New(config.Alpha,
		config.LearnEntropyCoef, targetEntropy, config.EntropySolver)
	if err != nil {
		return nil, fmt.Errorf("redq: could not create entropy "+
			"coefficient: %v", err)
	}

	r := &REDQ{
		config: config,
		seed:   seed,

		obsSpec:    obsSpec,
		actionSpec: actionSpec,
		batchSize:  batch,

		critics:       critics,
		criticObs:     criticObs,
		criticActions: criticActions,
		backup:        backup,
		criticSolver:  config.CriticSolver,
		criticModel:   criticModel,

		actor:       actor,
		policyObs:   policyObs,
		alphaNode:   alphaNode,
		actorSolver: config.ActorSolver,

		sampler:   sampler,
		samplerVM: samplerVM,

		targets:       targets,
		targetObs:     targetObs,
		targetActions: targetActions,
		targetVM:      targetVM,
		targetActor:   targetActor,

		entropyCoef: entropyCoef,
		rng:         rand.New(rand.NewSource(seed + 2)),
	}

	// The loss Read nodes must be in the graphs before the tape
	// machines compile them
	G.Read(criticLoss, &r.criticLossVal)
	G.Read(actorLoss, &r.actorLossVal)
	r.criticVM = G.NewTapeMachine(gCritic,
		G.BindDualValues(criticLearnables...))
	r.policyVM = G.NewTapeMachine(gPolicy,
		G.BindDualValues(actor.Network().Learnables()...))

	return r, nil
}

// criticMSBE adds the mean squared Bellman error of a critic against
// the backup node to the critic's graph
func criticMSBE(q network.NeuralNet, backup *G.Node) *G.Node {
	pred := G.Must(G.Ravel(q.Prediction()[0]))
	loss := G.Must(G.Sub(pred, backup))
	loss = G.Must(G.Square(loss))
	return G.Must(G.Mean(loss))
}

// Train performs a single REDQ training update on a batch of
// transitions. Every call takes one gradient step on all N critics
// towards the shared backup and Polyak-updates the target ensemble.
// On every QUpdatesPerPolicyUpdate-th call, the actor and the entropy
// coefficient step as well; the actor's gradients are computed before
// the critic update, so the actor loss sees the pre-update ensemble.
func (r *REDQ) Train(b ts.Batch) (agent.Diagnostics, error) {
	err := b.Validate(r.obsSpec.Dims(), r.actionSpec.Dims())
	if err != nil {
		return nil, fmt.Errorf("train: invalid batch: %v", err)
	}
	if b.Size() != r.batchSize {
		return nil, fmt.Errorf("train: invalid batch size "+
			"\n\twant(%v) \n\thave(%v)", r.batchSize, b.Size())
	}

	alpha := r.entropyCoef.Coefficient()
	updatePolicy := r.updates%r.config.QUpdatesPerPolicyUpdate == 0
	r.updates++

	var actorLoss, alphaLoss float64
	if updatePolicy {
		// Compute the actor's gradients against the current ensemble.
		// The solver step is applied after the critic update below.
		if err := G.Let(r.alphaNode, alpha); err != nil {
			return nil, fmt.Errorf("train: could not set entropy "+
				"coefficient: %v", err)
		}
		if err := r.letMatrix(r.policyObs, b.Obs); err != nil {
			return nil, fmt.Errorf("train: could not set policy "+
				"observations: %v", err)
		}
		if err := r.actor.ResampleNoise(); err != nil {
			return nil, fmt.Errorf("train: could not resample "+
				"noise: %v", err)
		}
		if err := r.policyVM.RunAll(); err != nil {
			return nil, fmt.Errorf("train: could not run policy "+
				"graph: %v", err)
		}
		actorLoss = tensorutils.F64(r.actorLossVal)

		alphaLoss, err = r.entropyCoef.Step(r.actor.LogProbVal())
		if err != nil {
			return nil, fmt.Errorf("train: could not step entropy "+
				"coefficient: %v", err)
		}
	}

	// Compute the Bellman backup from a random M-subset of the target
	// ensemble. All N critics train towards the shared backup.
	backup, err := r.computeBackup(b, alpha)
	if err != nil {
		return nil, err
	}

	// Critic update
	if err := r.letMatrix(r.criticObs, b.Obs); err != nil {
		return nil, fmt.Errorf("train: could not set critic "+
			"observations: %v", err)
	}
	if err := r.letMatrix(r.criticActions, b.Actions); err != nil {
		return nil, fmt.Errorf("train: could not set critic "+
			"actions: %v", err)
	}
	err = G.Let(r.backup, tensor.New(
		tensor.WithShape(r.batchSize),
		tensor.WithBacking(backup),
	))
	if err != nil {
		return nil, fmt.Errorf("train: could not set backup: %v", err)
	}
	if err := r.criticVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run critic graph: %v",
			err)
	}
	criticLoss := tensorutils.F64(r.criticLossVal)
	if err := r.criticSolver.Step(r.criticModel); err != nil {
		return nil, fmt.Errorf("train: could not step critic "+
			"solver: %v", err)
	}
	r.criticVM.Reset()

	if updatePolicy {
		err = r.actorSolver.Step(r.actor.Network().Model())
		if err != nil {
			return nil, fmt.Errorf("train: could not step actor "+
				"solver: %v", err)
		}
		r.policyVM.Reset()
		r.lastActorLoss = actorLoss
		r.lastAlphaLoss = alphaLoss
	}

	// Polyak update of the target networks, on every call regardless
	// of whether the actor updated
	for i := range r.targets {
		err = network.Polyak(r.targets[i], r.critics[i],
			r.config.Polyak)
		if err != nil {
			return nil, fmt.Errorf("train: could not update target "+
				"critic: %v", err)
		}
	}
	err = network.Polyak(r.targetActor, r.actor.Network(),
		r.config.Polyak)
	if err != nil {
		return nil, fmt.Errorf("train: could not update target "+
			"actor: %v", err)
	}

	return agent.Diagnostics{
		agent.LossActor:       r.lastActorLoss,
		agent.LossCritic:      criticLoss,
		agent.LossEntropyCoef: r.lastAlphaLoss,
		agent.EntropyCoef:     alpha,
	}, nil
}

// computeBackup returns the Bellman backup
//
//	r + γ * (1 - done) * (min over subset of Q'(s', a') - α log π(a'|s'))
//
// with a' sampled freshly from the policy at the next states and the
// minimum taken over a freshly sampled random M-subset of the target
// ensemble.
func (r *REDQ) computeBackup(b ts.Batch, alpha float64) ([]float64,
	error) {
	if err := r.sampler.Network().SetInput(b.NextObs); err != nil {
		return nil, fmt.Errorf("train: could not set sampler "+
			"observations: %v", err)
	}
	if err := r.sampler.ResampleNoise(); err != nil {
		return nil, fmt.Errorf("train: could not resample sampler "+
			"noise: %v", err)
	}
	if err := r.samplerVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run sampler "+
			"graph: %v", err)
	}
	nextActions := r.sampler.ActionsVal()
	nextLogProb := r.sampler.LogProbVal()
	r.samplerVM.Reset()

	if err := r.letMatrix(r.targetObs, b.NextObs); err != nil {
		return nil, fmt.Errorf("train: could not set target "+
			"observations: %v", err)
	}
	err := G.Let(r.targetActions, tensor.New(
		tensor.WithShape(r.batchSize, r.actionSpec.Dims()),
		tensor.WithBacking(nextActions),
	))
	if err != nil {
		return nil, fmt.Errorf("train: could not set target "+
			"actions: %v", err)
	}
	if err := r.targetVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run target "+
			"graph: %v", err)
	}
	targetQ := make([][]float64, len(r.targets))
	for i := range r.targets {
		targetQ[i] = tensorutils.F64s(r.targets[i].Output()[0])
	}
	r.targetVM.Reset()

	subset := sampleSubset(r.rng, r.config.N, r.config.M)
	gamma := r.config.Gamma
	backup := make([]float64, r.batchSize)
	for i := range backup {
		minQ := targetQ[subset[0]][i]
		for _, j := range subset[1:] {
			if targetQ[j][i] < minQ {
				minQ = targetQ[j][i]
			}
		}
		backup[i] = b.Rewards[i] + gamma*(1.0-b.Dones[i])*
			(minQ-alpha*nextLogProb[i])
	}
	return backup, nil
}

// sampleSubset returns m distinct indices drawn uniformly at random
// from {0, ..., n-1}
func sampleSubset(rng *rand.Rand, n, m int) []int {
	return rng.Perm(n)[:m]
}

// letMatrix feeds a batch-sized matrix node with the argument data
func (r *REDQ) letMatrix(node *G.Node, data []float64) error {
	return G.Let(node, tensor.New(
		tensor.WithShape(node.Shape()...),
		tensor.WithBacking(data),
	))
}

// GetActor returns the policy learned so far. The returned policy
// shares weights with the agent's actor, so training updates are
// reflected in its action selection.
func (r *REDQ) GetActor() agent.Policy {
	if r.greedyActor == nil {
		g := G.NewGraph()
		actor, err := policy.NewSquashedGaussianMLP(r.obsSpec,
			r.actionSpec, 1, g, nil, r.config.ActorLayers,
			r.config.ActorBiases, r.config.ActorActivations,
			r.config.InitWFn.InitWFn(), r.seed+3)
		if err != nil {
			panic(fmt.Sprintf("getActor: could not create actor: %v",
				err))
		}
		err = network.Share(actor.Network(), r.actor.Network())
		if err != nil {
			panic(fmt.Sprintf("getActor: could not share actor "+
				"weights: %v", err))
		}
		r.greedyActor = actor
	}
	return r.greedyActor
}

// EntropyCoef returns the current value of the agent's entropy
// regularization coefficient
func (r *REDQ) EntropyCoef() float64 {
	return r.entropyCoef.Coefficient()
}
