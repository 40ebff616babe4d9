// Package sac implements the Soft Actor-Critic algorithm, an
// off-policy maximum-entropy actor-critic algorithm for continuous
// actions:
//
//	https://arxiv.org/abs/1801.01290
//
// Two action-value critics are learned towards the entropy-regularized
// Bellman backup, the policy is learned to maximize the minimum of the
// critics plus policy entropy, and the entropy regularization
// coefficient is optionally tuned towards a target entropy.
package sac

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gosac/agent"
	"github.com/samuelfneumann/gosac/agent/nonlinear/continuous/entropy"
	"github.com/samuelfneumann/gosac/agent/nonlinear/continuous/policy"
	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/network"
	ts "github.com/samuelfneumann/gosac/timestep"
	"github.com/samuelfneumann/gosac/utils/floatutils"
	"github.com/samuelfneumann/gosac/utils/op"
	"github.com/samuelfneumann/gosac/utils/tensorutils"
)

// SAC implements the Soft Actor-Critic algorithm. The agent is
// trained offline from batches of transitions with Train.
//
// The agent maintains four computational graphs:
//
//   - a critic graph holding the two live critics and the mean squared
//     Bellman error against an externally computed backup;
//   - a policy graph holding the actor and weight-sharing replicas of
//     the critics, so that the actor loss can differentiate through
//     the critics without updating their weights;
//   - a sampler graph holding a weight-sharing replica of the actor,
//     used to sample fresh next-state actions for the backup;
//   - a target graph holding the target critics, which are independent
//     copies of the live critics updated by Polyak averaging.
//
// The replicas alias the storage of the weights they share, so solver
// updates to the live networks are immediately visible to them.
type SAC struct {
	config Config
	seed   uint64

	obsSpec    environment.Spec
	actionSpec environment.Spec
	batchSize  int

	// Critic graph
	q1, q2        network.NeuralNet
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
	targetQ1, targetQ2 network.NeuralNet
	targetObs          *G.Node
	targetActions      *G.Node
	targetVM           G.VM

	// Target copy of the actor's network. The backup samples
	// next-state actions from the live actor, so the target actor is
	// tracked by Polyak averaging but never run.
	targetActor network.NeuralNet

	entropyCoef *entropy.Coef

	// Lazily constructed batch-1 replica of the actor for GetActor
	greedyActor *policy.SquashedGaussianMLP
}

// New returns a new SAC agent for environments with the argument
// observation and action specifications.
func New(obsSpec, actionSpec environment.Spec, config Config,
	seed uint64) (*SAC, error) {
	if actionSpec.Cardinality != environment.Continuous {
		return nil, fmt.Errorf("sac: actions must be continuous")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("sac: %v", err)
	}

	features := obsSpec.Dims()
	actionDims := actionSpec.Dims()
	batch := config.BatchSize
	init := config.InitWFn.InitWFn()

	// Critic graph: the two live critics and their loss. The agent
	// owns the input nodes, which both critics read.
	gCritic := G.NewGraph()
	criticObs := G.NewMatrix(gCritic, tensor.Float64,
		G.WithShape(batch, features), G.WithName("CriticObservations"),
		G.WithInit(G.Zeroes()))
	criticActions := G.NewMatrix(gCritic, tensor.Float64,
		G.WithShape(batch, actionDims), G.WithName("CriticActions"),
		G.WithInit(G.Zeroes()))
	backup := G.NewVector(gCritic, tensor.Float64, G.WithShape(batch),
		G.WithName("Backup"), G.WithInit(G.Zeroes()))

	q1, err := network.NewQMLP(features, actionDims, batch, gCritic,
		criticObs, criticActions, config.CriticLayers,
		config.CriticBiases, config.CriticActivations, init, "Q1")
	if err != nil {
		return nil, fmt.Errorf("sac: could not create critic: %v", err)
	}
	q2, err := network.NewQMLP(features, actionDims, batch, gCritic,
		criticObs, criticActions, config.CriticLayers,
		config.CriticBiases, config.CriticActivations, init, "Q2")
	if err != nil {
		return nil, fmt.Errorf("sac: could not create critic: %v", err)
	}

	criticLoss := criticMSBE(q1, backup)
	criticLoss = G.Must(G.Add(criticLoss, criticMSBE(q2, backup)))
	criticLoss = G.Must(G.Div(criticLoss, G.NewConstant(2.0)))

	criticLearnables := append(q1.Learnables(), q2.Learnables()...)
	if _, err := G.Grad(criticLoss, criticLearnables...); err != nil {
		return nil, fmt.Errorf("sac: could not compute critic "+
			"gradient: %v", err)
	}
	criticModel := append(q1.Model(), q2.Model()...)

	// Policy graph: the actor, weight-sharing replicas of the critics
	// evaluated at the actor's sampled actions, and the actor loss.
	// The critic replicas are excluded from the gradient computation,
	// which freezes them for the actor update.
	gPolicy := G.NewGraph()
	policyObs := G.NewMatrix(gPolicy, tensor.Float64,
		G.WithShape(batch, features), G.WithName("PolicyObservations"),
		G.WithInit(G.Zeroes()))
	actor, err := policy.NewSquashedGaussianMLP(obsSpec, actionSpec,
		batch, gPolicy, policyObs, config.ActorLayers,
		config.ActorBiases, config.ActorActivations, init, seed)
	if err != nil {
		return nil, fmt.Errorf("sac: could not create actor: %v", err)
	}

	q1Replica, err := network.NewQMLP(features, actionDims, batch,
		gPolicy, policyObs, actor.Actions(), config.CriticLayers,
		config.CriticBiases, config.CriticActivations, init, "Q1Replica")
	if err != nil {
		return nil, fmt.Errorf("sac: could not create critic "+
			"replica: %v", err)
	}
	q2Replica, err := network.NewQMLP(features, actionDims, batch,
		gPolicy, policyObs, actor.Actions(), config.CriticLayers,
		config.CriticBiases, config.CriticActivations, init, "Q2Replica")
	if err != nil {
		return nil, fmt.Errorf("sac: could not create critic "+
			"replica: %v", err)
	}
	if err := network.Share(q1Replica, q1); err != nil {
		return nil, fmt.Errorf("sac: could not share critic "+
			"weights: %v", err)
	}
	if err := network.Share(q2Replica, q2); err != nil {
		return nil, fmt.Errorf("sac: could not share critic "+
			"weights: %v", err)
	}

	// Actor loss: mean(α * log π(a|s) - min(Q1(s, a), Q2(s, a)))
	alphaNode := G.NewScalar(gPolicy, tensor.Float64,
		G.WithName("EntropyCoef"))
	minQ, err := op.Min(
		G.Must(G.Ravel(q1Replica.Prediction()[0])),
		G.Must(G.Ravel(q2Replica.Prediction()[0])),
	)
	if err != nil {
		return nil, fmt.Errorf("sac: could not compute min of "+
			"critics: %v", err)
	}
	actorLoss := G.Must(G.Mul(alphaNode, actor.LogProb()))
	actorLoss = G.Must(G.Sub(actorLoss, minQ))
	actorLoss = G.Must(G.Mean(actorLoss))

	if _, err := G.Grad(actorLoss, actor.Network().Learnables()...); err != nil {
		return nil, fmt.Errorf("sac: could not compute actor "+
			"gradient: %v", err)
	}

	// Sampler graph: a weight-sharing replica of the actor which
	// samples the next-state actions of the Bellman backup
	gSampler := G.NewGraph()
	sampler, err := policy.NewSquashedGaussianMLP(obsSpec, actionSpec,
		batch, gSampler, nil, config.ActorLayers, config.ActorBiases,
		config.ActorActivations, init, seed+1)
	if err != nil {
		return nil, fmt.Errorf("sac: could not create sampler: %v", err)
	}
	if err := network.Share(sampler.Network(), actor.Network()); err != nil {
		return nil, fmt.Errorf("sac: could not share actor "+
			"weights: %v", err)
	}
	samplerVM := G.NewTapeMachine(gSampler)

	// Target graph: independent copies of the live critics, updated
	// by Polyak averaging after each training step
	gTarget := G.NewGraph()
	targetObs := G.NewMatrix(gTarget, tensor.Float64,
		G.WithShape(batch, features), G.WithName("TargetObservations"),
		G.WithInit(G.Zeroes()))
	targetActions := G.NewMatrix(gTarget, tensor.Float64,
		G.WithShape(batch, actionDims), G.WithName("TargetActions"),
		G.WithInit(G.Zeroes()))
	targetQ1, err := network.NewQMLP(features, actionDims, batch,
		gTarget, targetObs, targetActions, config.CriticLayers,
		config.CriticBiases, config.CriticActivations, init, "TargetQ1")
	if err != nil {
		return nil, fmt.Errorf("sac: could not create target "+
			"critic: %v", err)
	}
	targetQ2, err := network.NewQMLP(features, actionDims, batch,
		gTarget, targetObs, targetActions, config.CriticLayers,
		config.CriticBiases, config.CriticActivations, init, "TargetQ2")
	if err != nil {
		return nil, fmt.Errorf("sac: could not create target "+
			"critic: %v", err)
	}
	if err := network.Set(targetQ1, q1); err != nil {
		return nil, fmt.Errorf("sac: could not initialize target "+
			"critic: %v", err)
	}
	if err := network.Set(targetQ2, q2); err != nil {
		return nil, fmt.Errorf("sac: could not initialize target "+
			"critic: %v", err)
	}
	targetVM := G.NewTapeMachine(gTarget)

	// Target actor on its own graph. No VM is needed since it is
	// never run.
	targetActor, err := network.NewMLP(features, batch, 2*actionDims,
		G.NewGraph(), config.ActorLayers, config.ActorBiases, init,
		config.ActorActivations, "TargetPolicy")
	if err != nil {
		return nil, fmt.Errorf("sac: could not create target "+
			"actor: %v", err)
	}
	if err := network.Set(targetActor, actor.Network()); err != nil {
		return nil, fmt.Errorf("sac: could not initialize target "+
			"actor: %v", err)
	}

	// Entropy regularization coefficient
	targetEntropy := entropy.DefaultTargetEntropy(actionSpec)
	if config.TargetEntropy != nil {
		targetEntropy = *config.TargetEntropy
	}
	entropyCoef, err := entropy.New(config.Alpha,
		config.LearnEntropyCoef, targetEntropy, config.EntropySolver)
	if err != nil {
		return nil, fmt.Errorf("sac: could not create entropy "+
			"coefficient: %v", err)
	}

	s := &SAC{
		config: config,
		seed:   seed,

		obsSpec:    obsSpec,
		actionSpec: actionSpec,
		batchSize:  batch,

		q1:            q1,
		q2:            q2,
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

		targetQ1:      targetQ1,
		targetQ2:      targetQ2,
		targetObs:     targetObs,
		targetActions: targetActions,
		targetVM:      targetVM,
		targetActor:   targetActor,

		entropyCoef: entropyCoef,
	}

	// The loss Read nodes must be in the graphs before the tape
	// machines compile them
	G.Read(criticLoss, &s.criticLossVal)
	G.Read(actorLoss, &s.actorLossVal)
	s.criticVM = G.NewTapeMachine(gCritic,
		G.BindDualValues(criticLearnables...))
	s.policyVM = G.NewTapeMachine(gPolicy,
		G.BindDualValues(actor.Network().Learnables()...))

	return s, nil
}

// criticMSBE adds the mean squared Bellman error of a critic against
// the backup node to the critic's graph
func criticMSBE(q network.NeuralNet, backup *G.Node) *G.Node {
	pred := G.Must(G.Ravel(q.Prediction()[0]))
	loss := G.Must(G.Sub(pred, backup))
	loss = G.Must(G.Square(loss))
	return G.Must(G.Mean(loss))
}

// Train performs a single SAC training update on a batch of
// transitions: one gradient step on the critics towards the
// entropy-regularized Bellman backup, one gradient step on the actor
// against the updated critics, one gradient step on the entropy
// coefficient if it is learned, and a Polyak update of the target
// networks.
func (s *SAC) Train(b ts.Batch) (agent.Diagnostics, error) {
	err := b.Validate(s.obsSpec.Dims(), s.actionSpec.Dims())
	if err != nil {
		return nil, fmt.Errorf("train: invalid batch: %v", err)
	}
	if b.Size() != s.batchSize {
		return nil, fmt.Errorf("train: invalid batch size "+
			"\n\twant(%v) \n\thave(%v)", s.batchSize, b.Size())
	}

	// The entropy coefficient steps with the rest of the losses, but
	// this update uses its pre-step value throughout
	alpha := s.entropyCoef.Coefficient()
	if err := G.Let(s.alphaNode, alpha); err != nil {
		return nil, fmt.Errorf("train: could not set entropy "+
			"coefficient: %v", err)
	}

	// Run the policy graph to get log π(a|s) at the batch states. The
	// noise stays fixed so that the second run below recomputes the
	// same actions.
	if err := s.letMatrix(s.policyObs, b.Obs); err != nil {
		return nil, fmt.Errorf("train: could not set policy "+
			"observations: %v", err)
	}
	if err := s.actor.ResampleNoise(); err != nil {
		return nil, fmt.Errorf("train: could not resample noise: %v",
			err)
	}
	if err := s.policyVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run policy graph: %v",
			err)
	}
	logProb := s.actor.LogProbVal()
	s.policyVM.Reset()

	lossAlpha, err := s.entropyCoef.Step(logProb)
	if err != nil {
		return nil, fmt.Errorf("train: could not step entropy "+
			"coefficient: %v", err)
	}

	// Compute the Bellman backup from the target critics at fresh
	// next-state actions
	backup, err := s.computeBackup(b, alpha)
	if err != nil {
		return nil, err
	}

	// Critic update
	if err := s.letMatrix(s.criticObs, b.Obs); err != nil {
		return nil, fmt.Errorf("train: could not set critic "+
			"observations: %v", err)
	}
	if err := s.letMatrix(s.criticActions, b.Actions); err != nil {
		return nil, fmt.Errorf("train: could not set critic "+
			"actions: %v", err)
	}
	err = G.Let(s.backup, tensor.New(
		tensor.WithShape(s.batchSize),
		tensor.WithBacking(backup),
	))
	if err != nil {
		return nil, fmt.Errorf("train: could not set backup: %v", err)
	}
	if err := s.criticVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run critic graph: %v",
			err)
	}
	lossCritic := tensorutils.F64(s.criticLossVal)
	if err := s.criticSolver.Step(s.criticModel); err != nil {
		return nil, fmt.Errorf("train: could not step critic "+
			"solver: %v", err)
	}
	s.criticVM.Reset()

	// Actor update. The policy graph is re-run with the same noise,
	// so the actor loss sees the same actions evaluated by the
	// freshly updated critics through the weight-sharing replicas.
	if err := s.policyVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run policy graph: %v",
			err)
	}
	lossActor := tensorutils.F64(s.actorLossVal)
	err = s.actorSolver.Step(s.actor.Network().Model())
	if err != nil {
		return nil, fmt.Errorf("train: could not step actor "+
			"solver: %v", err)
	}
	s.policyVM.Reset()

	// Polyak update of the target networks
	err = network.Polyak(s.targetQ1, s.q1, s.config.Polyak)
	if err != nil {
		return nil, fmt.Errorf("train: could not update target "+
			"critic: %v", err)
	}
	err = network.Polyak(s.targetQ2, s.q2, s.config.Polyak)
	if err != nil {
		return nil, fmt.Errorf("train: could not update target "+
			"critic: %v", err)
	}
	err = network.Polyak(s.targetActor, s.actor.Network(),
		s.config.Polyak)
	if err != nil {
		return nil, fmt.Errorf("train: could not update target "+
			"actor: %v", err)
	}

	return agent.Diagnostics{
		agent.LossActor:       lossActor,
		agent.LossCritic:      lossCritic,
		agent.LossEntropyCoef: lossAlpha,
		agent.EntropyCoef:     alpha,
	}, nil
}

// computeBackup returns the entropy-regularized Bellman backup
//
//	r + γ * (1 - done) * (min(Q1'(s', a'), Q2'(s', a')) - α log π(a'|s'))
//
// with a' sampled freshly from the policy at the next states through
// the sampler replica.
func (s *SAC) computeBackup(b ts.Batch, alpha float64) ([]float64,
	error) {
	if err := s.sampler.Network().SetInput(b.NextObs); err != nil {
		return nil, fmt.Errorf("train: could not set sampler "+
			"observations: %v", err)
	}
	if err := s.sampler.ResampleNoise(); err != nil {
		return nil, fmt.Errorf("train: could not resample sampler "+
			"noise: %v", err)
	}
	if err := s.samplerVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run sampler "+
			"graph: %v", err)
	}
	nextActions := s.sampler.ActionsVal()
	nextLogProb := s.sampler.LogProbVal()
	s.samplerVM.Reset()

	if err := s.letMatrix(s.targetObs, b.NextObs); err != nil {
		return nil, fmt.Errorf("train: could not set target "+
			"observations: %v", err)
	}
	err := G.Let(s.targetActions, tensor.New(
		tensor.WithShape(s.batchSize, s.actionSpec.Dims()),
		tensor.WithBacking(nextActions),
	))
	if err != nil {
		return nil, fmt.Errorf("train: could not set target "+
			"actions: %v", err)
	}
	if err := s.targetVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run target graph: %v",
			err)
	}
	q1Next := tensorutils.F64s(s.targetQ1.Output()[0])
	q2Next := tensorutils.F64s(s.targetQ2.Output()[0])
	s.targetVM.Reset()

	gamma := s.config.Gamma
	backup := make([]float64, s.batchSize)
	for i := range backup {
		minQ := floatutils.Min(q1Next[i], q2Next[i])
		backup[i] = b.Rewards[i] + gamma*(1.0-b.Dones[i])*
			(minQ-alpha*nextLogProb[i])
	}
	return backup, nil
}

// letMatrix feeds a batch-sized matrix node with the argument data
func (s *SAC) letMatrix(node *G.Node, data []float64) error {
	return G.Let(node, tensor.New(
		tensor.WithShape(node.Shape()...),
		tensor.WithBacking(data),
	))
}

// GetActor returns the policy learned so far. The returned policy
// shares weights with the agent's actor, so training updates are
// reflected in its action selection.
func (s *SAC) GetActor() agent.Policy {
	if s.greedyActor == nil {
		g := G.NewGraph()
		actor, err := policy.NewSquashedGaussianMLP(s.obsSpec,
			s.actionSpec, 1, g, nil, s.config.ActorLayers,
			s.config.ActorBiases, s.config.ActorActivations,
			s.config.InitWFn.InitWFn(), s.seed+2)
		if err != nil {
			panic(fmt.Sprintf("getActor: could not create actor: %v",
				err))
		}
		err = network.Share(actor.Network(), s.actor.Network())
		if err != nil {
			panic(fmt.Sprintf("getActor: could not share actor "+
				"weights: %v", err))
		}
		s.greedyActor = actor
	}
	return s.greedyActor
}

// EntropyCoef returns the current value of the agent's entropy
// regularization coefficient
func (s *SAC) EntropyCoef() float64 {
	return s.entropyCoef.Coefficient()
}
