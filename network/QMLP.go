package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// qMLP implements an action-value network for continuous actions. The
// network takes batches of state observations and batches of actions
// and predicts the value of taking each action in the corresponding
// state. State observations and actions are concatenated and passed
// through an MLP with a single output, so that the prediction has
// shape (batch, 1).
type qMLP struct {
	NeuralNet

	obs        *G.Node
	actions    *G.Node
	ownsInputs bool
	actionDims int
}

// NewQMLP returns a new action-value network on the graph g. If the
// obs and actions nodes are non-nil, they are used as the inputs to
// the network, in which case SetInput and SetActions return an error
// and whatever computes those nodes is responsible for feeding them.
// This is needed when the value of a policy's sampled actions should
// be computed on the policy's graph. If obs and actions are nil, the
// network creates and owns its input nodes.
func NewQMLP(features, actionDims, batch int, g *G.ExprGraph,
	obs, actions *G.Node, hiddenSizes []int, biases []bool,
	activations []*Activation, init G.InitWFn,
	prefix string) (NeuralNet, error) {
	if (obs == nil) != (actions == nil) {
		return nil, fmt.Errorf("newqmlp: obs and actions nodes must " +
			"be given together")
	}

	ownsInputs := obs == nil
	if ownsInputs {
		obs = G.NewMatrix(g, tensor.Float64,
			G.WithShape(batch, features),
			G.WithName(prefix+"Observations"), G.WithInit(G.Zeroes()))
		actions = G.NewMatrix(g, tensor.Float64,
			G.WithShape(batch, actionDims),
			G.WithName(prefix+"Actions"), G.WithInit(G.Zeroes()))
	} else {
		if obs.Shape()[0] != actions.Shape()[0] {
			msg := "newqmlp: obs and actions have different batch " +
				"sizes\n\tobs(%v)\n\tactions(%v)"
			return nil, fmt.Errorf(msg, obs.Shape()[0],
				actions.Shape()[0])
		}
		batch = obs.Shape()[0]
		features = obs.Shape()[1]
		actionDims = actions.Shape()[1]
	}

	input, err := G.Concat(1, obs, actions)
	if err != nil {
		return nil, fmt.Errorf("newqmlp: could not concatenate "+
			"observations and actions: %v", err)
	}

	net, err := NewMLPFromInput(input, 1, g, hiddenSizes, biases, init,
		activations, prefix)
	if err != nil {
		return nil, fmt.Errorf("newqmlp: %v", err)
	}

	return &qMLP{
		NeuralNet:  net,
		obs:        obs,
		actions:    actions,
		ownsInputs: ownsInputs,
		actionDims: actionDims,
	}, nil
}

// Features returns the number of features in a single observation
// vector fed to the network.
func (q *qMLP) Features() int {
	return q.obs.Shape()[1]
}

// SetInput sets the observations at which action values are predicted
func (q *qMLP) SetInput(obs []float64) error {
	return q.set(q.obs, obs, "setinput")
}

// SetActions sets the actions whose values are predicted
func (q *qMLP) SetActions(actions []float64) error {
	return q.set(q.actions, actions, "setactions")
}

func (q *qMLP) set(node *G.Node, data []float64, op string) error {
	if !q.ownsInputs {
		return fmt.Errorf("%v: network computes its inputs from other "+
			"nodes of the graph", op)
	}
	if len(data) != node.Shape().TotalSize() {
		return fmt.Errorf("%v: invalid number of inputs"+
			"\n\twant(%v) \n\thave(%v)", op, node.Shape().TotalSize(),
			len(data))
	}
	t := tensor.New(
		tensor.WithBacking(data),
		tensor.WithShape(node.Shape()...),
	)
	return G.Let(node, t)
}
