package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// mlp implements a multi-layered perceptron with a single output
// matrix of shape (batch, outputs).
type mlp struct {
	g          *G.ExprGraph
	layers     []Layer
	input      *G.Node
	ownsInput  bool
	numOutputs int
	numInputs  int
	batchSize  int

	learnables G.Nodes
	model      []G.ValueGrad

	prediction *G.Node
	predVal    G.Value
}

// NewMLP creates and returns a new multi-layered perceptron mapping
// batches of feature vectors to batches of outputs predictions. The
// graph parameter g is populated with the MLP, including a zeroed
// input node that is set with SetInput before each forward pass.
//
// The MLP has len(hiddenSizes) + 1 layers: a final linear layer with a
// bias unit and no activation is always appended so that the network
// predicts exactly outputs values. For index i, hiddenSizes[i] is the
// number of nodes in hidden layer i; biases[i] is true if that layer
// has a bias unit; activations[i] is its activation function. The
// init parameter determines the weight initialization scheme and
// prefix namespaces the weight nodes within g.
func NewMLP(features, batch, outputs int, g *G.ExprGraph,
	hiddenSizes []int, biases []bool, init G.InitWFn,
	activations []*Activation, prefix string) (NeuralNet, error) {

	input := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, features),
		G.WithName(prefix+"Input"), G.WithInit(G.Zeroes()))

	net, err := NewMLPFromInput(input, outputs, g, hiddenSizes, biases,
		init, activations, prefix)
	if err != nil {
		return nil, err
	}
	net.(*mlp).ownsInput = true
	return net, nil
}

// NewMLPFromInput returns a new MLP whose input is an existing node of
// the graph g, which may itself be the output of other operations,
// e.g. the sampled actions of a policy network on the same graph. The
// returned network does not own its input node, so SetInput results
// in an error; whatever computes the input node is responsible for
// feeding it.
func NewMLPFromInput(input *G.Node, outputs int, g *G.ExprGraph,
	hiddenSizes []int, biases []bool, init G.InitWFn,
	activations []*Activation, prefix string) (NeuralNet, error) {
	// Ensure we have one activation and one bias flag per layer
	if len(hiddenSizes) != len(activations) {
		msg := "newmlpfrominput: invalid number of activations" +
			"\n\twant(%d)\n\thave(%d)"
		return nil, fmt.Errorf(msg, len(hiddenSizes), len(activations))
	}
	if len(hiddenSizes) != len(biases) {
		msg := "newmlpfrominput: invalid number of biases\n\twant(%d)" +
			"\n\thave(%d)"
		return nil, fmt.Errorf(msg, len(hiddenSizes), len(biases))
	}
	if input.Graph() != g {
		return nil, fmt.Errorf("newmlpfrominput: input node not on the " +
			"argument graph")
	}
	if !input.IsMatrix() {
		return nil, fmt.Errorf("newmlpfrominput: input must be a matrix")
	}

	batch := input.Shape()[0]
	features := input.Shape()[1]

	// Add a final linear layer with a bias and no activation so that
	// the network predicts exactly outputs values
	hiddenSizes = append(append([]int{}, hiddenSizes...), outputs)
	biases = append(append([]bool{}, biases...), true)
	activations = append(append([]*Activation{}, activations...),
		Identity())

	layers := addfcLayers(g, hiddenSizes, biases, activations, init,
		features, prefix, "")

	network := &mlp{
		g:          g,
		layers:     layers,
		input:      input,
		numOutputs: outputs,
		numInputs:  features,
		batchSize:  batch,
	}
	if _, err := network.fwd(input); err != nil {
		return nil, fmt.Errorf("newmlpfrominput: could not compute "+
			"forward pass: %v", err)
	}

	return network, nil
}

// Graph returns the computational graph of the mlp
func (e *mlp) Graph() *G.ExprGraph {
	return e.g
}

// BatchSize returns the batch size of inputs to the network
func (e *mlp) BatchSize() int {
	return e.batchSize
}

// Features returns the number of features in a single input vector
func (e *mlp) Features() int {
	return e.numInputs
}

// Outputs returns the number of outputs from the network
func (e *mlp) Outputs() int {
	return e.numOutputs
}

// SetInput sets the value of the input node before running the
// forward pass.
func (e *mlp) SetInput(input []float64) error {
	if !e.ownsInput {
		return fmt.Errorf("setinput: network computes its input from " +
			"other nodes of the graph")
	}
	if len(input) != e.numInputs*e.batchSize {
		return fmt.Errorf("setinput: invalid number of inputs"+
			"\n\twant(%v) \n\thave(%v)", e.numInputs*e.batchSize,
			len(input))
	}
	inputTensor := tensor.New(
		tensor.WithBacking(input),
		tensor.WithShape(e.input.Shape()...),
	)
	return G.Let(e.input, inputTensor)
}

// Learnables returns the learnable nodes in the mlp
func (e *mlp) Learnables() G.Nodes {
	// Lazy instantiation
	if e.learnables == nil {
		e.learnables = learnablesOf(e.layers)
	}
	return e.learnables
}

// Model returns the learnable nodes with their gradients.
func (e *mlp) Model() []G.ValueGrad {
	// Lazy instantiation
	if e.model == nil {
		e.model = modelOf(e.Learnables())
	}
	return e.model
}

// fwd performs the forward pass of the mlp on the input node
func (e *mlp) fwd(input *G.Node) (*G.Node, error) {
	pred := input
	var err error
	for i, l := range e.layers {
		if pred, err = l.fwd(pred); err != nil {
			msg := "fwd: could not compute forward pass of layer %v: %v"
			return nil, fmt.Errorf(msg, i, err)
		}
	}

	e.prediction = pred
	G.Read(e.prediction, &e.predVal)

	return pred, nil
}

// Output returns the output of the mlp after a forward pass
func (e *mlp) Output() []G.Value {
	return []G.Value{e.predVal}
}

// Prediction returns the node of the computational graph that stores
// the output of the mlp
func (e *mlp) Prediction() []*G.Node {
	return []*G.Node{e.prediction}
}

// learnablesOf collects the weight and bias nodes of layers
func learnablesOf(layers []Layer) G.Nodes {
	learnables := make([]*G.Node, 0, 2*len(layers))
	for i := range layers {
		learnables = append(learnables, layers[i].Weights())
		if bias := layers[i].Bias(); bias != nil {
			learnables = append(learnables, bias)
		}
	}
	return G.Nodes(learnables)
}

// modelOf wraps learnable nodes as ValueGrads for a solver
func modelOf(learnables G.Nodes) []G.ValueGrad {
	model := make([]G.ValueGrad, 0, len(learnables))
	for _, node := range learnables {
		model = append(model, node)
	}
	return model
}
