// Package network implements the neural network function
// approximators that actors and critics are parameterized by
package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// NeuralNet is the narrow interface through which training algorithms
// consume function approximators. Implementations own a set of
// learnable weight nodes on some computational graph; training
// algorithms enumerate those weights for optimization, value copying,
// and polyak averaging, but never look inside the architecture.
type NeuralNet interface {
	// Graph returns the computational graph the network is built on
	Graph() *G.ExprGraph

	// BatchSize returns the batch size of inputs to the network
	BatchSize() int

	// Features returns the number of features in a single
	// observation vector that the network takes as input
	Features() int

	// SetInput sets the value of the network's input node(s) before
	// a forward pass
	SetInput([]float64) error

	// Learnables returns the learnable nodes of the network
	Learnables() G.Nodes

	// Model returns the learnable nodes with their gradients, for
	// use with a Gorgonia solver
	Model() []G.ValueGrad

	// Output returns the value(s) of the network's prediction
	// node(s) after a forward pass
	Output() []G.Value

	// Prediction returns the node(s) of the computational graph that
	// store the network's predictions
	Prediction() []*G.Node
}

// Set sets the weights of dest to be equal to the weights of source.
// The copied values are clones, so dest and source remain fully
// independent afterwards.
func Set(dest, source NeuralNet) error {
	sourceNodes := source.Learnables()
	nodes := dest.Learnables()
	if len(sourceNodes) != len(nodes) {
		return fmt.Errorf("set: networks have different numbers of "+
			"learnables \n\twant(%v) \n\thave(%v)", len(nodes),
			len(sourceNodes))
	}
	for i, destLearnable := range nodes {
		sourceLearnable := sourceNodes[i].Clone()
		err := G.Let(destLearnable, sourceLearnable.(*G.Node).Value())
		if err != nil {
			return err
		}
	}
	return nil
}

// Share binds the weight nodes of dest to the same underlying tensors
// as the weights of source. After sharing, any in-place update to
// source's weights (e.g. a solver step) is immediately visible
// through dest, but dest carries no gradient information of its own:
// it is a gradient-free view of source's parameters.
func Share(dest, source NeuralNet) error {
	sourceNodes := source.Learnables()
	nodes := dest.Learnables()
	if len(sourceNodes) != len(nodes) {
		return fmt.Errorf("share: networks have different numbers of "+
			"learnables \n\twant(%v) \n\thave(%v)", len(nodes),
			len(sourceNodes))
	}
	for i, destLearnable := range nodes {
		err := G.Let(destLearnable, sourceNodes[i].Value())
		if err != nil {
			return err
		}
	}
	return nil
}

// Polyak sets the weights of dest to an exponential average between
// its existing weights and the weights of source:
//
//	dest ← polyak*dest + (1-polyak)*source
//
// With polyak == 1 dest is unchanged; with polyak == 0 dest becomes a
// copy of source.
func Polyak(dest, source NeuralNet, polyak float64) error {
	sourceNodes := source.Learnables()
	nodes := dest.Learnables()
	if len(sourceNodes) != len(nodes) {
		return fmt.Errorf("polyak: networks have different numbers of "+
			"learnables \n\twant(%v) \n\thave(%v)", len(nodes),
			len(sourceNodes))
	}
	for i := range nodes {
		weights := nodes[i].Value().(*tensor.Dense)
		sourceWeights := sourceNodes[i].Value().(*tensor.Dense)

		weights, err := weights.MulScalar(polyak, true)
		if err != nil {
			return err
		}

		sourceWeights, err = sourceWeights.MulScalar(1-polyak, true)
		if err != nil {
			return err
		}

		newWeights, err := weights.Add(sourceWeights)
		if err != nil {
			return err
		}

		if err := G.Let(nodes[i], newWeights); err != nil {
			return err
		}
	}
	return nil
}
