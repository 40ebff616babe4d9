// Package environment describes the observation and action spaces
// that agents are constructed over
package environment

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// SpecType determines what kind of specification a Spec is. A Spec can
// specify the layout of an action, an observation, a discount, or a reward
type SpecType int

const (
	Action SpecType = iota
	Observation
	Discount
	Reward
)

// Cardinality determines the cardinality of a number (discrete or continuous)
type Cardinality string

const (
	Continuous Cardinality = "Continuous"
	Discrete   Cardinality = "Discrete"
)

// Spec implements an environment specification, which tells the type,
// shape, and bounds of an action, observation, discount, or reward in
// an environment
type Spec struct {
	Shape      mat.Vector
	Type       SpecType
	LowerBound mat.Vector
	UpperBound mat.Vector
	Cardinality
}

// NewSpec constructs a new environment specification
// The shape argument outlines the shape of the data described by the
// specification. The argument t outlines what the specification is
// describing (e.g. actions, observations, etc.). The cardinality
// arguments describes whether the values that the spec describes are
// continuous or discrete.
func NewSpec(shape mat.Vector, t SpecType, lowerBound,
	upperBound mat.Vector, cardinality Cardinality) Spec {
	if shape.Len() != lowerBound.Len() {
		panic(fmt.Sprintf("shape length %v must match lower bounds length %v",
			shape.Len(), lowerBound.Len()))
	}
	if shape.Len() != upperBound.Len() {
		panic(fmt.Sprintf("shape length %v must match upper bounds length %v",
			shape.Len(), upperBound.Len()))
	}
	return Spec{shape, t, lowerBound, upperBound, cardinality}
}

// Dims returns the dimensionality of the flat vectors the Spec
// describes, e.g. the number of action dimensions for an action Spec.
func (s Spec) Dims() int {
	return s.Shape.Len()
}

// Scale returns the per-dimension half-width of the bounded interval
// the Spec describes: (upper - lower) / 2.
func (s Spec) Scale() []float64 {
	scale := make([]float64, s.Dims())
	for i := range scale {
		scale[i] = (s.UpperBound.AtVec(i) - s.LowerBound.AtVec(i)) / 2.0
	}
	return scale
}

// Midpoint returns the per-dimension centre of the bounded interval
// the Spec describes: (upper + lower) / 2.
func (s Spec) Midpoint() []float64 {
	mid := make([]float64, s.Dims())
	for i := range mid {
		mid[i] = (s.UpperBound.AtVec(i) + s.LowerBound.AtVec(i)) / 2.0
	}
	return mid
}
