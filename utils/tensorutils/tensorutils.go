// Package tensorutils provides utilities for working with tensors and
// tensor-backed Gorgonia values
package tensorutils

import (
	G "gorgonia.org/gorgonia"
)

// Slice implements a struct that can be used for slicing tensors.
//
// Given a tensor T and a Slice S, T.Slice(..., S, ...) is equivalent to
// T[..., S.start:S.end:S.step, ...]
type Slice struct {
	start, end, step int
}

// Start returns the start index for the tensor slice
func (s Slice) Start() int {
	return s.start
}

// End returns the ending index for the tensor slice
func (s Slice) End() int {
	return s.end
}

// Step returns the step for the tensor slice
func (s Slice) Step() int {
	return s.step
}

// NewSlice returns a new Slice that can be used to slice tensors
func NewSlice(start, stop, step int) Slice {
	return Slice{start, stop, step}
}

// F64 extracts a single float64 from a Gorgonia value. The value may
// be either a scalar, such as the output of a Mean node, or a
// length-1 tensor. Any other value panics.
func F64(v G.Value) float64 {
	switch data := v.Data().(type) {
	case float64:
		return data
	case []float64:
		if len(data) != 1 {
			panic("f64: value holds more than a single float64")
		}
		return data[0]
	default:
		panic("f64: value is not float64-backed")
	}
}

// F64s extracts the backing data of a float64 tensor value as a
// slice. Scalar values are returned as a length-1 slice.
func F64s(v G.Value) []float64 {
	switch data := v.Data().(type) {
	case float64:
		return []float64{data}
	case []float64:
		return data
	default:
		panic("f64s: value is not float64-backed")
	}
}
