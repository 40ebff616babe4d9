package network

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func newConstNet(t *testing.T, c float64) NeuralNet {
	t.Helper()
	net, err := NewMLP(2, 1, 1, G.NewGraph(), []int{3}, []bool{true},
		G.ValuesOf(c), []*Activation{ReLU()}, "")
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}
	return net
}

// TestPolyak verifies the target network update
//
//	dest := polyak * dest + (1 - polyak) * source
//
// at the boundary values of polyak and at an intermediate value.
func TestPolyak(t *testing.T) {
	for _, polyak := range []float64{0.0, 0.5, 1.0} {
		dest := newConstNet(t, 1.0)
		source := newConstNet(t, 0.0)

		if err := Polyak(dest, source, polyak); err != nil {
			t.Fatalf("could not update weights: %v", err)
		}

		for _, learnable := range dest.Learnables() {
			weights := learnable.Value().Data().([]float64)
			for _, w := range weights {
				if math.Abs(w-polyak) > 1e-12 {
					t.Errorf("wrong weight for polyak %v \n\twant(%v) "+
						"\n\thave(%v)", polyak, polyak, w)
				}
			}
		}
	}
}

// TestSet verifies that Set copies the source weights into
// independent storage.
func TestSet(t *testing.T) {
	dest := newConstNet(t, 1.0)
	source := newConstNet(t, 0.25)

	if err := Set(dest, source); err != nil {
		t.Fatalf("could not set weights: %v", err)
	}

	srcLearnables := source.Learnables()
	for i, learnable := range dest.Learnables() {
		weights := learnable.Value().Data().([]float64)
		for _, w := range weights {
			if w != 0.25 {
				t.Errorf("wrong weight \n\twant(0.25) \n\thave(%v)", w)
			}
		}
		if learnable.Value().(*tensor.Dense) ==
			srcLearnables[i].Value().(*tensor.Dense) {
			t.Error("set should copy weights, not alias them")
		}
	}
}

// TestShare verifies that Share aliases the source weight storage, so
// that updates to the source are visible through the destination.
func TestShare(t *testing.T) {
	dest := newConstNet(t, 1.0)
	source := newConstNet(t, 0.25)

	if err := Share(dest, source); err != nil {
		t.Fatalf("could not share weights: %v", err)
	}

	srcLearnables := source.Learnables()
	for i, learnable := range dest.Learnables() {
		if learnable.Value().(*tensor.Dense) !=
			srcLearnables[i].Value().(*tensor.Dense) {
			t.Error("share should alias weights, not copy them")
		}
	}
}
