package timestep

import "testing"

func TestNewBatch(t *testing.T) {
	obs := []float64{1, 2, 3, 4}
	actions := []float64{0.5, -0.5}
	rewards := []float64{1, 0}
	nextObs := []float64{5, 6, 7, 8}
	dones := []float64{0, 1}

	b, err := NewBatch(2, 1, obs, actions, rewards, nextObs, dones)
	if err != nil {
		t.Fatalf("could not create batch: %v", err)
	}
	if b.Size() != 2 {
		t.Errorf("wrong batch size \n\twant(2) \n\thave(%v)", b.Size())
	}
}

func TestNewBatchInvalidLengths(t *testing.T) {
	obs := []float64{1, 2, 3, 4}
	actions := []float64{0.5, -0.5}
	rewards := []float64{1, 0}
	nextObs := []float64{5, 6, 7} // One element short
	dones := []float64{0, 1}

	_, err := NewBatch(2, 1, obs, actions, rewards, nextObs, dones)
	if err == nil {
		t.Error("expected error for mismatched next observations")
	}

	_, err = NewBatch(2, 1, obs, actions, []float64{1}, obs, dones)
	if err == nil {
		t.Error("expected error for mismatched rewards")
	}
}

func TestNewBatchInvalidDones(t *testing.T) {
	obs := []float64{1, 2, 3, 4}
	actions := []float64{0.5, -0.5}
	rewards := []float64{1, 0}
	dones := []float64{0, 0.5}

	_, err := NewBatch(2, 1, obs, actions, rewards, obs, dones)
	if err == nil {
		t.Error("expected error for done flag outside {0, 1}")
	}
}
