package timestep

import (
	"fmt"
)

// Batch holds a batch of recorded transitions (observation, action,
// reward, next observation, done flag) for training. Observations and
// actions are stored flattened in row-major order: row i of the batch
// occupies Obs[i*obsDims : (i+1)*obsDims] and
// Actions[i*actionDims : (i+1)*actionDims]. Rewards and Dones hold one
// value per row, and Dones values are restricted to {0, 1}.
type Batch struct {
	Obs     []float64
	Actions []float64
	Rewards []float64
	NextObs []float64
	Dones   []float64

	obsDims    int
	actionDims int
}

// NewBatch constructs and validates a Batch. The number of rows is
// inferred from Rewards; every field must agree with it.
func NewBatch(obsDims, actionDims int, obs, actions, rewards, nextObs,
	dones []float64) (Batch, error) {
	b := Batch{
		Obs:        obs,
		Actions:    actions,
		Rewards:    rewards,
		NextObs:    nextObs,
		Dones:      dones,
		obsDims:    obsDims,
		actionDims: actionDims,
	}
	if err := b.Validate(obsDims, actionDims); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// Size returns the number of rows in the batch
func (b Batch) Size() int {
	return len(b.Rewards)
}

// Validate checks that every field of the batch shares the same
// leading dimension given the argument observation and action
// dimensionalities, and that done flags are binary.
func (b Batch) Validate(obsDims, actionDims int) error {
	rows := b.Size()
	if rows == 0 {
		return fmt.Errorf("validate: batch is empty")
	}
	if len(b.Obs) != rows*obsDims {
		return fmt.Errorf("validate: invalid observation length "+
			"\n\twant(%v) \n\thave(%v)", rows*obsDims, len(b.Obs))
	}
	if len(b.NextObs) != rows*obsDims {
		return fmt.Errorf("validate: invalid next observation length "+
			"\n\twant(%v) \n\thave(%v)", rows*obsDims, len(b.NextObs))
	}
	if len(b.Actions) != rows*actionDims {
		return fmt.Errorf("validate: invalid action length "+
			"\n\twant(%v) \n\thave(%v)", rows*actionDims, len(b.Actions))
	}
	if len(b.Dones) != rows {
		return fmt.Errorf("validate: invalid done flag length "+
			"\n\twant(%v) \n\thave(%v)", rows, len(b.Dones))
	}
	for i, d := range b.Dones {
		if d != 0.0 && d != 1.0 {
			return fmt.Errorf("validate: done flag at index %v is %v, "+
				"must be 0 or 1", i, d)
		}
	}
	return nil
}
