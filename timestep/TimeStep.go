// Package timestep implements timesteps of the agent-environment
// interaction as well as batches of recorded transitions
package timestep

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StepType denotes where in an episode a TimeStep falls: the first
// step, a middle step, or the last step.
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "First"
	case Last:
		return "Last"
	default:
		return "Mid"
	}
}

// TimeStep holds everything an agent observes on a single step of
// environment interaction.
type TimeStep struct {
	stepType    StepType
	Reward      float64
	Discount    float64
	Observation mat.Vector
	Number      int
}

func New(t StepType, r, d float64, o mat.Vector, n int) TimeStep {
	return TimeStep{t, r, d, o, n}
}

// First returns whether the TimeStep starts an episode
func (t *TimeStep) First() bool {
	return t.stepType == First
}

// Mid returns whether the TimeStep is a middle step of an episode
func (t *TimeStep) Mid() bool {
	return t.stepType == Mid
}

// Last returns whether the TimeStep ends an episode
func (t *TimeStep) Last() bool {
	return t.stepType == Last
}

func (t TimeStep) String() string {
	str := "TimeStep | Type: %v  |  Reward:  %.2f  |  Discount: %.2f  |  " +
		"Step Number:  %v"

	return fmt.Sprintf(str, t.stepType, t.Reward, t.Discount, t.Number)
}
