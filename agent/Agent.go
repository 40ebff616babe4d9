// Package agent defines the interfaces satisfied by reinforcement
// learning agents that are trained offline from batches of transitions.
package agent

import (
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gosac/timestep"
)

// Policy represents a policy that an agent can follow when interacting
// with its environment. A Policy may be in one of two modes: training
// or evaluation. Policies in training mode may include exploration
// noise in their action selection, while policies in evaluation mode
// select the action they deem best.
type Policy interface {
	SelectAction(t timestep.TimeStep) *mat.VecDense

	Eval()        // Set the policy to evaluation mode
	Train()       // Set the policy to training mode
	IsEval() bool // Whether the policy is in evaluation mode
}

// Trainer implements sample-efficient training of a Policy from
// batches of environment transitions. Batches are sampled by the
// caller, e.g. from an experience replay buffer, and fed to Train one
// at a time.
type Trainer interface {
	// Train performs a single training update on a batch of
	// transitions, returning diagnostics computed during the update.
	Train(b timestep.Batch) (Diagnostics, error)

	// GetActor returns the policy learned so far. The returned policy
	// shares weights with the Trainer, so later calls to Train are
	// reflected in its action selection.
	GetActor() Policy
}
