package agent

import "github.com/samuelfneumann/gosac/environment"

// Config represents a configuration of an agent. Configs can be
// serialized to and from JSON, so that experiments can be described
// fully by configuration files.
type Config interface {
	// CreateAgent returns the agent that the Config describes,
	// constructed for environments with the given observation and
	// action specifications.
	CreateAgent(obsSpec, actionSpec environment.Spec,
		seed uint64) (Trainer, error)

	// ValidAgent returns whether the argument agent is valid for the
	// Config. E.g. a SAC config can create a SAC agent but not a
	// REDQ agent.
	ValidAgent(a Trainer) bool

	// Validate returns an error describing whether the Config is
	// valid or not
	Validate() error
}
