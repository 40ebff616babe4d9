package agent

// Keys at which trainers record diagnostics of a training update
const (
	LossActor       string = "loss_actor"
	LossCritic      string = "loss_critic"
	LossEntropyCoef string = "loss_entropy_coef"
	EntropyCoef     string = "entropy_coef"
)

// Diagnostics holds scalar values computed during a training update,
// keyed by name. Which keys are present depends on the Trainer.
type Diagnostics map[string]float64
