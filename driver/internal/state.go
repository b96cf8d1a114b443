package internal

import (
	"errors"
	"fmt"

	"github.com/OpenBMB/RLPR/common/types"
)

const (
	// AwaitingBatch means the controller is waiting for the data loader to produce the
	// next prompt batch.
	AwaitingBatch State = "AWAITING_BATCH"

	// Generating means the rollout group is producing responses for the current batch.
	Generating State = "GENERATING"

	// Scoring means reward, reference, and critic evaluations are running over the
	// generated trajectories.
	Scoring State = "SCORING"

	// ComputingAdvantages means the controller is shaping rewards and estimating
	// advantages locally.
	ComputingAdvantages State = "COMPUTING_ADVANTAGES"

	// Updating means gradient updates are being applied to the critic and actor groups.
	Updating State = "UPDATING"

	// Synced means the step committed: updates applied and, per the configured policy,
	// rollout weights refreshed from the actor.
	Synced State = "SYNCED"

	// Aborted means the run failed permanently and all resources have been released.
	Aborted State = "ABORTED"
)

// State identifies where the controller currently is within a training step.
type State string

func (s State) String() string {
	return string(s)
}

var (
	ErrControllerAborted   = errors.New("training controller has aborted")
	ErrNotProvisioned      = errors.New("worker groups have not been provisioned")
	ErrAlreadyProvisioned  = errors.New("worker groups have already been provisioned")
	ErrUnknownEstimator    = errors.New("unknown advantage estimator")
	ErrUnknownStorage      = errors.New("unknown remote storage type")
	ErrStepRetriesExceeded = errors.New("exhausted the configured number of step retries")
)

// StepError indicates that a training step failed, identifying the state in which the
// failure surfaced and, when the failure came from a worker group, the role involved.
type StepError struct {
	// State is the controller state in which the step failed.
	State State

	// Role is the worker group role whose invocation failed, or empty when the failure
	// was local to the controller.
	Role types.Role

	// Cause is the underlying error.
	Cause error
}

func NewStepError(state State, role types.Role, cause error) *StepError {
	return &StepError{
		State: state,
		Role:  role,
		Cause: cause,
	}
}

func (e *StepError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("training step failed in state %s (role \"%s\"): %v", e.State, e.Role, e.Cause)
	}

	return fmt.Sprintf("training step failed in state %s: %v", e.State, e.Cause)
}

func (e *StepError) String() string {
	return e.Error()
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

func (e *StepError) Is(other error) bool {
	var stepError *StepError
	if !errors.As(other, &stepError) {
		return false
	}

	return stepError.State == e.State && stepError.Role == e.Role
}
