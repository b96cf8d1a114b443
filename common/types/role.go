package types

import "fmt"

const (
	// ActorRole workers hold the trainable policy and run its gradient steps.
	ActorRole Role = "actor"

	// CriticRole workers hold the value model used to estimate per-sample values.
	CriticRole Role = "critic"

	// ReferenceRole workers hold a frozen copy of the initial policy, used to compute
	// reference log-probabilities for KL regularization.
	ReferenceRole Role = "reference"

	// RewardModelRole workers score generated responses with per-sample scalar rewards.
	RewardModelRole Role = "reward_model"

	// RolloutRole workers host the generation engine that produces token sequences
	// (and their log-probabilities) from the current policy.
	RolloutRole Role = "rollout"
)

// Role tags a worker group with the model role it implements. The roles share the same
// group/dispatch machinery; each role differs only in the method set its engine serves.
type Role string

func (r Role) String() string {
	return string(r)
}

// Valid returns true if the Role is one of the known role tags.
func (r Role) Valid() bool {
	switch r {
	case ActorRole, CriticRole, ReferenceRole, RewardModelRole, RolloutRole:
		return true
	default:
		return false
	}
}

// AllRoles returns the known role tags in a fixed order.
func AllRoles() []Role {
	return []Role{ActorRole, CriticRole, ReferenceRole, RewardModelRole, RolloutRole}
}

// ErrUnknownRole is returned when a Role fails validation.
type ErrUnknownRole struct {
	Role Role
}

func (e ErrUnknownRole) Error() string {
	return fmt.Sprintf("unknown worker role: \"%s\"", e.Role)
}
