// Package verification derives the KYC onboarding stepper state shown next
// to a client in the admin console. The status of each step is a pure
// function of which steps the client has completed.
package verification

import "github.com/mylb/messaging/internal/directory"

// StepStatus is the display state of one onboarding step.
type StepStatus int

const (
	// StatusValidated marks a step the client has completed.
	StatusValidated StepStatus = iota
	// StatusNext marks the first incomplete step, the one the client should
	// do now.
	StatusNext
	// StatusBlocked marks a step that cannot start until earlier steps are
	// done.
	StatusBlocked
)

// String returns the wire label for the status.
func (s StepStatus) String() string {
	switch s {
	case StatusValidated:
		return "validated"
	case StatusNext:
		return "next"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes the status as its string label.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Step is one row of the stepper as rendered by the console.
type Step struct {
	Name      string     `json:"name"`
	Completed bool       `json:"completed"`
	Status    StepStatus `json:"status"`
}

// Step names in onboarding order.
var stepNames = []string{"email", "identity", "phone"}

// DeriveStatus maps completion flags to per-step statuses. Completed steps
// are validated, the first incomplete step is next, and everything after it
// is blocked. The result always has the same length as the input.
func DeriveStatus(completed []bool) []StepStatus {
	statuses := make([]StepStatus, len(completed))
	nextSeen := false
	for i, done := range completed {
		switch {
		case done:
			statuses[i] = StatusValidated
		case !nextSeen:
			statuses[i] = StatusNext
			nextSeen = true
		default:
			statuses[i] = StatusBlocked
		}
	}
	return statuses
}

// StepsFor builds the full stepper for a directory user.
func StepsFor(u directory.User) []Step {
	completed := []bool{u.EmailVerified, u.IdentityVerified, u.PhoneVerified}
	statuses := DeriveStatus(completed)

	steps := make([]Step, len(stepNames))
	for i, name := range stepNames {
		steps[i] = Step{Name: name, Completed: completed[i], Status: statuses[i]}
	}
	return steps
}

// Complete reports whether every onboarding step is validated.
func Complete(steps []Step) bool {
	for _, s := range steps {
		if s.Status != StatusValidated {
			return false
		}
	}
	return true
}
