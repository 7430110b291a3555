package engine

import "fmt"

// ValidationError rejects a request before anything is mutated.
type ValidationError struct {
	ExpectationID string
	Role          Role
	Reason        string
}

func (e ValidationError) Error() string {
	if e.ExpectationID == "" {
		return e.Reason
	}
	if e.Role != "" {
		return fmt.Sprintf("expectation %s (%s): %s", e.ExpectationID, e.Role, e.Reason)
	}
	return fmt.Sprintf("expectation %s: %s", e.ExpectationID, e.Reason)
}

// NotPermittedAtLevel reports a write aimed at a record whose score is derived
// from its children.
func (e ValidationError) NotPermittedAtLevel() bool {
	return e.Reason == reasonNotPermitted
}

const reasonNotPermitted = "not permitted at this level; record the result on the agent or agentless asset"

// IntegrityError marks a record whose target keys cannot be placed in the hierarchy.
type IntegrityError struct {
	ExpectationID string
	InjectID      string
	Reason        string
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("integrity fault on expectation %s (inject %s): %s", e.ExpectationID, e.InjectID, e.Reason)
}
