package condition

import "fmt"

// TerminalStateError is returned when a response arrives after a condition
// has stopped accepting them.
type TerminalStateError struct {
	Type string
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("%s condition is closed and no longer accepts responses", e.Type)
}

// AuthorizationError is returned when an actor is not allowed to submit the
// response they attempted.
type AuthorizationError struct {
	Actor  string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s: %s", e.Actor, e.Reason)
}

// InvalidResponseError is returned for responses outside a condition's
// accepted options or submitted at the wrong time.
type InvalidResponseError struct {
	Response string
	Reason   string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid response %q: %s", e.Response, e.Reason)
}
