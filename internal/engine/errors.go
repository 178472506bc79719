package engine

import "fmt"

// ValidationError reports malformed input: unknown change types, bad
// parameters, missing fields. It never marks an action rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports governance structure that cannot be evaluated,
// such as a conditioned permission with no responder group.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return e.Reason }

// CycleError reports a permission lookup that revisited an entity, or a
// condition retry chain that exceeded the configured depth.
type CycleError struct {
	Reason string
}

func (e *CycleError) Error() string { return e.Reason }
