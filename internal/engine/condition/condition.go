// Package condition implements the pluggable condition state machines that
// gate actions. Each type is pure over its persisted state: Status and
// Closed recompute from state plus the caller's clock, so time-based
// conditions flip without any background process touching them.
package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusWaiting  Status = "waiting"
)

// Condition is one gating state machine attached to an action.
type Condition interface {
	Type() string
	// Status reports the decision as of now. Waiting means undecided.
	Status(now time.Time) Status
	// Closed reports whether further responses are accepted.
	Closed(now time.Time) bool
	// ApplyResponse records one eligible actor's response. Eligibility
	// against the responder group is the caller's job; the condition
	// enforces its own rules (terminal state, duplicates, self-approval).
	ApplyResponse(actor, response string, now time.Time) error
	ResponseOptions() []string
	Describe() string
}

// Env carries everything a condition needs at creation time beyond its own
// configuration.
type Env struct {
	ActionActorID string
	Participants  []string
	StartedAt     time.Time
	Defaults      Defaults
}

// Defaults supplies engine-level fallbacks for time-based settings left out
// of a condition's configuration.
type Defaults struct {
	VotingPeriodHours     float64
	ConsensusMinimumHours float64
}

type factory struct {
	create func(cfg map[string]any, env Env) (Condition, error)
	decode func(state []byte) (Condition, error)
}

var registry = map[string]factory{}

func register(typ string, create func(cfg map[string]any, env Env) (Condition, error), decode func(state []byte) (Condition, error)) {
	registry[typ] = factory{create: create, decode: decode}
}

// Known reports whether a condition type is registered.
func Known(typ string) bool {
	_, ok := registry[typ]
	return ok
}

// New builds a fresh condition of the given type from its configuration.
func New(typ string, cfg map[string]any, env Env) (Condition, error) {
	f, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("unknown condition type %q", typ)
	}
	return f.create(cfg, env)
}

// Decode rehydrates a persisted condition from its state JSON.
func Decode(typ string, state []byte) (Condition, error) {
	f, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("unknown condition type %q", typ)
	}
	return f.decode(state)
}

// EncodeState serializes a condition for persistence.
func EncodeState(c Condition) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode %s state: %w", c.Type(), err)
	}
	return string(b), nil
}

// decodeConfig maps a loose configuration object onto a typed config struct
// via a JSON round trip, rejecting unknown keys.
func decodeConfig(cfg map[string]any, dst any) error {
	if len(cfg) == 0 {
		return nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
