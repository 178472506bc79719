package condition

import (
	"encoding/json"
	"fmt"
	"time"
)

const TypeConsensus = "consensus"

// Consensus responses. Responders may change their response until the
// condition is explicitly resolved.
const (
	ConsensusSupport      = "support"
	ConsensusReservations = "support with reservations"
	ConsensusStandAside   = "stand aside"
	ConsensusBlock        = "block"
	ConsensusResolve      = "resolve"
)

// Consensus gathers responses until someone resolves it. Resolution is
// gated only by a minimum discussion duration. The outcome approves when
// there is at least one support and no blocks; a strict consensus
// additionally rejects unless every snapshotted participant responded.
type Consensus struct {
	Responses            map[string]string `json:"responses,omitempty"`
	MinimumDurationHours float64           `json:"minimum_duration_hours"`
	Strict               bool              `json:"strict"`
	StartedAt            time.Time         `json:"started_at"`
	Resolved             bool              `json:"resolved"`
	Participants         []string          `json:"participants,omitempty"`
}

type consensusConfig struct {
	Strict               bool     `json:"strict"`
	MinimumDurationHours *float64 `json:"minimum_duration_hours,omitempty"`
}

func init() {
	register(TypeConsensus,
		func(cfg map[string]any, env Env) (Condition, error) {
			var c consensusConfig
			if err := decodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			cons := &Consensus{
				Responses:            map[string]string{},
				MinimumDurationHours: env.Defaults.ConsensusMinimumHours,
				Strict:               c.Strict,
				StartedAt:            env.StartedAt,
				Participants:         env.Participants,
			}
			if c.MinimumDurationHours != nil {
				cons.MinimumDurationHours = *c.MinimumDurationHours
			}
			if cons.MinimumDurationHours < 0 {
				return nil, fmt.Errorf("minimum duration cannot be negative, got %v", cons.MinimumDurationHours)
			}
			if cons.Strict && len(cons.Participants) == 0 {
				return nil, fmt.Errorf("strict consensus requires an enumerable responder group")
			}
			return cons, nil
		},
		func(state []byte) (Condition, error) {
			var c Consensus
			if err := json.Unmarshal(state, &c); err != nil {
				return nil, err
			}
			if c.Responses == nil {
				c.Responses = map[string]string{}
			}
			return &c, nil
		},
	)
}

func (c *Consensus) Type() string { return TypeConsensus }

func (c *Consensus) minimumReached(now time.Time) bool {
	return !now.Before(c.StartedAt.Add(time.Duration(c.MinimumDurationHours * float64(time.Hour))))
}

func (c *Consensus) Closed(time.Time) bool { return c.Resolved }

func (c *Consensus) Status(time.Time) Status {
	if !c.Resolved {
		return StatusWaiting
	}
	if c.passed() {
		return StatusApproved
	}
	return StatusRejected
}

func (c *Consensus) passed() bool {
	if c.Strict && !c.allResponded() {
		return false
	}
	support := 0
	for _, resp := range c.Responses {
		switch resp {
		case ConsensusBlock:
			return false
		case ConsensusSupport, ConsensusReservations:
			support++
		}
	}
	return support > 0
}

func (c *Consensus) allResponded() bool {
	for _, p := range c.Participants {
		if _, ok := c.Responses[p]; !ok {
			return false
		}
	}
	return true
}

func (c *Consensus) ApplyResponse(actor, response string, now time.Time) error {
	if c.Resolved {
		return &TerminalStateError{Type: TypeConsensus}
	}
	if response == ConsensusResolve {
		if !c.minimumReached(now) {
			return &InvalidResponseError{Response: response, Reason: fmt.Sprintf("minimum duration of %v hours has not elapsed", c.MinimumDurationHours)}
		}
		c.Resolved = true
		return nil
	}
	switch response {
	case ConsensusSupport, ConsensusReservations, ConsensusStandAside, ConsensusBlock:
		c.Responses[actor] = response
		return nil
	default:
		return &InvalidResponseError{Response: response, Reason: "expected support, support with reservations, stand aside, block or resolve"}
	}
}

func (c *Consensus) ResponseOptions() []string {
	return []string{ConsensusSupport, ConsensusReservations, ConsensusStandAside, ConsensusBlock, ConsensusResolve}
}

func (c *Consensus) Describe() string {
	if c.Strict {
		return "all participants must reach consensus to pass this action"
	}
	return "participants must reach consensus to pass this action"
}
