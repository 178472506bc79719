package condition

import (
	"encoding/json"
	"fmt"
	"time"
)

const TypeVoting = "voting"

// Voting collects yea/nay/abstain votes over a fixed period. The vote
// closes early once every snapshotted participant has voted; with an open
// responder group it always runs the full period.
type Voting struct {
	Yeas         int               `json:"yeas"`
	Nays         int               `json:"nays"`
	Abstains     int               `json:"abstains"`
	Voted        map[string]string `json:"voted,omitempty"`
	AllowAbstain bool              `json:"allow_abstain"`
	// RequireMajority demands yeas exceed half of all votes cast,
	// abstentions included. Off, yeas must be the unique highest count.
	RequireMajority bool      `json:"require_majority"`
	PeriodHours     float64   `json:"period_hours"`
	StartedAt       time.Time `json:"started_at"`
	Participants    []string  `json:"participants,omitempty"`
}

type votingConfig struct {
	AllowAbstain    *bool    `json:"allow_abstain,omitempty"`
	RequireMajority bool     `json:"require_majority"`
	PeriodHours     *float64 `json:"period_hours,omitempty"`
}

func init() {
	register(TypeVoting,
		func(cfg map[string]any, env Env) (Condition, error) {
			var c votingConfig
			if err := decodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			v := &Voting{
				Voted:           map[string]string{},
				AllowAbstain:    true,
				RequireMajority: c.RequireMajority,
				PeriodHours:     env.Defaults.VotingPeriodHours,
				StartedAt:       env.StartedAt,
				Participants:    env.Participants,
			}
			if c.AllowAbstain != nil {
				v.AllowAbstain = *c.AllowAbstain
			}
			if c.PeriodHours != nil {
				v.PeriodHours = *c.PeriodHours
			}
			if v.PeriodHours <= 0 {
				return nil, fmt.Errorf("voting period must be positive, got %v", v.PeriodHours)
			}
			return v, nil
		},
		func(state []byte) (Condition, error) {
			var v Voting
			if err := json.Unmarshal(state, &v); err != nil {
				return nil, err
			}
			if v.Voted == nil {
				v.Voted = map[string]string{}
			}
			return &v, nil
		},
	)
}

func (v *Voting) Type() string { return TypeVoting }

func (v *Voting) deadline() time.Time {
	return v.StartedAt.Add(time.Duration(v.PeriodHours * float64(time.Hour)))
}

func (v *Voting) allVoted() bool {
	return len(v.Participants) > 0 && len(v.Voted) >= len(v.Participants)
}

func (v *Voting) Closed(now time.Time) bool {
	return !now.Before(v.deadline()) || v.allVoted()
}

func (v *Voting) Status(now time.Time) Status {
	if !v.Closed(now) {
		return StatusWaiting
	}
	if v.passed() {
		return StatusApproved
	}
	return StatusRejected
}

func (v *Voting) passed() bool {
	if v.RequireMajority || !v.AllowAbstain {
		return 2*v.Yeas > v.Yeas+v.Nays+v.Abstains
	}
	return v.Yeas > v.Nays && v.Yeas > v.Abstains
}

func (v *Voting) ApplyResponse(actor, response string, now time.Time) error {
	if v.Closed(now) {
		return &TerminalStateError{Type: TypeVoting}
	}
	if _, ok := v.Voted[actor]; ok {
		return &InvalidResponseError{Response: response, Reason: "actor has already voted"}
	}
	switch response {
	case "yea":
		v.Yeas++
	case "nay":
		v.Nays++
	case "abstain":
		if !v.AllowAbstain {
			return &InvalidResponseError{Response: response, Reason: "abstaining is not allowed on this vote"}
		}
		v.Abstains++
	default:
		return &InvalidResponseError{Response: response, Reason: "expected yea, nay or abstain"}
	}
	v.Voted[actor] = response
	return nil
}

func (v *Voting) ResponseOptions() []string {
	if v.AllowAbstain {
		return []string{"yea", "nay", "abstain"}
	}
	return []string{"yea", "nay"}
}

func (v *Voting) Describe() string {
	return fmt.Sprintf("a vote is open for %v hours", v.PeriodHours)
}
