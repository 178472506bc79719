package condition

import (
	"encoding/json"
	"time"
)

const TypeApproval = "approval"

// Approval is the simplest condition: a single eligible responder approves
// or rejects, and the first response decides it.
type Approval struct {
	SelfApprovalAllowed bool   `json:"self_approval_allowed"`
	ActionActorID       string `json:"action_actor_id,omitempty"`
	Outcome             *bool  `json:"outcome,omitempty"`
	RespondedBy         string `json:"responded_by,omitempty"`
}

type approvalConfig struct {
	SelfApprovalAllowed bool `json:"self_approval_allowed"`
}

func init() {
	register(TypeApproval,
		func(cfg map[string]any, env Env) (Condition, error) {
			var c approvalConfig
			if err := decodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			return &Approval{
				SelfApprovalAllowed: c.SelfApprovalAllowed,
				ActionActorID:       env.ActionActorID,
			}, nil
		},
		func(state []byte) (Condition, error) {
			var a Approval
			if err := json.Unmarshal(state, &a); err != nil {
				return nil, err
			}
			return &a, nil
		},
	)
}

func (a *Approval) Type() string { return TypeApproval }

func (a *Approval) Status(time.Time) Status {
	switch {
	case a.Outcome == nil:
		return StatusWaiting
	case *a.Outcome:
		return StatusApproved
	default:
		return StatusRejected
	}
}

func (a *Approval) Closed(time.Time) bool { return a.Outcome != nil }

func (a *Approval) ApplyResponse(actor, response string, now time.Time) error {
	if a.Closed(now) {
		return &TerminalStateError{Type: TypeApproval}
	}
	if actor == a.ActionActorID && !a.SelfApprovalAllowed {
		return &AuthorizationError{Actor: actor, Reason: "cannot approve or reject own action"}
	}
	switch response {
	case "approve":
		v := true
		a.Outcome = &v
	case "reject":
		v := false
		a.Outcome = &v
	default:
		return &InvalidResponseError{Response: response, Reason: "expected approve or reject"}
	}
	a.RespondedBy = actor
	return nil
}

func (a *Approval) ResponseOptions() []string { return []string{"approve", "reject"} }

func (a *Approval) Describe() string { return "one person needs to approve this action" }
