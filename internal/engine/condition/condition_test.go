package condition

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func defaults() Defaults {
	return Defaults{VotingPeriodHours: 168, ConsensusMinimumHours: 48}
}

func mustNew(t *testing.T, typ string, cfg map[string]any, env Env) Condition {
	t.Helper()
	c, err := New(typ, cfg, env)
	if err != nil {
		t.Fatalf("new %s: %v", typ, err)
	}
	return c
}

func TestApprovalFirstResponseDecides(t *testing.T) {
	c := mustNew(t, TypeApproval, nil, Env{ActionActorID: "bob", StartedAt: t0})
	if got := c.Status(t0); got != StatusWaiting {
		t.Fatalf("fresh approval status = %s", got)
	}
	if err := c.ApplyResponse("alice", "approve", t0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := c.Status(t0); got != StatusApproved {
		t.Fatalf("after approve status = %s", got)
	}
	err := c.ApplyResponse("carol", "reject", t0)
	var terminal *TerminalStateError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected terminal state error, got %v", err)
	}
}

func TestApprovalSelfApproval(t *testing.T) {
	c := mustNew(t, TypeApproval, nil, Env{ActionActorID: "bob", StartedAt: t0})
	err := c.ApplyResponse("bob", "approve", t0)
	var authz *AuthorizationError
	if !errors.As(err, &authz) {
		t.Fatalf("expected authorization error for self-approval, got %v", err)
	}

	allowed := mustNew(t, TypeApproval, map[string]any{"self_approval_allowed": true}, Env{ActionActorID: "bob", StartedAt: t0})
	if err := allowed.ApplyResponse("bob", "approve", t0); err != nil {
		t.Fatalf("self-approval with override: %v", err)
	}
	if got := allowed.Status(t0); got != StatusApproved {
		t.Fatalf("status = %s", got)
	}
}

func TestApprovalInvalidResponse(t *testing.T) {
	c := mustNew(t, TypeApproval, nil, Env{ActionActorID: "bob", StartedAt: t0})
	err := c.ApplyResponse("alice", "maybe", t0)
	var invalid *InvalidResponseError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid response error, got %v", err)
	}
	if got := c.Status(t0); got != StatusWaiting {
		t.Fatalf("invalid response must not decide, status = %s", got)
	}
}

func TestVotingSimpleMajorityAtDeadline(t *testing.T) {
	env := Env{StartedAt: t0, Defaults: defaults()}
	v := mustNew(t, TypeVoting, map[string]any{"period_hours": 24.0}, env)
	for actor, vote := range map[string]string{"a": "yea", "b": "yea", "c": "nay"} {
		if err := v.ApplyResponse(actor, vote, t0); err != nil {
			t.Fatalf("%s votes %s: %v", actor, vote, err)
		}
	}
	if got := v.Status(t0.Add(time.Hour)); got != StatusWaiting {
		t.Fatalf("open vote status = %s", got)
	}
	if got := v.Status(t0.Add(24 * time.Hour)); got != StatusApproved {
		t.Fatalf("after deadline status = %s", got)
	}
}

func TestVotingRequireMajorityCountsAbstentions(t *testing.T) {
	env := Env{StartedAt: t0, Defaults: defaults()}
	v := mustNew(t, TypeVoting, map[string]any{"period_hours": 24.0, "require_majority": true}, env)
	// 2 yeas of 4 votes cast is not a majority when abstentions count.
	_ = v.ApplyResponse("a", "yea", t0)
	_ = v.ApplyResponse("b", "yea", t0)
	_ = v.ApplyResponse("c", "abstain", t0)
	_ = v.ApplyResponse("d", "abstain", t0)
	if got := v.Status(t0.Add(24 * time.Hour)); got != StatusRejected {
		t.Fatalf("require_majority with 2/4 yeas = %s, want rejected", got)
	}
}

func TestVotingPluralityCountsAbstentions(t *testing.T) {
	env := Env{StartedAt: t0, Defaults: defaults()}
	v := mustNew(t, TypeVoting, map[string]any{"period_hours": 24.0}, env)
	// Yeas lead the nays but abstentions top the count.
	_ = v.ApplyResponse("a", "yea", t0)
	_ = v.ApplyResponse("b", "yea", t0)
	_ = v.ApplyResponse("c", "nay", t0)
	_ = v.ApplyResponse("d", "abstain", t0)
	_ = v.ApplyResponse("e", "abstain", t0)
	_ = v.ApplyResponse("f", "abstain", t0)
	if got := v.Status(t0.Add(24 * time.Hour)); got != StatusRejected {
		t.Fatalf("yeas are not the unique maximum, status = %s, want rejected", got)
	}

	win := mustNew(t, TypeVoting, map[string]any{"period_hours": 24.0}, env)
	_ = win.ApplyResponse("a", "yea", t0)
	_ = win.ApplyResponse("b", "yea", t0)
	_ = win.ApplyResponse("c", "nay", t0)
	_ = win.ApplyResponse("d", "abstain", t0)
	if got := win.Status(t0.Add(24 * time.Hour)); got != StatusApproved {
		t.Fatalf("yeas top both counts, status = %s, want approved", got)
	}
}

func TestVotingClosesEarlyWhenAllParticipantsVoted(t *testing.T) {
	env := Env{StartedAt: t0, Participants: []string{"a", "b"}, Defaults: defaults()}
	v := mustNew(t, TypeVoting, map[string]any{"period_hours": 168.0}, env)
	_ = v.ApplyResponse("a", "yea", t0)
	if v.Closed(t0.Add(time.Minute)) {
		t.Fatalf("vote closed with one of two participants")
	}
	_ = v.ApplyResponse("b", "nay", t0)
	if !v.Closed(t0.Add(time.Minute)) {
		t.Fatalf("vote should close once every participant has voted")
	}
	// Tie: yeas do not exceed nays.
	if got := v.Status(t0.Add(time.Minute)); got != StatusRejected {
		t.Fatalf("tied vote status = %s, want rejected", got)
	}
}

func TestVotingDuplicateAndDisallowedAbstain(t *testing.T) {
	env := Env{StartedAt: t0, Defaults: defaults()}
	v := mustNew(t, TypeVoting, map[string]any{"allow_abstain": false}, env)
	if err := v.ApplyResponse("a", "yea", t0); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	var invalid *InvalidResponseError
	if err := v.ApplyResponse("a", "nay", t0); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid response for double vote, got %v", err)
	}
	if err := v.ApplyResponse("b", "abstain", t0); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid response for disallowed abstain, got %v", err)
	}
	if got := v.ResponseOptions(); len(got) != 2 {
		t.Fatalf("options without abstain = %v", got)
	}
}

func TestVotingDefaultsFromEngine(t *testing.T) {
	env := Env{StartedAt: t0, Defaults: defaults()}
	v := mustNew(t, TypeVoting, nil, env).(*Voting)
	if v.PeriodHours != 168 {
		t.Fatalf("default period = %v", v.PeriodHours)
	}
	if _, err := New(TypeVoting, map[string]any{"period_hours": 0.0}, env); err == nil {
		t.Fatalf("expected error for zero voting period")
	}
}

func TestConsensusResolveGatedByMinimumDuration(t *testing.T) {
	env := Env{StartedAt: t0, Defaults: defaults()}
	c := mustNew(t, TypeConsensus, map[string]any{"minimum_duration_hours": 48.0}, env)
	_ = c.ApplyResponse("a", ConsensusSupport, t0)

	var invalid *InvalidResponseError
	if err := c.ApplyResponse("a", ConsensusResolve, t0.Add(time.Hour)); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid response before minimum duration, got %v", err)
	}
	if err := c.ApplyResponse("a", ConsensusResolve, t0.Add(48*time.Hour)); err != nil {
		t.Fatalf("resolve after minimum duration: %v", err)
	}
	if got := c.Status(t0.Add(48 * time.Hour)); got != StatusApproved {
		t.Fatalf("supported consensus status = %s", got)
	}
}

func TestConsensusBlockRejects(t *testing.T) {
	env := Env{StartedAt: t0, Defaults: defaults()}
	c := mustNew(t, TypeConsensus, map[string]any{"minimum_duration_hours": 0.0}, env)
	_ = c.ApplyResponse("a", ConsensusSupport, t0)
	_ = c.ApplyResponse("b", ConsensusBlock, t0)
	if err := c.ApplyResponse("a", ConsensusResolve, t0); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := c.Status(t0); got != StatusRejected {
		t.Fatalf("blocked consensus status = %s", got)
	}
}

func TestConsensusResponsesMayChangeUntilResolved(t *testing.T) {
	env := Env{StartedAt: t0, Defaults: defaults()}
	c := mustNew(t, TypeConsensus, map[string]any{"minimum_duration_hours": 0.0}, env)
	_ = c.ApplyResponse("a", ConsensusBlock, t0)
	_ = c.ApplyResponse("a", ConsensusReservations, t0)
	if err := c.ApplyResponse("a", ConsensusResolve, t0); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := c.Status(t0); got != StatusApproved {
		t.Fatalf("withdrawn block should approve, got %s", got)
	}
	var terminal *TerminalStateError
	if err := c.ApplyResponse("b", ConsensusSupport, t0); !errors.As(err, &terminal) {
		t.Fatalf("expected terminal state after resolve, got %v", err)
	}
}

func TestConsensusStrictRejectsIncompleteParticipation(t *testing.T) {
	env := Env{StartedAt: t0, Participants: []string{"a", "b"}, Defaults: defaults()}
	c := mustNew(t, TypeConsensus, map[string]any{"strict": true, "minimum_duration_hours": 0.0}, env)
	_ = c.ApplyResponse("a", ConsensusSupport, t0)

	// Resolving with a silent participant is allowed; the outcome rejects.
	if err := c.ApplyResponse("a", ConsensusResolve, t0); err != nil {
		t.Fatalf("resolve with missing participant: %v", err)
	}
	if got := c.Status(t0); got != StatusRejected {
		t.Fatalf("strict consensus with a silent participant = %s, want rejected", got)
	}

	full := mustNew(t, TypeConsensus, map[string]any{"strict": true, "minimum_duration_hours": 0.0}, env)
	_ = full.ApplyResponse("a", ConsensusSupport, t0)
	_ = full.ApplyResponse("b", ConsensusStandAside, t0)
	if err := full.ApplyResponse("a", ConsensusResolve, t0); err != nil {
		t.Fatalf("resolve with all responses in: %v", err)
	}
	if got := full.Status(t0); got != StatusApproved {
		t.Fatalf("status = %s", got)
	}
}

func TestConsensusStrictNeedsEnumerableResponders(t *testing.T) {
	env := Env{StartedAt: t0, Defaults: defaults()}
	if _, err := New(TypeConsensus, map[string]any{"strict": true}, env); err == nil {
		t.Fatalf("expected error for strict consensus with open responder group")
	}
}

func TestDecodeRoundTripKeepsVotingState(t *testing.T) {
	env := Env{StartedAt: t0, Participants: []string{"a", "b", "c"}, Defaults: defaults()}
	v := mustNew(t, TypeVoting, map[string]any{"period_hours": 24.0}, env)
	_ = v.ApplyResponse("a", "yea", t0)

	state, err := EncodeState(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	restored, err := Decode(TypeVoting, []byte(state))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var invalid *InvalidResponseError
	if err := restored.ApplyResponse("a", "nay", t0); !errors.As(err, &invalid) {
		t.Fatalf("restored vote lost the voted set: %v", err)
	}
	if got := restored.Status(t0.Add(24 * time.Hour)); got != StatusApproved {
		t.Fatalf("restored status = %s", got)
	}
}

func TestUnknownConditionType(t *testing.T) {
	if Known("escrow") {
		t.Fatalf("escrow should not be registered")
	}
	if _, err := New("escrow", nil, Env{}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if _, err := Decode("escrow", []byte("{}")); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
