package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"quorum/internal/config"
	"quorum/internal/db"
	"quorum/internal/domain"
	"quorum/internal/engine"
	"quorum/internal/engine/condition"
	"quorum/internal/migrate"
	"quorum/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), now: &now}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return *env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func (env *testEnv) community(t *testing.T, name, actor string) domain.Community {
	t.Helper()
	c, err := env.Engine.CreateCommunity(env.Ctx, name, actor)
	if err != nil {
		t.Fatalf("create community: %v", err)
	}
	return c
}

func (env *testEnv) resource(t *testing.T, name, ownerKind, ownerID, actor string) domain.Entity {
	t.Helper()
	e, err := env.Engine.CreateResource(env.Ctx, name, "", ownerKind, ownerID, actor)
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}
	return e
}

func (env *testEnv) act(t *testing.T, actor, target, changeType string, params map[string]any) domain.Action {
	t.Helper()
	a, err := env.Engine.TakeAction(env.Ctx, actor, target, changeType, params)
	if err != nil {
		t.Fatalf("take %s: %v", changeType, err)
	}
	return a
}

func (env *testEnv) mustImplement(t *testing.T, actor, target, changeType string, params map[string]any) domain.Action {
	t.Helper()
	a := env.act(t, actor, target, changeType, params)
	if a.Status != domain.ActionImplemented {
		t.Fatalf("%s by %s: status %s, log %v", changeType, actor, a.Status, a.Resolution.Log)
	}
	return a
}

func TestCreateCommunityBootstrapsLeadership(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")

	if _, ok := c.Members["alice"]; !ok {
		t.Fatalf("creator should be a member")
	}
	if len(c.Owners.Actors) != 1 || c.Owners.Actors[0] != "alice" {
		t.Fatalf("creator should be the owner, got %v", c.Owners)
	}
	if len(c.Governors.Actors) != 1 || c.Governors.Actors[0] != "alice" {
		t.Fatalf("creator should be the governor, got %v", c.Governors)
	}

	var ve *engine.ValidationError
	if _, err := env.Engine.CreateCommunity(env.Ctx, "", "alice"); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty name, got %v", err)
	}
}

func TestFoundationalTierIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	// Even a specific permission cannot grant a foundational change.
	env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeTransferOwnership,
		"actors":      []any{"bob"},
	})
	rejected := env.act(t, "bob", res.ID, engine.ChangeTransferOwnership, map[string]any{
		"owner_kind": domain.OwnerActor,
		"owner_id":   "bob",
	})
	if rejected.Status != domain.ActionRejected {
		t.Fatalf("non-owner transfer: status %s", rejected.Status)
	}
	if rejected.Resolution.Pipeline != engine.PipelineFoundational {
		t.Fatalf("transfer should settle at the foundational tier, got %s", rejected.Resolution.Pipeline)
	}

	env.mustImplement(t, "alice", res.ID, engine.ChangeTransferOwnership, map[string]any{
		"owner_kind": domain.OwnerActor,
		"owner_id":   "bob",
	})
	moved, err := env.Engine.Repo.GetEntity(env.Ctx, res.ID)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if moved.OwnerKind != domain.OwnerActor || moved.OwnerID != "bob" {
		t.Fatalf("ownership not transferred: %s:%s", moved.OwnerKind, moved.OwnerID)
	}
}

func TestGoverningTierApprovesGovernors(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	a := env.mustImplement(t, "alice", res.ID, engine.ChangeEditResource, map[string]any{"content": "v1"})
	if a.Resolution.Pipeline != engine.PipelineGoverning {
		t.Fatalf("governor edit should settle at the governing tier, got %s", a.Resolution.Pipeline)
	}

	rejected := env.act(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "nope"})
	if rejected.Status != domain.ActionRejected {
		t.Fatalf("outsider edit: status %s", rejected.Status)
	}
	if rejected.Resolution.Pipeline != engine.PipelineSpecific {
		t.Fatalf("non-governor should fall through to the specific tier, got %s", rejected.Resolution.Pipeline)
	}
}

func TestActorOwnedResource(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "notes", domain.OwnerActor, "alice", "alice")

	a := env.mustImplement(t, "alice", res.ID, engine.ChangeEditResource, map[string]any{"content": "mine"})
	if a.Resolution.Pipeline != engine.PipelineGoverning {
		t.Fatalf("owner edit pipeline = %s", a.Resolution.Pipeline)
	}
	rejected := env.act(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "not mine"})
	if rejected.Status != domain.ActionRejected {
		t.Fatalf("non-owner edit: status %s", rejected.Status)
	}
}

func TestSpecificPermissionGrants(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	granted := env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"actors":      []any{"bob"},
	})
	_ = granted

	a := env.mustImplement(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "by bob"})
	if a.Resolution.Pipeline != engine.PipelineSpecific {
		t.Fatalf("pipeline = %s", a.Resolution.Pipeline)
	}
	if a.Resolution.ApprovedRole != "actor" {
		t.Fatalf("approved via %q, want actor", a.Resolution.ApprovedRole)
	}

	// Carol is not in the actor list.
	rejected := env.act(t, "carol", res.ID, engine.ChangeEditResource, map[string]any{"content": "by carol"})
	if rejected.Status != domain.ActionRejected {
		t.Fatalf("carol edit: status %s", rejected.Status)
	}
}

func TestAnyonePermission(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "wiki", domain.OwnerCommunity, c.ID, "alice")

	env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"anyone":      true,
	})
	a := env.mustImplement(t, "stranger", res.ID, engine.ChangeEditResource, map[string]any{"content": "open edit"})
	if a.Resolution.ApprovedRole != "anyone" {
		t.Fatalf("approved via %q, want anyone", a.Resolution.ApprovedRole)
	}
}

func TestInactivePermissionIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"actors":      []any{"bob"},
	})
	env.mustImplement(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "first"})

	perms, err := env.Engine.Repo.ListPermissionsForTarget(env.Ctx, nil, res.ID, engine.ChangeEditResource)
	if err != nil || len(perms) != 1 {
		t.Fatalf("list permissions: %v (%d)", err, len(perms))
	}
	env.mustImplement(t, "alice", perms[0].ID, engine.ChangeUpdatePermission, map[string]any{"is_active": false})

	rejected := env.act(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "second"})
	if rejected.Status != domain.ActionRejected {
		t.Fatalf("edit with deactivated permission: status %s", rejected.Status)
	}
}

func TestRoleBasedPermission(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	env.mustImplement(t, "alice", c.ID, engine.ChangeAddMember, map[string]any{"actor": "bob"})
	env.mustImplement(t, "alice", c.ID, engine.ChangeAddRole, map[string]any{"role": "editors"})
	env.mustImplement(t, "alice", c.ID, engine.ChangeAssignRole, map[string]any{"role": "editors", "actor": "bob"})

	env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"roles":       []map[string]any{{"role": "editors"}},
	})

	a := env.mustImplement(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "by an editor"})
	if a.Resolution.ApprovedRole != "editors" {
		t.Fatalf("approved via %q, want editors", a.Resolution.ApprovedRole)
	}

	rejected := env.act(t, "carol", res.ID, engine.ChangeEditResource, map[string]any{"content": "no role"})
	if rejected.Status != domain.ActionRejected {
		t.Fatalf("carol edit: status %s", rejected.Status)
	}
}

func TestPermissionConfigurationNarrowsGrant(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")

	for _, actor := range []string{"bob", "carol"} {
		env.mustImplement(t, "alice", c.ID, engine.ChangeAddMember, map[string]any{"actor": actor})
	}
	for _, role := range []string{"editors", "admins"} {
		env.mustImplement(t, "alice", c.ID, engine.ChangeAddRole, map[string]any{"role": role})
	}
	env.mustImplement(t, "alice", c.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeAssignRole,
		"actors":      []any{"bob"},
		"config":      map[string]any{"roles": []string{"editors"}},
	})

	env.mustImplement(t, "bob", c.ID, engine.ChangeAssignRole, map[string]any{"role": "editors", "actor": "carol"})

	rejected := env.act(t, "bob", c.ID, engine.ChangeAssignRole, map[string]any{"role": "admins", "actor": "carol"})
	if rejected.Status != domain.ActionRejected {
		t.Fatalf("narrowed permission should not grant admins, status %s", rejected.Status)
	}
}

func TestCommunityPermissionCoversOwnedEntities(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	// Permission on the community, exercised against one of its resources.
	env.mustImplement(t, "alice", c.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"actors":      []any{"bob"},
	})
	env.mustImplement(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "inherited"})
}

func TestApprovalConditionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"actors":      []any{"bob"},
		"condition": map[string]any{
			"type":       condition.TypeApproval,
			"responders": map[string]any{"actors": []string{"alice"}},
		},
	})

	waiting := env.act(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "draft"})
	if waiting.Status != domain.ActionWaiting {
		t.Fatalf("gated edit: status %s, log %v", waiting.Status, waiting.Resolution.Log)
	}
	instances, err := env.Engine.Repo.ListConditionsForAction(env.Ctx, waiting.ID)
	if err != nil || len(instances) != 1 {
		t.Fatalf("list conditions: %v (%d)", err, len(instances))
	}
	ci := instances[0]

	// Carol is not in the responder group.
	var authz *condition.AuthorizationError
	if _, _, err := env.Engine.RespondToCondition(env.Ctx, ci.ID, "carol", "approve"); !errors.As(err, &authz) {
		t.Fatalf("expected authorization error for carol, got %v", err)
	}

	updated, action, err := env.Engine.RespondToCondition(env.Ctx, ci.ID, "alice", "approve")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !updated.Resolved {
		t.Fatalf("condition should be resolved")
	}
	if action.Status != domain.ActionImplemented {
		t.Fatalf("action after approval: status %s, log %v", action.Status, action.Resolution.Log)
	}
	got, err := env.Engine.Repo.GetEntity(env.Ctx, res.ID)
	if err != nil || got.Content != "draft" {
		t.Fatalf("content = %q, err %v", got.Content, err)
	}

	var terminal *condition.TerminalStateError
	if _, _, err := env.Engine.RespondToCondition(env.Ctx, ci.ID, "alice", "reject"); !errors.As(err, &terminal) {
		t.Fatalf("expected terminal state error, got %v", err)
	}
}

func TestConditionBlocksSelfApproval(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"actors":      []any{"bob"},
		"condition": map[string]any{
			"type":       condition.TypeApproval,
			"responders": map[string]any{"actors": []string{"alice", "bob"}},
		},
	})
	waiting := env.act(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "draft"})
	instances, err := env.Engine.Repo.ListConditionsForAction(env.Ctx, waiting.ID)
	if err != nil || len(instances) != 1 {
		t.Fatalf("list conditions: %v (%d)", err, len(instances))
	}

	// Bob is an eligible responder but may not approve his own action.
	var authz *condition.AuthorizationError
	if _, _, err := env.Engine.RespondToCondition(env.Ctx, instances[0].ID, "bob", "approve"); !errors.As(err, &authz) {
		t.Fatalf("expected self-approval to be blocked, got %v", err)
	}
}

func TestRejectedConditionContinuesPermissionScan(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	// Two permissions for bob: one gated, one direct.
	env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"actors":      []any{"bob"},
		"condition": map[string]any{
			"type":       condition.TypeApproval,
			"responders": map[string]any{"actors": []string{"alice"}},
		},
	})
	env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"actors":      []any{"bob"},
	})

	waiting := env.act(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "draft"})
	if waiting.Status == domain.ActionWaiting {
		instances, err := env.Engine.Repo.ListConditionsForAction(env.Ctx, waiting.ID)
		if err != nil || len(instances) != 1 {
			t.Fatalf("list conditions: %v (%d)", err, len(instances))
		}
		_, action, err := env.Engine.RespondToCondition(env.Ctx, instances[0].ID, "alice", "reject")
		if err != nil {
			t.Fatalf("reject: %v", err)
		}
		// The rejection disqualifies only the gated permission; the direct
		// one still grants the change on re-evaluation.
		if action.Status != domain.ActionImplemented {
			t.Fatalf("action after rejected condition: status %s, log %v", action.Status, action.Resolution.Log)
		}
	} else if waiting.Status != domain.ActionImplemented {
		t.Fatalf("unexpected status %s, log %v", waiting.Status, waiting.Resolution.Log)
	}
}

func TestVotingDeadlineSweep(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"actors":      []any{"bob"},
		"condition": map[string]any{
			"type":       condition.TypeVoting,
			"config":     map[string]any{"period_hours": 1.0},
			"responders": map[string]any{"actors": []string{"alice", "dave"}},
		},
	})
	waiting := env.act(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "draft"})
	if waiting.Status != domain.ActionWaiting {
		t.Fatalf("gated edit: status %s, log %v", waiting.Status, waiting.Resolution.Log)
	}
	instances, err := env.Engine.Repo.ListConditionsForAction(env.Ctx, waiting.ID)
	if err != nil || len(instances) != 1 {
		t.Fatalf("list conditions: %v (%d)", err, len(instances))
	}
	ci, action, err := env.Engine.RespondToCondition(env.Ctx, instances[0].ID, "alice", "yea")
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if ci.Resolved || action.Status != domain.ActionWaiting {
		t.Fatalf("vote should stay open until the deadline: resolved=%t status=%s", ci.Resolved, action.Status)
	}

	// Nothing to sweep while the period runs.
	if n, err := env.Engine.SweepConditions(env.Ctx); err != nil || n != 0 {
		t.Fatalf("early sweep: n=%d err=%v", n, err)
	}

	env.advance(2 * time.Hour)
	n, err := env.Engine.SweepConditions(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d conditions, want 1", n)
	}
	final, err := env.Engine.Repo.GetAction(env.Ctx, waiting.ID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if final.Status != domain.ActionImplemented {
		t.Fatalf("action after sweep: status %s, log %v", final.Status, final.Resolution.Log)
	}
}

func TestTakeActionValidation(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	var ve *engine.ValidationError
	if _, err := env.Engine.TakeAction(env.Ctx, "alice", res.ID, "resource.paint", nil); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for unknown change type, got %v", err)
	}
	if _, err := env.Engine.TakeAction(env.Ctx, "alice", res.ID, engine.ChangeEditResource, nil); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for missing parameters, got %v", err)
	}
	if _, err := env.Engine.TakeAction(env.Ctx, "alice", "missing", engine.ChangeEditResource, map[string]any{"content": "x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for missing target, got %v", err)
	}
}

func TestCyclicOwnershipHitsNestingGuard(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.community(t, "makers", "alice")
	c2 := env.community(t, "bakers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c1.ID, "alice")

	// Tie the two community entities into an ownership loop.
	env.mustImplement(t, "alice", c1.ID, engine.ChangeTransferOwnership, map[string]any{
		"owner_kind": domain.OwnerCommunity,
		"owner_id":   c2.ID,
	})
	env.mustImplement(t, "alice", c2.ID, engine.ChangeTransferOwnership, map[string]any{
		"owner_kind": domain.OwnerCommunity,
		"owner_id":   c1.ID,
	})

	env.Engine.Config.Engine.MaxNestingDepth = 1
	var cye *engine.CycleError
	if _, err := env.Engine.TakeAction(env.Ctx, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "x"}); !errors.As(err, &cye) {
		t.Fatalf("expected cycle error from nested lookup, got %v", err)
	}
}

func TestRetryDepthGuard(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	env.mustImplement(t, "alice", res.ID, engine.ChangeAddPermission, map[string]any{
		"change_type": engine.ChangeEditResource,
		"actors":      []any{"bob"},
		"condition": map[string]any{
			"type":       condition.TypeApproval,
			"responders": map[string]any{"actors": []string{"alice"}},
		},
	})
	waiting := env.act(t, "bob", res.ID, engine.ChangeEditResource, map[string]any{"content": "draft"})
	if waiting.Status != domain.ActionWaiting {
		t.Fatalf("gated edit: status %s", waiting.Status)
	}
	instances, err := env.Engine.Repo.ListConditionsForAction(env.Ctx, waiting.ID)
	if err != nil || len(instances) != 1 {
		t.Fatalf("list conditions: %v (%d)", err, len(instances))
	}

	env.Engine.Config.Engine.MaxRetryDepth = 0
	var cye *engine.CycleError
	if _, _, err := env.Engine.RespondToCondition(env.Ctx, instances[0].ID, "alice", "approve"); !errors.As(err, &cye) {
		t.Fatalf("expected cycle error from retry guard, got %v", err)
	}
}

func TestActionEventsCarryCommunity(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")
	res := env.resource(t, "charter", domain.OwnerCommunity, c.ID, "alice")

	env.mustImplement(t, "alice", res.ID, engine.ChangeEditResource, map[string]any{"content": "v1"})

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, c.ID, "action.implemented", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("action outcome missing from the community's event tail")
	}
}

func TestMembershipChanges(t *testing.T) {
	env := newTestEnv(t)
	c := env.community(t, "makers", "alice")

	env.mustImplement(t, "alice", c.ID, engine.ChangeAddMember, map[string]any{"actor": "bob"})
	got, err := env.Engine.Repo.GetCommunity(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get community: %v", err)
	}
	if _, ok := got.Members["bob"]; !ok {
		t.Fatalf("bob should be a member")
	}

	env.mustImplement(t, "alice", c.ID, engine.ChangeRemoveMember, map[string]any{"actor": "bob"})
	got, err = env.Engine.Repo.GetCommunity(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get community: %v", err)
	}
	if _, ok := got.Members["bob"]; ok {
		t.Fatalf("bob should no longer be a member")
	}
}
