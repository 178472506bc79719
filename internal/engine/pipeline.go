package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"quorum/internal/domain"
	"quorum/internal/engine/condition"
	"quorum/internal/events"
	"quorum/internal/repo"
)

// Pipeline tier names recorded on the action's resolution.
const (
	PipelineFoundational = "foundational"
	PipelineGoverning    = "governing"
	PipelineSpecific     = "specific"
)

func (e Engine) logStep(a *domain.Action, format string, args ...any) {
	a.Resolution.Log = append(a.Resolution.Log, fmt.Sprintf(format, args...))
}

// evaluate runs the three-tier pipeline for an action and returns the
// resulting status: approved, waiting or rejected. It mutates the action's
// resolution but does not persist anything except condition instances.
func (e Engine) evaluate(ctx context.Context, tx *sql.Tx, a *domain.Action, change Change) (string, error) {
	target, err := e.Repo.GetEntityTx(ctx, tx, a.TargetID)
	if err != nil {
		return "", err
	}
	var params map[string]any
	if a.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(a.ParamsJSON), &params); err != nil {
			return "", validationErrorf("action parameters: %v", err)
		}
	}
	var comm *domain.Community
	if target.OwnerKind == domain.OwnerCommunity {
		c, err := e.Repo.GetCommunityTx(ctx, tx, target.OwnerID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", &ConfigurationError{Reason: fmt.Sprintf("entity %s is owned by missing community %s", target.ID, target.OwnerID)}
			}
			return "", err
		}
		comm = &c
	}

	// Tier 1: foundational. Terminal whenever it runs.
	if change.Foundational() || target.FoundationalEnabled {
		a.Resolution.Pipeline = PipelineFoundational
		return e.evaluateFoundational(ctx, tx, a, target, comm)
	}

	// Tier 2: governing. Terminal on approval or waiting; everything else
	// falls through to the specific tier.
	if target.GoverningEnabled {
		status, terminal, err := e.evaluateGoverning(ctx, tx, a, target, comm)
		if err != nil {
			return "", err
		}
		if terminal {
			a.Resolution.Pipeline = PipelineGoverning
			return status, nil
		}
	}

	a.Resolution.Pipeline = PipelineSpecific
	return e.evaluateSpecific(ctx, tx, a, target, change, params)
}

func (e Engine) evaluateFoundational(ctx context.Context, tx *sql.Tx, a *domain.Action, target domain.Entity, comm *domain.Community) (string, error) {
	if comm == nil {
		if a.ActorID == target.OwnerID {
			e.logStep(a, "foundational: actor %s owns %s", a.ActorID, target.ID)
			a.Resolution.ApprovedRole = PositionOwner
			return domain.ActionApproved, nil
		}
		e.logStep(a, "foundational: actor %s does not own %s", a.ActorID, target.ID)
		return domain.ActionRejected, nil
	}
	ok, via := e.Roles().IsOwner(*comm, a.ActorID)
	if !ok {
		e.logStep(a, "foundational: actor %s is not an owner of %s", a.ActorID, comm.ID)
		return domain.ActionRejected, nil
	}
	if via == "" {
		via = PositionOwner
	}
	if comm.OwnerCondition == nil {
		e.logStep(a, "foundational: approved as %s of %s", via, comm.ID)
		a.Resolution.ApprovedRole = via
		return domain.ActionApproved, nil
	}
	status, ci, err := e.conditionOutcome(ctx, tx, a, comm.OwnerCondition, domain.SourceOwner, comm.ID, comm)
	if err != nil {
		return "", err
	}
	switch status {
	case condition.StatusApproved:
		e.logStep(a, "foundational: owner condition %s approved", ci.ID)
		a.Resolution.ApprovedRole = via
		a.Resolution.ApprovedCondition = ci.ID
		return domain.ActionApproved, nil
	case condition.StatusRejected:
		e.logStep(a, "foundational: owner condition %s rejected", ci.ID)
		return domain.ActionRejected, nil
	default:
		e.logStep(a, "foundational: waiting on owner condition %s", ci.ID)
		return domain.ActionWaiting, nil
	}
}

// evaluateGoverning returns (status, terminal). Non-governors and governors
// whose condition rejected fall through with terminal=false.
func (e Engine) evaluateGoverning(ctx context.Context, tx *sql.Tx, a *domain.Action, target domain.Entity, comm *domain.Community) (string, bool, error) {
	if comm == nil {
		if a.ActorID == target.OwnerID {
			e.logStep(a, "governing: actor %s owns %s", a.ActorID, target.ID)
			a.Resolution.ApprovedRole = PositionOwner
			return domain.ActionApproved, true, nil
		}
		return "", false, nil
	}
	ok, via := e.Roles().IsGovernor(*comm, a.ActorID)
	if !ok {
		e.logStep(a, "governing: actor %s is not a governor of %s", a.ActorID, comm.ID)
		return "", false, nil
	}
	if via == "" {
		via = PositionGovernor
	}
	if comm.GovernorCondition == nil {
		e.logStep(a, "governing: approved as %s of %s", via, comm.ID)
		a.Resolution.ApprovedRole = via
		return domain.ActionApproved, true, nil
	}
	status, ci, err := e.conditionOutcome(ctx, tx, a, comm.GovernorCondition, domain.SourceGovernor, comm.ID, comm)
	if err != nil {
		return "", false, err
	}
	switch status {
	case condition.StatusApproved:
		e.logStep(a, "governing: governor condition %s approved", ci.ID)
		a.Resolution.ApprovedRole = via
		a.Resolution.ApprovedCondition = ci.ID
		return domain.ActionApproved, true, nil
	case condition.StatusRejected:
		e.logStep(a, "governing: governor condition %s rejected, falling through", ci.ID)
		return "", false, nil
	default:
		e.logStep(a, "governing: waiting on governor condition %s", ci.ID)
		return domain.ActionWaiting, true, nil
	}
}

// permissionCandidate pairs a permission with the owning community of the
// entity it is attached to, which scopes its role references.
type permissionCandidate struct {
	perm domain.Permission
	comm *domain.Community
}

func (e Engine) evaluateSpecific(ctx context.Context, tx *sql.Tx, a *domain.Action, target domain.Entity, change Change, params map[string]any) (string, error) {
	candidates, err := e.collectPermissions(ctx, tx, target, a.ChangeType)
	if err != nil {
		return "", err
	}
	for _, cand := range candidates {
		p := cand.perm
		if !p.IsActive {
			e.logStep(a, "specific: permission %s is inactive, skipping", p.ID)
			continue
		}
		if len(p.Actors) == 0 && len(p.Roles) == 0 && !p.Anyone {
			e.logStep(a, "specific: permission %s grants nobody anything, skipping", p.ID)
			continue
		}
		if cc, ok := change.(ConfiguredChange); ok && len(p.Config) > 0 {
			match, err := cc.MatchesConfiguration(p.Config, params)
			if err != nil {
				return "", err
			}
			if !match {
				e.logStep(a, "specific: permission %s configuration does not match, skipping", p.ID)
				continue
			}
		}
		matched, via := e.permissionMatches(ctx, tx, p, cand.comm, a.ActorID)
		if !matched {
			continue
		}
		if p.Condition == nil {
			e.logStep(a, "specific: approved by permission %s via %s", p.ID, via)
			a.Resolution.ApprovedRole = via
			return domain.ActionApproved, nil
		}
		status, ci, err := e.conditionOutcome(ctx, tx, a, p.Condition, domain.SourcePermission, p.ID, cand.comm)
		if err != nil {
			return "", err
		}
		switch status {
		case condition.StatusApproved:
			e.logStep(a, "specific: permission %s condition %s approved", p.ID, ci.ID)
			a.Resolution.ApprovedRole = via
			a.Resolution.ApprovedCondition = ci.ID
			return domain.ActionApproved, nil
		case condition.StatusRejected:
			// A rejected condition disqualifies this record only; other
			// permissions may still grant the action.
			e.logStep(a, "specific: permission %s condition %s rejected, continuing scan", p.ID, ci.ID)
			continue
		default:
			e.logStep(a, "specific: waiting on permission %s condition %s", p.ID, ci.ID)
			return domain.ActionWaiting, nil
		}
	}
	e.logStep(a, "specific: no permission grants %s to %s", a.ChangeType, a.ActorID)
	return domain.ActionRejected, nil
}

// permissionMatches reports whether the actor satisfies the permission's
// audience, and through what: "anyone", "actor", or a role name.
func (e Engine) permissionMatches(ctx context.Context, tx *sql.Tx, p domain.Permission, comm *domain.Community, actor string) (bool, string) {
	if p.Anyone {
		return true, "anyone"
	}
	if slices.Contains(p.Actors, actor) {
		return true, "actor"
	}
	for _, ref := range p.Roles {
		c := comm
		if ref.Community != "" && (comm == nil || ref.Community != comm.ID) {
			other, err := e.Repo.GetCommunityTx(ctx, tx, ref.Community)
			if err != nil {
				continue
			}
			c = &other
		}
		if c == nil {
			continue
		}
		if e.Roles().Has(*c, actor, ref.Role) {
			return true, ref.Role
		}
	}
	return false, ""
}

// collectPermissions gathers permission records for the change type on the
// target, then on its nested objects breadth-first: the owning community,
// and for permission entities the entity they are attached to. Already
// visited entities are not rescanned; a chain deeper than the configured
// nesting limit means the ownership graph loops.
func (e Engine) collectPermissions(ctx context.Context, tx *sql.Tx, target domain.Entity, changeType string) ([]permissionCandidate, error) {
	maxDepth := e.Config.Engine.MaxNestingDepth
	visited := map[string]bool{target.ID: true}
	communities := map[string]*domain.Community{}
	queue := []domain.Entity{target}
	var out []permissionCandidate
	for depth := 0; len(queue) > 0; depth++ {
		if depth > maxDepth {
			return nil, &CycleError{Reason: fmt.Sprintf("permission lookup exceeded nesting depth %d; ownership graph likely cyclic", maxDepth)}
		}
		var next []domain.Entity
		for _, ent := range queue {
			perms, err := e.Repo.ListPermissionsForTarget(ctx, tx, ent.ID, changeType)
			if err != nil {
				return nil, err
			}
			comm, err := e.owningCommunity(ctx, tx, ent, communities)
			if err != nil {
				return nil, err
			}
			for _, p := range perms {
				out = append(out, permissionCandidate{perm: p, comm: comm})
			}
			for _, id := range e.nestedIDs(ctx, tx, ent) {
				if id == "" || visited[id] {
					continue
				}
				visited[id] = true
				nested, err := e.Repo.GetEntityTx(ctx, tx, id)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						continue
					}
					return nil, err
				}
				next = append(next, nested)
			}
		}
		queue = next
	}
	return out, nil
}

func (e Engine) nestedIDs(ctx context.Context, tx *sql.Tx, ent domain.Entity) []string {
	var ids []string
	if ent.Kind == domain.KindPermission {
		if p, err := e.Repo.GetPermissionTx(ctx, tx, ent.ID); err == nil {
			ids = append(ids, p.TargetID)
		}
	}
	if ent.OwnerKind == domain.OwnerCommunity && ent.OwnerID != ent.ID {
		ids = append(ids, ent.OwnerID)
	}
	return ids
}

func (e Engine) owningCommunity(ctx context.Context, tx *sql.Tx, ent domain.Entity, cache map[string]*domain.Community) (*domain.Community, error) {
	id := ""
	if ent.Kind == domain.KindCommunity {
		id = ent.ID
	} else if ent.OwnerKind == domain.OwnerCommunity {
		id = ent.OwnerID
	}
	if id == "" {
		return nil, nil
	}
	if c, ok := cache[id]; ok {
		return c, nil
	}
	c, err := e.Repo.GetCommunityTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			cache[id] = nil
			return nil, nil
		}
		return nil, err
	}
	cache[id] = &c
	return &c, nil
}

// conditionOutcome finds or lazily creates the condition instance for this
// action at this source and reports its current status. An instance whose
// machine has closed is marked resolved on the way through.
func (e Engine) conditionOutcome(ctx context.Context, tx *sql.Tx, a *domain.Action, spec *domain.ConditionSpec, sourceKind, sourceID string, comm *domain.Community) (condition.Status, domain.ConditionInstance, error) {
	now := e.now()
	ci, err := e.Repo.GetConditionForSource(ctx, tx, a.ID, sourceKind, sourceID)
	if errors.Is(err, repo.ErrNotFound) {
		ci, err = e.createConditionInstance(ctx, tx, a, spec, sourceKind, sourceID, comm, now)
	}
	if err != nil {
		return "", domain.ConditionInstance{}, err
	}
	cond, err := condition.Decode(ci.Type, []byte(ci.StateJSON))
	if err != nil {
		return "", ci, fmt.Errorf("decode condition %s: %w", ci.ID, err)
	}
	status := cond.Status(now)
	if !ci.Resolved && cond.Closed(now) {
		ci.Resolved = true
		ci.UpdatedAt = now.UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateConditionInstance(ctx, tx, ci); err != nil {
			return "", ci, err
		}
		if err := e.Events.Append(ctx, tx, "condition.resolved", ci.CommunityID, "condition", ci.ID, a.ActorID, events.EventPayload{"status": string(status)}); err != nil {
			return "", ci, err
		}
	}
	return status, ci, nil
}

func (e Engine) createConditionInstance(ctx context.Context, tx *sql.Tx, a *domain.Action, spec *domain.ConditionSpec, sourceKind, sourceID string, comm *domain.Community, now time.Time) (domain.ConditionInstance, error) {
	responders := spec.Responders
	if responders.Empty() {
		switch {
		case sourceKind == domain.SourceOwner && comm != nil:
			responders = comm.Owners
		case sourceKind == domain.SourceGovernor && comm != nil:
			responders = comm.Governors
		default:
			return domain.ConditionInstance{}, &ConfigurationError{Reason: fmt.Sprintf("condition on %s %s has no responders", sourceKind, sourceID)}
		}
	}
	var participants []string
	if comm != nil {
		participants = e.Roles().Enumerate(*comm, responders)
	} else {
		participants = slices.Clone(responders.Actors)
		slices.Sort(participants)
	}
	env := condition.Env{
		ActionActorID: a.ActorID,
		Participants:  participants,
		StartedAt:     now,
		Defaults: condition.Defaults{
			VotingPeriodHours:     e.Config.Conditions.VotingPeriodHours,
			ConsensusMinimumHours: e.Config.Conditions.ConsensusMinimumHours,
		},
	}
	cond, err := condition.New(spec.Type, spec.Config, env)
	if err != nil {
		return domain.ConditionInstance{}, &ConfigurationError{Reason: fmt.Sprintf("condition on %s %s: %v", sourceKind, sourceID, err)}
	}
	state, err := condition.EncodeState(cond)
	if err != nil {
		return domain.ConditionInstance{}, err
	}
	communityID := ""
	if comm != nil {
		communityID = comm.ID
	}
	ts := now.UTC().Format(time.RFC3339)
	ci := domain.ConditionInstance{
		ID:           uuid.New().String(),
		Type:         spec.Type,
		SourceKind:   sourceKind,
		SourceID:     sourceID,
		ActionID:     a.ID,
		CommunityID:  communityID,
		Responders:   responders,
		Participants: participants,
		StateJSON:    state,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if err := e.Repo.InsertConditionInstance(ctx, tx, ci); err != nil {
		return domain.ConditionInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "condition.created", communityID, "condition", ci.ID, a.ActorID, events.EventPayload{
		"type":   ci.Type,
		"action": a.ID,
		"source": sourceKind + ":" + sourceID,
	}); err != nil {
		return domain.ConditionInstance{}, err
	}
	e.logStep(a, "created %s condition %s at %s %s", ci.Type, ci.ID, sourceKind, sourceID)
	return ci, nil
}
