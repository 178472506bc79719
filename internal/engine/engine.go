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

	"quorum/internal/config"
	"quorum/internal/domain"
	"quorum/internal/engine/condition"
	"quorum/internal/engine/roles"
	"quorum/internal/events"
	"quorum/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Changes *ChangeRegistry
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Changes: NewChangeRegistry(),
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Roles returns a role registry bound to the engine's clock.
func (e Engine) Roles() roles.Registry {
	return roles.Registry{Now: e.Now}
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) changeEnv(tx *sql.Tx) ChangeEnv {
	return ChangeEnv{Tx: tx, Repo: e.Repo, Events: e.Events, Changes: e.Changes, Now: e.now()}
}

// CreateCommunity bootstraps a self-owning community with the creator as
// member, owner and governor. Creation is the one mutation that does not run
// through the pipeline; there is nothing to ask yet.
func (e Engine) CreateCommunity(ctx context.Context, name, actorID string) (domain.Community, error) {
	if name == "" {
		return domain.Community{}, validationErrorf("name is required")
	}
	if actorID == "" {
		return domain.Community{}, validationErrorf("actor is required")
	}
	now := e.nowString()
	id := uuid.New().String()
	entity := domain.Entity{
		ID:               id,
		Kind:             domain.KindCommunity,
		Name:             name,
		OwnerKind:        domain.OwnerCommunity,
		OwnerID:          id,
		GoverningEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	c := domain.Community{
		ID:        id,
		Name:      name,
		Members:   map[string]string{actorID: now},
		Owners:    domain.Leadership{Actors: []string{actorID}},
		Governors: domain.Leadership{Actors: []string{actorID}},
		Roles:     map[string][]string{},
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Community{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEntity(ctx, tx, entity); err != nil {
		return domain.Community{}, fmt.Errorf("insert community entity: %w", err)
	}
	if err := e.Repo.InsertCommunity(ctx, tx, c); err != nil {
		return domain.Community{}, fmt.Errorf("insert community: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "community.created", id, domain.KindCommunity, id, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Community{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Community{}, err
	}
	return c, nil
}

// CreateResource creates a plain entity under an owner. Community-owned
// resources fall under that community's authority structure immediately.
func (e Engine) CreateResource(ctx context.Context, name, content, ownerKind, ownerID, actorID string) (domain.Entity, error) {
	if name == "" {
		return domain.Entity{}, validationErrorf("name is required")
	}
	if ownerKind != domain.OwnerActor && ownerKind != domain.OwnerCommunity {
		return domain.Entity{}, validationErrorf("owner_kind must be actor or community, got %q", ownerKind)
	}
	if ownerID == "" {
		return domain.Entity{}, validationErrorf("owner_id is required")
	}
	now := e.nowString()
	entity := domain.Entity{
		ID:               uuid.New().String(),
		Kind:             domain.KindResource,
		Name:             name,
		Content:          content,
		OwnerKind:        ownerKind,
		OwnerID:          ownerID,
		GoverningEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if ownerKind == domain.OwnerCommunity {
		if _, err := e.Repo.GetCommunityTx(ctx, tx, ownerID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Entity{}, validationErrorf("owner community %s not found", ownerID)
			}
			return domain.Entity{}, err
		}
	}
	if err := e.Repo.InsertEntity(ctx, tx, entity); err != nil {
		return domain.Entity{}, fmt.Errorf("insert resource: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "resource.created", owningCommunityID(entity), domain.KindResource, entity.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return entity, nil
}

// TakeAction records an attempted change and runs it through the pipeline.
// The returned action carries the outcome: implemented, waiting or rejected.
func (e Engine) TakeAction(ctx context.Context, actorID, targetID, changeType string, params map[string]any) (domain.Action, error) {
	if actorID == "" {
		return domain.Action{}, validationErrorf("actor is required")
	}
	change, ok := e.Changes.Get(changeType)
	if !ok {
		return domain.Action{}, validationErrorf("unknown change type %q", changeType)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	target, err := e.Repo.GetEntityTx(ctx, tx, targetID)
	if err != nil {
		return domain.Action{}, err
	}
	if err := change.Validate(target, params); err != nil {
		return domain.Action{}, err
	}
	paramsJSON := ""
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return domain.Action{}, validationErrorf("parameters: %v", err)
		}
		paramsJSON = string(b)
	}
	now := e.nowString()
	a := domain.Action{
		ID:         uuid.New().String(),
		ActorID:    actorID,
		TargetID:   targetID,
		ChangeType: changeType,
		ParamsJSON: paramsJSON,
		Status:     domain.ActionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
		return domain.Action{}, fmt.Errorf("insert action: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "action.taken", owningCommunityID(target), "action", a.ID, actorID, events.EventPayload{
		"target":      targetID,
		"change_type": changeType,
	}); err != nil {
		return domain.Action{}, err
	}
	if err := e.drive(ctx, tx, &a, change, 0); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// drive evaluates the action and applies the outcome. Approval implements
// the change in the same transaction, exactly once.
func (e Engine) drive(ctx context.Context, tx *sql.Tx, a *domain.Action, change Change, depth int) error {
	if depth > e.Config.Engine.MaxRetryDepth {
		return &CycleError{Reason: fmt.Sprintf("action %s re-evaluated more than %d times", a.ID, e.Config.Engine.MaxRetryDepth)}
	}
	status, err := e.evaluate(ctx, tx, a, change)
	if err != nil {
		return err
	}
	a.Status = status
	if status == domain.ActionApproved {
		var params map[string]any
		if a.ParamsJSON != "" {
			if err := json.Unmarshal([]byte(a.ParamsJSON), &params); err != nil {
				return validationErrorf("action parameters: %v", err)
			}
		}
		if err := change.Implement(ctx, e.changeEnv(tx), *a, params); err != nil {
			return err
		}
		a.Status = domain.ActionImplemented
		e.logStep(a, "implemented: %s", change.Describe())
	}
	a.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateAction(ctx, tx, *a); err != nil {
		return err
	}
	communityID := ""
	if target, err := e.Repo.GetEntityTx(ctx, tx, a.TargetID); err == nil {
		communityID = owningCommunityID(target)
	}
	return e.Events.Append(ctx, tx, "action."+a.Status, communityID, "action", a.ID, a.ActorID, events.EventPayload{
		"pipeline": a.Resolution.Pipeline,
	})
}

// RespondToCondition applies one responder's input to a condition instance
// and, if the instance settled, synchronously re-drives the waiting action.
func (e Engine) RespondToCondition(ctx context.Context, conditionID, actorID, response string) (domain.ConditionInstance, domain.Action, error) {
	if actorID == "" {
		return domain.ConditionInstance{}, domain.Action{}, validationErrorf("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConditionInstance{}, domain.Action{}, err
	}
	defer tx.Rollback()
	ci, err := e.Repo.GetConditionInstanceTx(ctx, tx, conditionID)
	if err != nil {
		return domain.ConditionInstance{}, domain.Action{}, err
	}
	if ci.Resolved {
		return ci, domain.Action{}, &condition.TerminalStateError{Type: ci.Type}
	}
	var comm *domain.Community
	if ci.CommunityID != "" {
		c, err := e.Repo.GetCommunityTx(ctx, tx, ci.CommunityID)
		if err != nil {
			return ci, domain.Action{}, err
		}
		comm = &c
	}
	if !e.eligibleResponder(ci, comm, actorID) {
		return ci, domain.Action{}, &condition.AuthorizationError{Actor: actorID, Reason: "not an eligible responder for this condition"}
	}
	cond, err := condition.Decode(ci.Type, []byte(ci.StateJSON))
	if err != nil {
		return ci, domain.Action{}, fmt.Errorf("decode condition %s: %w", ci.ID, err)
	}
	now := e.now()
	if err := cond.ApplyResponse(actorID, response, now); err != nil {
		return ci, domain.Action{}, err
	}
	state, err := condition.EncodeState(cond)
	if err != nil {
		return ci, domain.Action{}, err
	}
	ci.StateJSON = state
	ci.Resolved = cond.Closed(now)
	ci.UpdatedAt = now.UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateConditionInstance(ctx, tx, ci); err != nil {
		return ci, domain.Action{}, err
	}
	if err := e.Events.Append(ctx, tx, "condition.responded", ci.CommunityID, "condition", ci.ID, actorID, events.EventPayload{
		"response": response,
	}); err != nil {
		return ci, domain.Action{}, err
	}
	if ci.Resolved {
		if err := e.Events.Append(ctx, tx, "condition.resolved", ci.CommunityID, "condition", ci.ID, actorID, events.EventPayload{
			"status": string(cond.Status(now)),
		}); err != nil {
			return ci, domain.Action{}, err
		}
	}
	a, err := e.retryAction(ctx, tx, ci.ActionID, 1)
	if err != nil {
		return ci, a, err
	}
	if err := tx.Commit(); err != nil {
		return ci, a, err
	}
	return ci, a, nil
}

func (e Engine) eligibleResponder(ci domain.ConditionInstance, comm *domain.Community, actorID string) bool {
	if comm != nil {
		return e.Roles().InLeadership(*comm, actorID, ci.Responders)
	}
	return slices.Contains(ci.Responders.Actors, actorID)
}

// retryAction re-drives a waiting action after one of its conditions moved.
func (e Engine) retryAction(ctx context.Context, tx *sql.Tx, actionID string, depth int) (domain.Action, error) {
	a, err := e.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return domain.Action{}, err
	}
	if a.Status != domain.ActionWaiting && a.Status != domain.ActionPending {
		return a, nil
	}
	change, ok := e.Changes.Get(a.ChangeType)
	if !ok {
		return a, &ConfigurationError{Reason: fmt.Sprintf("action %s references unknown change type %q", a.ID, a.ChangeType)}
	}
	if err := e.drive(ctx, tx, &a, change, depth); err != nil {
		return a, err
	}
	return a, nil
}

// SweepConditions resolves open conditions whose machines have closed on
// their own, such as votes past their deadline, and re-drives the waiting
// actions. Returns how many conditions it resolved.
func (e Engine) SweepConditions(ctx context.Context) (int, error) {
	open, err := e.Repo.ListUnresolvedConditions(ctx, "")
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, stale := range open {
		n, err := e.sweepOne(ctx, stale.ID)
		if err != nil {
			return resolved, err
		}
		resolved += n
	}
	return resolved, nil
}

func (e Engine) sweepOne(ctx context.Context, conditionID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	ci, err := e.Repo.GetConditionInstanceTx(ctx, tx, conditionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if ci.Resolved {
		return 0, nil
	}
	cond, err := condition.Decode(ci.Type, []byte(ci.StateJSON))
	if err != nil {
		return 0, fmt.Errorf("decode condition %s: %w", ci.ID, err)
	}
	now := e.now()
	if !cond.Closed(now) {
		return 0, nil
	}
	ci.Resolved = true
	ci.UpdatedAt = now.UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateConditionInstance(ctx, tx, ci); err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "condition.resolved", ci.CommunityID, "condition", ci.ID, "system", events.EventPayload{
		"status": string(cond.Status(now)),
		"swept":  true,
	}); err != nil {
		return 0, err
	}
	if _, err := e.retryAction(ctx, tx, ci.ActionID, 1); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return 1, nil
}

// CreateAPIKey mints and stores a hashed API key for an actor and returns
// the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", validationErrorf("actor is required")
	}
	plain := uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.nowString(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}
