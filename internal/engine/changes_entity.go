package engine

import (
	"context"

	"quorum/internal/domain"
	"quorum/internal/events"
)

// Change type names for plain entities.
const (
	ChangeEditResource      = "resource.edit"
	ChangeTransferOwnership = "entity.transfer_ownership"
	ChangeSetFoundational   = "entity.set_foundational"
	ChangeSetGoverning      = "entity.set_governing"
)

type editResource struct{}

func (editResource) Type() string       { return ChangeEditResource }
func (editResource) Foundational() bool { return false }
func (editResource) Describe() string   { return "edit resource" }

func (editResource) Validate(target domain.Entity, params map[string]any) error {
	if target.Kind != domain.KindResource {
		return validationErrorf("%s applies to resources, target is a %s", ChangeEditResource, target.Kind)
	}
	_, hasName := paramString(params, "name")
	_, hasContent := paramString(params, "content")
	if !hasName && !hasContent {
		return validationErrorf("at least one of name or content is required")
	}
	return nil
}

func (editResource) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	e, err := env.Repo.GetEntityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	if name, ok := paramString(params, "name"); ok && name != "" {
		e.Name = name
	}
	if content, ok := paramString(params, "content"); ok {
		e.Content = content
	}
	e.UpdatedAt = env.nowString()
	if err := env.Repo.UpdateEntity(ctx, env.Tx, e); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "resource.edited", owningCommunityID(e), e.Kind, e.ID, action.ActorID, events.EventPayload{"name": e.Name})
}

type transferOwnership struct{}

func (transferOwnership) Type() string       { return ChangeTransferOwnership }
func (transferOwnership) Foundational() bool { return true }
func (transferOwnership) Describe() string   { return "transfer ownership" }

func (transferOwnership) Validate(target domain.Entity, params map[string]any) error {
	kind, err := requireString(params, "owner_kind")
	if err != nil {
		return err
	}
	if kind != domain.OwnerActor && kind != domain.OwnerCommunity {
		return validationErrorf("owner_kind must be actor or community, got %q", kind)
	}
	if _, err := requireString(params, "owner_id"); err != nil {
		return err
	}
	return nil
}

func (transferOwnership) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	kind, _ := paramString(params, "owner_kind")
	ownerID, _ := paramString(params, "owner_id")
	if kind == domain.OwnerCommunity {
		if _, err := env.Repo.GetCommunityTx(ctx, env.Tx, ownerID); err != nil {
			return validationErrorf("new owner community %s not found", ownerID)
		}
	}
	e, err := env.Repo.GetEntityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	from := e.OwnerKind + ":" + e.OwnerID
	e.OwnerKind = kind
	e.OwnerID = ownerID
	e.UpdatedAt = env.nowString()
	if err := env.Repo.UpdateEntity(ctx, env.Tx, e); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "entity.ownership_transferred", owningCommunityID(e), e.Kind, e.ID, action.ActorID, events.EventPayload{
		"from": from,
		"to":   kind + ":" + ownerID,
	})
}

type setFoundational struct{}

func (setFoundational) Type() string       { return ChangeSetFoundational }
func (setFoundational) Foundational() bool { return true }
func (setFoundational) Describe() string   { return "toggle the foundational permission flag" }

func (setFoundational) Validate(target domain.Entity, params map[string]any) error {
	if _, ok := paramBool(params, "enabled"); !ok {
		return validationErrorf("parameter %q is required", "enabled")
	}
	return nil
}

func (setFoundational) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	enabled, _ := paramBool(params, "enabled")
	e, err := env.Repo.GetEntityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	e.FoundationalEnabled = enabled
	e.UpdatedAt = env.nowString()
	if err := env.Repo.UpdateEntity(ctx, env.Tx, e); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "entity.foundational_set", owningCommunityID(e), e.Kind, e.ID, action.ActorID, events.EventPayload{"enabled": enabled})
}

type setGoverning struct{}

func (setGoverning) Type() string       { return ChangeSetGoverning }
func (setGoverning) Foundational() bool { return true }
func (setGoverning) Describe() string   { return "toggle the governing permission flag" }

func (setGoverning) Validate(target domain.Entity, params map[string]any) error {
	if _, ok := paramBool(params, "enabled"); !ok {
		return validationErrorf("parameter %q is required", "enabled")
	}
	return nil
}

func (setGoverning) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	enabled, _ := paramBool(params, "enabled")
	e, err := env.Repo.GetEntityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	e.GoverningEnabled = enabled
	e.UpdatedAt = env.nowString()
	if err := env.Repo.UpdateEntity(ctx, env.Tx, e); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "entity.governing_set", owningCommunityID(e), e.Kind, e.ID, action.ActorID, events.EventPayload{"enabled": enabled})
}

// owningCommunityID returns the community an event should be filed under,
// empty for actor-owned entities.
func owningCommunityID(e domain.Entity) string {
	if e.OwnerKind == domain.OwnerCommunity {
		return e.OwnerID
	}
	return ""
}
