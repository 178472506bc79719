package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"quorum/internal/domain"
	"quorum/internal/engine/condition"
	"quorum/internal/events"
)

// Change type names for permission records.
const (
	ChangeAddPermission    = "permission.add"
	ChangeRemovePermission = "permission.remove"
	ChangeUpdatePermission = "permission.update"
)

func decodeConditionSpec(v any) (*domain.ConditionSpec, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, validationErrorf("condition: %v", err)
	}
	var spec domain.ConditionSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, validationErrorf("condition: %v", err)
	}
	if !condition.Known(spec.Type) {
		return nil, validationErrorf("unknown condition type %q", spec.Type)
	}
	return &spec, nil
}

func decodeRoleRefs(v any) ([]domain.RoleRef, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, validationErrorf("roles: %v", err)
	}
	var refs []domain.RoleRef
	if err := json.Unmarshal(b, &refs); err != nil {
		return nil, validationErrorf("roles must be a list of {community, role} objects")
	}
	for _, ref := range refs {
		if ref.Role == "" {
			return nil, validationErrorf("each role reference needs a role name")
		}
	}
	return refs, nil
}

type addPermission struct{}

func (addPermission) Type() string       { return ChangeAddPermission }
func (addPermission) Foundational() bool { return false }
func (addPermission) Describe() string   { return "add permission" }

func (addPermission) Validate(target domain.Entity, params map[string]any) error {
	if _, err := requireString(params, "change_type"); err != nil {
		return err
	}
	if _, err := paramStringSlice(params, "actors"); err != nil {
		return err
	}
	if _, err := decodeRoleRefs(params["roles"]); err != nil {
		return err
	}
	if raw, ok := params["condition"]; ok && raw != nil {
		spec, err := decodeConditionSpec(raw)
		if err != nil {
			return err
		}
		if spec.Responders.Empty() {
			return validationErrorf("a permission condition needs responders")
		}
	}
	return nil
}

func (addPermission) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	changeType, _ := paramString(params, "change_type")
	if _, ok := env.Changes.Get(changeType); !ok {
		return validationErrorf("unknown change type %q", changeType)
	}
	target, err := env.Repo.GetEntityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	actors, _ := paramStringSlice(params, "actors")
	refs, _ := decodeRoleRefs(params["roles"])
	anyone, _ := paramBool(params, "anyone")
	var spec *domain.ConditionSpec
	if raw, ok := params["condition"]; ok && raw != nil {
		spec, _ = decodeConditionSpec(raw)
	}
	var config map[string]any
	if raw, ok := params["config"].(map[string]any); ok {
		config = raw
	}
	now := env.nowString()
	p := domain.Permission{
		ID:         uuid.New().String(),
		TargetID:   target.ID,
		ChangeType: changeType,
		Actors:     actors,
		Roles:      refs,
		Anyone:     anyone,
		Config:     config,
		Condition:  spec,
		IsActive:   true,
		CreatedAt:  now,
	}
	entity := domain.Entity{
		ID:               p.ID,
		Kind:             domain.KindPermission,
		Name:             "permission:" + changeType,
		OwnerKind:        target.OwnerKind,
		OwnerID:          target.OwnerID,
		GoverningEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := env.Repo.InsertEntity(ctx, env.Tx, entity); err != nil {
		return err
	}
	if err := env.Repo.InsertPermission(ctx, env.Tx, p); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "permission.added", owningCommunityID(target), domain.KindPermission, p.ID, action.ActorID, events.EventPayload{
		"target":      target.ID,
		"change_type": changeType,
	})
}

type removePermission struct{}

func (removePermission) Type() string       { return ChangeRemovePermission }
func (removePermission) Foundational() bool { return false }
func (removePermission) Describe() string   { return "remove permission" }

func (removePermission) Validate(target domain.Entity, params map[string]any) error {
	if target.Kind != domain.KindPermission {
		return validationErrorf("target %s is a %s, not a permission", target.ID, target.Kind)
	}
	return nil
}

func (removePermission) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	target, err := env.Repo.GetEntityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	if err := env.Repo.DeletePermission(ctx, env.Tx, target.ID); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "permission.removed", owningCommunityID(target), domain.KindPermission, target.ID, action.ActorID, nil)
}

type updatePermission struct{}

func (updatePermission) Type() string       { return ChangeUpdatePermission }
func (updatePermission) Foundational() bool { return false }
func (updatePermission) Describe() string   { return "update permission" }

func (updatePermission) Validate(target domain.Entity, params map[string]any) error {
	if target.Kind != domain.KindPermission {
		return validationErrorf("target %s is a %s, not a permission", target.ID, target.Kind)
	}
	if _, err := paramStringSlice(params, "actors"); err != nil {
		return err
	}
	if _, err := decodeRoleRefs(params["roles"]); err != nil {
		return err
	}
	if raw, ok := params["condition"]; ok && raw != nil {
		spec, err := decodeConditionSpec(raw)
		if err != nil {
			return err
		}
		if spec.Responders.Empty() {
			return validationErrorf("a permission condition needs responders")
		}
	}
	return nil
}

func (updatePermission) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	p, err := env.Repo.GetPermissionTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	if _, ok := params["actors"]; ok {
		p.Actors, _ = paramStringSlice(params, "actors")
	}
	if _, ok := params["roles"]; ok {
		p.Roles, _ = decodeRoleRefs(params["roles"])
	}
	if v, ok := paramBool(params, "anyone"); ok {
		p.Anyone = v
	}
	if raw, ok := params["config"]; ok {
		cfg, _ := raw.(map[string]any)
		p.Config = cfg
	}
	if raw, ok := params["condition"]; ok {
		if raw == nil {
			p.Condition = nil
		} else {
			p.Condition, _ = decodeConditionSpec(raw)
		}
	}
	if v, ok := paramBool(params, "is_active"); ok {
		p.IsActive = v
	}
	if err := env.Repo.UpdatePermission(ctx, env.Tx, p); err != nil {
		return err
	}
	entity, err := env.Repo.GetEntityTx(ctx, env.Tx, p.ID)
	if err != nil {
		return err
	}
	entity.UpdatedAt = env.Now.UTC().Format(time.RFC3339)
	if err := env.Repo.UpdateEntity(ctx, env.Tx, entity); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "permission.updated", owningCommunityID(entity), domain.KindPermission, p.ID, action.ActorID, nil)
}
