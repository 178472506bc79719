package engine

import (
	"context"
	"slices"

	"quorum/internal/domain"
	"quorum/internal/engine/roles"
	"quorum/internal/events"
)

// Change type names for communities.
const (
	ChangeAddMember              = "community.add_member"
	ChangeRemoveMember           = "community.remove_member"
	ChangeAddRole                = "community.add_role"
	ChangeRemoveRole             = "community.remove_role"
	ChangeAssignRole             = "community.assign_role"
	ChangeRevokeRole             = "community.revoke_role"
	ChangeAddLeader              = "community.add_leader"
	ChangeRemoveLeader           = "community.remove_leader"
	ChangeSetLeadershipCondition = "community.set_leadership_condition"
)

// Leadership positions addressed by leader and condition changes.
const (
	PositionOwner    = "owner"
	PositionGovernor = "governor"
)

func requireCommunityTarget(target domain.Entity) error {
	if target.Kind != domain.KindCommunity {
		return validationErrorf("target %s is a %s, not a community", target.ID, target.Kind)
	}
	return nil
}

func requirePosition(params map[string]any) (string, error) {
	pos, err := requireString(params, "position")
	if err != nil {
		return "", err
	}
	if pos != PositionOwner && pos != PositionGovernor {
		return "", validationErrorf("position must be owner or governor, got %q", pos)
	}
	return pos, nil
}

type addMember struct{}

func (addMember) Type() string       { return ChangeAddMember }
func (addMember) Foundational() bool { return false }
func (addMember) Describe() string   { return "add member to community" }

func (addMember) Validate(target domain.Entity, params map[string]any) error {
	if err := requireCommunityTarget(target); err != nil {
		return err
	}
	_, err := requireString(params, "actor")
	return err
}

func (addMember) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	actor, _ := paramString(params, "actor")
	c, err := env.Repo.GetCommunityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	if _, ok := c.Members[actor]; ok {
		return validationErrorf("actor %s is already a member of %s", actor, c.ID)
	}
	if c.Members == nil {
		c.Members = map[string]string{}
	}
	c.Members[actor] = env.nowString()
	if err := env.Repo.UpdateCommunity(ctx, env.Tx, c); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "community.member_added", c.ID, domain.KindCommunity, c.ID, action.ActorID, events.EventPayload{"actor": actor})
}

type removeMember struct{}

func (removeMember) Type() string       { return ChangeRemoveMember }
func (removeMember) Foundational() bool { return false }
func (removeMember) Describe() string   { return "remove member from community" }

func (removeMember) Validate(target domain.Entity, params map[string]any) error {
	if err := requireCommunityTarget(target); err != nil {
		return err
	}
	_, err := requireString(params, "actor")
	return err
}

func (removeMember) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	actor, _ := paramString(params, "actor")
	c, err := env.Repo.GetCommunityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	if _, ok := c.Members[actor]; !ok {
		return validationErrorf("actor %s is not a member of %s", actor, c.ID)
	}
	if slices.Contains(c.Owners.Actors, actor) || slices.Contains(c.Governors.Actors, actor) {
		return validationErrorf("actor %s holds a leadership position; remove it first", actor)
	}
	delete(c.Members, actor)
	for role, holders := range c.Roles {
		if i := slices.Index(holders, actor); i >= 0 {
			c.Roles[role] = slices.Delete(holders, i, i+1)
		}
	}
	if err := env.Repo.UpdateCommunity(ctx, env.Tx, c); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "community.member_removed", c.ID, domain.KindCommunity, c.ID, action.ActorID, events.EventPayload{"actor": actor})
}

type addRole struct{}

func (addRole) Type() string       { return ChangeAddRole }
func (addRole) Foundational() bool { return false }
func (addRole) Describe() string   { return "add role to community" }

func (addRole) Validate(target domain.Entity, params map[string]any) error {
	if err := requireCommunityTarget(target); err != nil {
		return err
	}
	role, err := requireString(params, "role")
	if err != nil {
		return err
	}
	if role == roles.RoleMember {
		return validationErrorf("role %q is built in", role)
	}
	return nil
}

func (addRole) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	role, _ := paramString(params, "role")
	c, err := env.Repo.GetCommunityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	if _, ok := c.Roles[role]; ok {
		return validationErrorf("role %q already exists", role)
	}
	if _, ok := c.AutoRoles[role]; ok {
		return validationErrorf("role %q already exists as an automated role", role)
	}
	if c.Roles == nil {
		c.Roles = map[string][]string{}
	}
	c.Roles[role] = []string{}
	if err := env.Repo.UpdateCommunity(ctx, env.Tx, c); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "community.role_added", c.ID, domain.KindCommunity, c.ID, action.ActorID, events.EventPayload{"role": role})
}

type removeRole struct{}

func (removeRole) Type() string       { return ChangeRemoveRole }
func (removeRole) Foundational() bool { return false }
func (removeRole) Describe() string   { return "remove role from community" }

func (removeRole) Validate(target domain.Entity, params map[string]any) error {
	if err := requireCommunityTarget(target); err != nil {
		return err
	}
	role, err := requireString(params, "role")
	if err != nil {
		return err
	}
	if role == roles.RoleMember {
		return validationErrorf("role %q cannot be removed", role)
	}
	return nil
}

func (removeRole) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	role, _ := paramString(params, "role")
	c, err := env.Repo.GetCommunityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	_, custom := c.Roles[role]
	_, auto := c.AutoRoles[role]
	if !custom && !auto {
		return validationErrorf("role %q does not exist", role)
	}
	if slices.Contains(c.Owners.Roles, role) || slices.Contains(c.Governors.Roles, role) {
		return validationErrorf("role %q backs a leadership position; remove that first", role)
	}
	delete(c.Roles, role)
	delete(c.AutoRoles, role)
	if err := env.Repo.UpdateCommunity(ctx, env.Tx, c); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "community.role_removed", c.ID, domain.KindCommunity, c.ID, action.ActorID, events.EventPayload{"role": role})
}

type assignRole struct{}

func (assignRole) Type() string       { return ChangeAssignRole }
func (assignRole) Foundational() bool { return false }
func (assignRole) Describe() string   { return "assign role to member" }

func (assignRole) Validate(target domain.Entity, params map[string]any) error {
	if err := requireCommunityTarget(target); err != nil {
		return err
	}
	if _, err := requireString(params, "role"); err != nil {
		return err
	}
	_, err := requireString(params, "actor")
	return err
}

// MatchesConfiguration narrows a role-assignment permission to specific
// roles via {"roles": [...]} on the permission record.
func (assignRole) MatchesConfiguration(config, params map[string]any) (bool, error) {
	allowed, err := paramStringSlice(config, "roles")
	if err != nil {
		return false, err
	}
	if len(allowed) == 0 {
		return true, nil
	}
	role, _ := paramString(params, "role")
	return slices.Contains(allowed, role), nil
}

func (assignRole) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	role, _ := paramString(params, "role")
	actor, _ := paramString(params, "actor")
	c, err := env.Repo.GetCommunityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	if _, ok := c.Members[actor]; !ok {
		return validationErrorf("actor %s must be a member before holding a role", actor)
	}
	holders, ok := c.Roles[role]
	if !ok {
		if _, auto := c.AutoRoles[role]; auto {
			return validationErrorf("role %q is automated and cannot be assigned", role)
		}
		return validationErrorf("role %q does not exist", role)
	}
	if slices.Contains(holders, actor) {
		return validationErrorf("actor %s already holds role %q", actor, role)
	}
	c.Roles[role] = append(holders, actor)
	if err := env.Repo.UpdateCommunity(ctx, env.Tx, c); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "community.role_assigned", c.ID, domain.KindCommunity, c.ID, action.ActorID, events.EventPayload{"role": role, "actor": actor})
}

type revokeRole struct{}

func (revokeRole) Type() string       { return ChangeRevokeRole }
func (revokeRole) Foundational() bool { return false }
func (revokeRole) Describe() string   { return "revoke role from member" }

func (revokeRole) Validate(target domain.Entity, params map[string]any) error {
	if err := requireCommunityTarget(target); err != nil {
		return err
	}
	if _, err := requireString(params, "role"); err != nil {
		return err
	}
	_, err := requireString(params, "actor")
	return err
}

func (revokeRole) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	role, _ := paramString(params, "role")
	actor, _ := paramString(params, "actor")
	c, err := env.Repo.GetCommunityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	holders, ok := c.Roles[role]
	if !ok {
		return validationErrorf("role %q does not exist", role)
	}
	i := slices.Index(holders, actor)
	if i < 0 {
		return validationErrorf("actor %s does not hold role %q", actor, role)
	}
	c.Roles[role] = slices.Delete(holders, i, i+1)
	if err := env.Repo.UpdateCommunity(ctx, env.Tx, c); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "community.role_revoked", c.ID, domain.KindCommunity, c.ID, action.ActorID, events.EventPayload{"role": role, "actor": actor})
}

type addLeader struct{}

func (addLeader) Type() string       { return ChangeAddLeader }
func (addLeader) Foundational() bool { return true }
func (addLeader) Describe() string   { return "add leader to community" }

func (addLeader) Validate(target domain.Entity, params map[string]any) error {
	if err := requireCommunityTarget(target); err != nil {
		return err
	}
	if _, err := requirePosition(params); err != nil {
		return err
	}
	actor, _ := paramString(params, "actor")
	role, _ := paramString(params, "role")
	if actor == "" && role == "" {
		return validationErrorf("one of actor or role is required")
	}
	if actor != "" && role != "" {
		return validationErrorf("actor and role are mutually exclusive")
	}
	return nil
}

func (addLeader) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	pos, _ := paramString(params, "position")
	actor, _ := paramString(params, "actor")
	role, _ := paramString(params, "role")
	c, err := env.Repo.GetCommunityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	l := &c.Owners
	if pos == PositionGovernor {
		l = &c.Governors
	}
	switch {
	case actor != "":
		if _, ok := c.Members[actor]; !ok {
			return validationErrorf("actor %s must be a member before holding a leadership position", actor)
		}
		if slices.Contains(l.Actors, actor) {
			return validationErrorf("actor %s already holds the %s position", actor, pos)
		}
		l.Actors = append(l.Actors, actor)
	default:
		if _, custom := c.Roles[role]; !custom {
			if _, auto := c.AutoRoles[role]; !auto && role != roles.RoleMember {
				return validationErrorf("role %q does not exist", role)
			}
		}
		if slices.Contains(l.Roles, role) {
			return validationErrorf("role %q already backs the %s position", role, pos)
		}
		l.Roles = append(l.Roles, role)
	}
	if err := env.Repo.UpdateCommunity(ctx, env.Tx, c); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "community.leader_added", c.ID, domain.KindCommunity, c.ID, action.ActorID, events.EventPayload{"position": pos, "actor": actor, "role": role})
}

type removeLeader struct{}

func (removeLeader) Type() string       { return ChangeRemoveLeader }
func (removeLeader) Foundational() bool { return true }
func (removeLeader) Describe() string   { return "remove leader from community" }

func (removeLeader) Validate(target domain.Entity, params map[string]any) error {
	return addLeader{}.Validate(target, params)
}

func (removeLeader) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	pos, _ := paramString(params, "position")
	actor, _ := paramString(params, "actor")
	role, _ := paramString(params, "role")
	c, err := env.Repo.GetCommunityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	l := &c.Owners
	if pos == PositionGovernor {
		l = &c.Governors
	}
	switch {
	case actor != "":
		i := slices.Index(l.Actors, actor)
		if i < 0 {
			return validationErrorf("actor %s does not hold the %s position", actor, pos)
		}
		l.Actors = slices.Delete(l.Actors, i, i+1)
	default:
		i := slices.Index(l.Roles, role)
		if i < 0 {
			return validationErrorf("role %q does not back the %s position", role, pos)
		}
		l.Roles = slices.Delete(l.Roles, i, i+1)
	}
	if pos == PositionOwner && c.Owners.Empty() {
		return validationErrorf("community %s must keep at least one owner", c.ID)
	}
	if err := env.Repo.UpdateCommunity(ctx, env.Tx, c); err != nil {
		return err
	}
	return env.Events.Append(ctx, env.Tx, "community.leader_removed", c.ID, domain.KindCommunity, c.ID, action.ActorID, events.EventPayload{"position": pos, "actor": actor, "role": role})
}

type setLeadershipCondition struct{}

func (setLeadershipCondition) Type() string       { return ChangeSetLeadershipCondition }
func (setLeadershipCondition) Foundational() bool { return true }
func (setLeadershipCondition) Describe() string   { return "set leadership condition" }

func (setLeadershipCondition) Validate(target domain.Entity, params map[string]any) error {
	if err := requireCommunityTarget(target); err != nil {
		return err
	}
	if _, err := requirePosition(params); err != nil {
		return err
	}
	if _, ok := params["condition"]; !ok {
		return nil
	}
	_, err := decodeConditionSpec(params["condition"])
	return err
}

func (setLeadershipCondition) Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error {
	pos, _ := paramString(params, "position")
	var spec *domain.ConditionSpec
	if raw, ok := params["condition"]; ok && raw != nil {
		var err error
		spec, err = decodeConditionSpec(raw)
		if err != nil {
			return err
		}
	}
	c, err := env.Repo.GetCommunityTx(ctx, env.Tx, action.TargetID)
	if err != nil {
		return err
	}
	if pos == PositionOwner {
		c.OwnerCondition = spec
	} else {
		c.GovernorCondition = spec
	}
	if err := env.Repo.UpdateCommunity(ctx, env.Tx, c); err != nil {
		return err
	}
	payload := events.EventPayload{"position": pos}
	if spec != nil {
		payload["condition_type"] = spec.Type
	}
	return env.Events.Append(ctx, env.Tx, "community.leadership_condition_set", c.ID, domain.KindCommunity, c.ID, action.ActorID, payload)
}
