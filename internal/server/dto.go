package server

import (
	"encoding/json"

	"quorum/internal/domain"
	"quorum/internal/engine"
	"quorum/internal/engine/condition"
)

// Request payloads

type CreateCommunityRequest struct {
	Name string `json:"name"`
}

type CreateResourceRequest struct {
	Name      string `json:"name"`
	Content   string `json:"content,omitempty"`
	OwnerKind string `json:"owner_kind" enum:"actor,community"`
	OwnerID   string `json:"owner_id"`
}

type TakeActionRequest struct {
	TargetID   string         `json:"target_id"`
	ChangeType string         `json:"change_type"`
	Params     map[string]any `json:"params,omitempty"`
}

type ConditionResponseRequest struct {
	Response string `json:"response"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type CommunityResponse struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	Members           map[string]string     `json:"members"`
	Owners            domain.Leadership     `json:"owners"`
	Governors         domain.Leadership     `json:"governors"`
	Roles             map[string][]string   `json:"roles,omitempty"`
	AutoRoles         map[string]domain.RoleRule `json:"auto_roles,omitempty"`
	OwnerCondition    *domain.ConditionSpec `json:"owner_condition,omitempty"`
	GovernorCondition *domain.ConditionSpec `json:"governor_condition,omitempty"`
	CreatedAt         string                `json:"created_at" format:"date-time"`
}

type EntityResponse struct {
	ID                  string `json:"id"`
	Kind                string `json:"kind" enum:"community,resource,permission"`
	Name                string `json:"name"`
	Content             string `json:"content,omitempty"`
	OwnerKind           string `json:"owner_kind" enum:"actor,community"`
	OwnerID             string `json:"owner_id"`
	FoundationalEnabled bool   `json:"foundational_permission_enabled"`
	GoverningEnabled    bool   `json:"governing_permission_enabled"`
	CreatedAt           string `json:"created_at" format:"date-time"`
	UpdatedAt           string `json:"updated_at" format:"date-time"`
}

type PermissionResponse struct {
	ID         string                `json:"id"`
	TargetID   string                `json:"target_id"`
	ChangeType string                `json:"change_type"`
	Actors     []string              `json:"actors,omitempty"`
	Roles      []domain.RoleRef      `json:"roles,omitempty"`
	Anyone     bool                  `json:"anyone"`
	Config     map[string]any        `json:"config,omitempty"`
	Condition  *domain.ConditionSpec `json:"condition,omitempty"`
	IsActive   bool                  `json:"is_active"`
	CreatedAt  string                `json:"created_at" format:"date-time"`
}

type ActionResponse struct {
	ID         string            `json:"id"`
	ActorID    string            `json:"actor_id"`
	TargetID   string            `json:"target_id"`
	ChangeType string            `json:"change_type"`
	Params     map[string]any    `json:"params,omitempty"`
	Status     string            `json:"status" enum:"pending,waiting,approved,implemented,rejected"`
	Resolution domain.Resolution `json:"resolution"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
	UpdatedAt  string            `json:"updated_at" format:"date-time"`
}

type ConditionInstanceResponse struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	SourceKind      string            `json:"source_kind" enum:"permission,owner,governor"`
	SourceID        string            `json:"source_id"`
	ActionID        string            `json:"action_id"`
	CommunityID     string            `json:"community_id,omitempty"`
	Responders      domain.Leadership `json:"responders"`
	Participants    []string          `json:"participants,omitempty"`
	State           map[string]any    `json:"state"`
	Status          string            `json:"status" enum:"approved,rejected,waiting"`
	Resolved        bool              `json:"resolved"`
	ResponseOptions []string          `json:"response_options"`
	Description     string            `json:"description,omitempty"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	UpdatedAt       string            `json:"updated_at" format:"date-time"`
}

type ConditionResponseResult struct {
	Condition ConditionInstanceResponse `json:"condition"`
	Action    ActionResponse            `json:"action"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	CommunityID string         `json:"community_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type ChangeTypeResponse struct {
	Type         string `json:"type"`
	Foundational bool   `json:"foundational"`
	Description  string `json:"description"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CreateAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

type SweepResponse struct {
	Resolved int `json:"resolved"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func communityResponse(c domain.Community) CommunityResponse {
	resp := CommunityResponse{
		ID:                c.ID,
		Name:              c.Name,
		Members:           c.Members,
		Owners:            c.Owners,
		Governors:         c.Governors,
		Roles:             c.Roles,
		AutoRoles:         c.AutoRoles,
		OwnerCondition:    c.OwnerCondition,
		GovernorCondition: c.GovernorCondition,
		CreatedAt:         c.CreatedAt,
	}
	return resp
}

func entityResponse(e domain.Entity) EntityResponse {
	return EntityResponse(e)
}

func permissionResponse(p domain.Permission) PermissionResponse {
	return PermissionResponse{
		ID:         p.ID,
		TargetID:   p.TargetID,
		ChangeType: p.ChangeType,
		Actors:     p.Actors,
		Roles:      p.Roles,
		Anyone:     p.Anyone,
		Config:     p.Config,
		Condition:  p.Condition,
		IsActive:   p.IsActive,
		CreatedAt:  p.CreatedAt,
	}
}

func actionResponse(a domain.Action) ActionResponse {
	return ActionResponse{
		ID:         a.ID,
		ActorID:    a.ActorID,
		TargetID:   a.TargetID,
		ChangeType: a.ChangeType,
		Params:     decodeJSONMap(a.ParamsJSON),
		Status:     a.Status,
		Resolution: a.Resolution,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

// conditionResponse recomputes live status from the persisted state so a
// read reflects deadlines that passed since the last write.
func conditionResponse(e engine.Engine, ci domain.ConditionInstance) ConditionInstanceResponse {
	resp := ConditionInstanceResponse{
		ID:           ci.ID,
		Type:         ci.Type,
		SourceKind:   ci.SourceKind,
		SourceID:     ci.SourceID,
		ActionID:     ci.ActionID,
		CommunityID:  ci.CommunityID,
		Responders:   ci.Responders,
		Participants: ci.Participants,
		State:        decodeJSONMap(ci.StateJSON),
		Status:       string(condition.StatusWaiting),
		Resolved:     ci.Resolved,
		CreatedAt:    ci.CreatedAt,
		UpdatedAt:    ci.UpdatedAt,
	}
	cond, err := condition.Decode(ci.Type, []byte(ci.StateJSON))
	if err != nil {
		return resp
	}
	now := e.Now()
	resp.Status = string(cond.Status(now))
	resp.ResponseOptions = cond.ResponseOptions()
	resp.Description = cond.Describe()
	return resp
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		CommunityID: evt.CommunityID,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
		Payload:     decodeJSONMap(evt.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func changeTypeResponses(r *engine.ChangeRegistry) []ChangeTypeResponse {
	types := r.Types()
	out := make([]ChangeTypeResponse, 0, len(types))
	for _, typ := range types {
		c, ok := r.Get(typ)
		if !ok {
			continue
		}
		out = append(out, ChangeTypeResponse{
			Type:         c.Type(),
			Foundational: c.Foundational(),
			Description:  c.Describe(),
		})
	}
	return out
}

func mapEntities(items []domain.Entity) []EntityResponse {
	res := make([]EntityResponse, 0, len(items))
	for _, e := range items {
		res = append(res, entityResponse(e))
	}
	return res
}

func mapCommunities(items []domain.Community) []CommunityResponse {
	res := make([]CommunityResponse, 0, len(items))
	for _, c := range items {
		res = append(res, communityResponse(c))
	}
	return res
}

func mapActions(items []domain.Action) []ActionResponse {
	res := make([]ActionResponse, 0, len(items))
	for _, a := range items {
		res = append(res, actionResponse(a))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
