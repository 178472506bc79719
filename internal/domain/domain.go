package domain

// Entity kinds. Every governed object is an entity row; communities and
// permissions additionally have rows in their own tables keyed by the same id.
const (
	KindCommunity  = "community"
	KindResource   = "resource"
	KindPermission = "permission"
)

// Owner kinds for an entity.
const (
	OwnerActor     = "actor"
	OwnerCommunity = "community"
)

// Entity is any object that participates in the authority model.
type Entity struct {
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

// Leadership names the actors and roles holding a leadership position, or
// eligible to respond to a condition.
type Leadership struct {
	Actors []string `json:"actors,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

func (l Leadership) Empty() bool {
	return len(l.Actors) == 0 && len(l.Roles) == 0
}

// Automated role rule kinds.
const RuleMemberSince = "member_since"

// RoleRule defines an automated role whose membership is computed from a
// rule instead of an explicit member list.
type RoleRule struct {
	Kind    string `json:"kind" enum:"member_since"`
	MinDays int    `json:"min_days,omitempty"`
}

// ConditionSpec configures a condition attached to a permission or to a
// leadership position. Responders names who may act on instances created from
// this spec; empty responders on a leadership condition means the leadership
// group itself responds.
type ConditionSpec struct {
	Type       string         `json:"type"`
	Config     map[string]any `json:"config,omitempty"`
	Responders Leadership     `json:"responders"`
}

// Community holds the role registry and leadership structure for a community
// entity. Members maps actor id to RFC3339 join time, which automated role
// rules consume.
type Community struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	Members           map[string]string   `json:"members"`
	Owners            Leadership          `json:"owners"`
	Governors         Leadership          `json:"governors"`
	Roles             map[string][]string `json:"roles,omitempty"`
	AutoRoles         map[string]RoleRule `json:"auto_roles,omitempty"`
	OwnerCondition    *ConditionSpec      `json:"owner_condition,omitempty"`
	GovernorCondition *ConditionSpec      `json:"governor_condition,omitempty"`
	CreatedAt         string              `json:"created_at" format:"date-time"`
}

// RoleRef names a role, optionally in a community other than the target's
// owning community.
type RoleRef struct {
	Community string `json:"community,omitempty"`
	Role      string `json:"role"`
}

// Permission is a standing grant: who may apply a given change type to a
// target. A permission is itself an entity (kind "permission") so its own
// mutation runs through the pipeline.
type Permission struct {
	ID         string         `json:"id"`
	TargetID   string         `json:"target_id"`
	ChangeType string         `json:"change_type"`
	Actors     []string       `json:"actors,omitempty"`
	Roles      []RoleRef      `json:"roles,omitempty"`
	Anyone     bool           `json:"anyone"`
	Config     map[string]any `json:"config,omitempty"`
	Condition  *ConditionSpec `json:"condition,omitempty"`
	IsActive   bool           `json:"is_active"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

// Condition instance sources.
const (
	SourcePermission = "permission"
	SourceOwner      = "owner"
	SourceGovernor   = "governor"
)

// ConditionInstance is the stateful record created when an action first hits
// a conditioned permission or leadership position. Instances are never
// deleted; they remain as the audit trail of how the action was decided.
type ConditionInstance struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	SourceKind   string     `json:"source_kind" enum:"permission,owner,governor"`
	SourceID     string     `json:"source_id"`
	ActionID     string     `json:"action_id"`
	CommunityID  string     `json:"community_id,omitempty"`
	Responders   Leadership `json:"responders"`
	Participants []string   `json:"participants,omitempty"`
	StateJSON    string     `json:"state_json"`
	Resolved     bool       `json:"resolved"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	UpdatedAt    string     `json:"updated_at" format:"date-time"`
}

// Action statuses. Transitions are monotonic except waiting, which an action
// leaves when a condition resolution re-drives it.
const (
	ActionPending     = "pending"
	ActionWaiting     = "waiting"
	ActionApproved    = "approved"
	ActionImplemented = "implemented"
	ActionRejected    = "rejected"
)

// Action is one attempted change against one target.
type Action struct {
	ID         string     `json:"id"`
	ActorID    string     `json:"actor_id"`
	TargetID   string     `json:"target_id"`
	ChangeType string     `json:"change_type"`
	ParamsJSON string     `json:"params_json,omitempty"`
	Status     string     `json:"status" enum:"pending,waiting,approved,implemented,rejected"`
	Resolution Resolution `json:"resolution"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
	UpdatedAt  string     `json:"updated_at" format:"date-time"`
}

// Resolution records which pipeline tier decided the action, which role or
// condition approved it, and a readable trail of every step taken.
type Resolution struct {
	Pipeline          string   `json:"pipeline,omitempty"`
	ApprovedRole      string   `json:"approved_role,omitempty"`
	ApprovedCondition string   `json:"approved_condition,omitempty"`
	Log               []string `json:"log,omitempty"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	CommunityID string `json:"community_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
