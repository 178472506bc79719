package engine

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"quorum/internal/domain"
	"quorum/internal/events"
	"quorum/internal/repo"
)

// ChangeEnv is what a change implementation gets to work with. Everything
// runs inside the transaction the engine opened for the action.
type ChangeEnv struct {
	Tx      *sql.Tx
	Repo    repo.Repo
	Events  events.Writer
	Changes *ChangeRegistry
	Now     time.Time
}

func (env ChangeEnv) nowString() string {
	return env.Now.UTC().Format(time.RFC3339)
}

// Change is one registered change type. Validate runs before the pipeline
// and checks parameter shape only; Implement runs once, after approval.
type Change interface {
	Type() string
	// Foundational change types route through the foundational tier
	// unconditionally.
	Foundational() bool
	Describe() string
	Validate(target domain.Entity, params map[string]any) error
	Implement(ctx context.Context, env ChangeEnv, action domain.Action, params map[string]any) error
}

// ConfiguredChange is implemented by change types whose permissions accept a
// narrowing configuration. A permission whose configuration does not match
// the action's parameters is skipped by the pipeline.
type ConfiguredChange interface {
	MatchesConfiguration(config, params map[string]any) (bool, error)
}

type ChangeRegistry struct {
	byType map[string]Change
}

func NewChangeRegistry() *ChangeRegistry {
	r := &ChangeRegistry{byType: map[string]Change{}}
	for _, c := range builtinChanges() {
		r.Register(c)
	}
	return r
}

func (r *ChangeRegistry) Register(c Change) {
	r.byType[c.Type()] = c
}

func (r *ChangeRegistry) Get(typ string) (Change, bool) {
	c, ok := r.byType[typ]
	return c, ok
}

func (r *ChangeRegistry) Types() []string {
	out := make([]string, 0, len(r.byType))
	for typ := range r.byType {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func builtinChanges() []Change {
	return []Change{
		editResource{},
		transferOwnership{},
		setFoundational{},
		setGoverning{},
		addMember{},
		removeMember{},
		addRole{},
		removeRole{},
		assignRole{},
		revokeRole{},
		addLeader{},
		removeLeader{},
		setLeadershipCondition{},
		addPermission{},
		removePermission{},
		updatePermission{},
	}
}

// --- param helpers ---

func paramString(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func requireString(params map[string]any, key string) (string, error) {
	s, ok := paramString(params, key)
	if !ok || s == "" {
		return "", validationErrorf("parameter %q is required", key)
	}
	return s, nil
}

func paramBool(params map[string]any, key string) (bool, bool) {
	v, ok := params[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func paramStringSlice(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, validationErrorf("parameter %q must be a list of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, validationErrorf("parameter %q must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}
