// Package roles answers role and leadership membership questions for
// communities. All checks are pure over the community record; automated
// roles are recomputed against the injected clock on every call.
package roles

import (
	"slices"
	"time"

	"quorum/internal/domain"
)

// RoleMember is implicit on every community. Holding any other role
// requires membership first.
const RoleMember = "member"

type Registry struct {
	Now func() time.Time
}

func (g Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Registry) IsMember(c domain.Community, actor string) bool {
	_, ok := c.Members[actor]
	return ok
}

// Has reports whether the actor currently holds the role in the community.
func (g Registry) Has(c domain.Community, actor, role string) bool {
	if role == RoleMember {
		return g.IsMember(c, actor)
	}
	if !g.IsMember(c, actor) {
		return false
	}
	if rule, ok := c.AutoRoles[role]; ok {
		return g.satisfiesRule(c, actor, rule)
	}
	return slices.Contains(c.Roles[role], actor)
}

func (g Registry) satisfiesRule(c domain.Community, actor string, rule domain.RoleRule) bool {
	switch rule.Kind {
	case domain.RuleMemberSince:
		joined, err := time.Parse(time.RFC3339, c.Members[actor])
		if err != nil {
			return false
		}
		return !g.now().Before(joined.AddDate(0, 0, rule.MinDays))
	default:
		return false
	}
}

// holds reports whether the actor is in the leadership group, and through
// which role if the match came via a role rather than a direct listing.
func (g Registry) holds(c domain.Community, actor string, l domain.Leadership) (bool, string) {
	if slices.Contains(l.Actors, actor) {
		return true, ""
	}
	for _, role := range l.Roles {
		if g.Has(c, actor, role) {
			return true, role
		}
	}
	return false, ""
}

func (g Registry) IsOwner(c domain.Community, actor string) (bool, string) {
	return g.holds(c, actor, c.Owners)
}

func (g Registry) IsGovernor(c domain.Community, actor string) (bool, string) {
	return g.holds(c, actor, c.Governors)
}

// InLeadership reports group membership without the matched role.
func (g Registry) InLeadership(c domain.Community, actor string, l domain.Leadership) bool {
	ok, _ := g.holds(c, actor, l)
	return ok
}

// Enumerate expands a leadership group into the concrete actor set at this
// moment: direct actors plus every member currently holding a listed role.
// Used to snapshot condition participants.
func (g Registry) Enumerate(c domain.Community, l domain.Leadership) []string {
	seen := map[string]bool{}
	var out []string
	add := func(actor string) {
		if !seen[actor] {
			seen[actor] = true
			out = append(out, actor)
		}
	}
	for _, a := range l.Actors {
		add(a)
	}
	for _, role := range l.Roles {
		for member := range c.Members {
			if g.Has(c, member, role) {
				add(member)
			}
		}
	}
	slices.Sort(out)
	return out
}
