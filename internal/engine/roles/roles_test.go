package roles

import (
	"slices"
	"testing"
	"time"

	"quorum/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixed(t time.Time) Registry {
	return Registry{Now: func() time.Time { return t }}
}

func community() domain.Community {
	return domain.Community{
		ID:   "c1",
		Name: "makers",
		Members: map[string]string{
			"alice": t0.AddDate(0, 0, -100).Format(time.RFC3339),
			"bob":   t0.AddDate(0, 0, -5).Format(time.RFC3339),
			"carol": t0.AddDate(0, 0, -40).Format(time.RFC3339),
		},
		Owners:    domain.Leadership{Actors: []string{"alice"}},
		Governors: domain.Leadership{Roles: []string{"stewards"}},
		Roles: map[string][]string{
			"stewards": {"carol"},
			"editors":  {"bob", "carol"},
		},
		AutoRoles: map[string]domain.RoleRule{
			"elders": {Kind: domain.RuleMemberSince, MinDays: 30},
		},
	}
}

func TestHas(t *testing.T) {
	g := fixed(t0)
	c := community()

	if !g.Has(c, "bob", RoleMember) {
		t.Fatalf("bob should be a member")
	}
	if g.Has(c, "mallory", RoleMember) {
		t.Fatalf("mallory is not a member")
	}
	if !g.Has(c, "bob", "editors") {
		t.Fatalf("bob should hold editors")
	}
	if g.Has(c, "alice", "editors") {
		t.Fatalf("alice does not hold editors")
	}
	// Role checks never succeed for non-members, even if listed.
	c.Roles["editors"] = append(c.Roles["editors"], "mallory")
	if g.Has(c, "mallory", "editors") {
		t.Fatalf("non-member cannot hold a role")
	}
}

func TestAutomatedRoleUsesClock(t *testing.T) {
	c := community()

	if !fixed(t0).Has(c, "carol", "elders") {
		t.Fatalf("carol joined 40 days ago, should be an elder")
	}
	if fixed(t0).Has(c, "bob", "elders") {
		t.Fatalf("bob joined 5 days ago, not yet an elder")
	}
	// The same member qualifies once enough time passes.
	if !fixed(t0.AddDate(0, 0, 26)).Has(c, "bob", "elders") {
		t.Fatalf("bob should qualify 31 days after joining")
	}
}

func TestLeadershipDirectAndViaRole(t *testing.T) {
	g := fixed(t0)
	c := community()

	ok, via := g.IsOwner(c, "alice")
	if !ok || via != "" {
		t.Fatalf("alice owns directly, got ok=%t via=%q", ok, via)
	}
	if ok, _ := g.IsOwner(c, "carol"); ok {
		t.Fatalf("carol is not an owner")
	}

	ok, via = g.IsGovernor(c, "carol")
	if !ok || via != "stewards" {
		t.Fatalf("carol governs via stewards, got ok=%t via=%q", ok, via)
	}
	if ok, _ := g.IsGovernor(c, "alice"); ok {
		t.Fatalf("alice is not a governor")
	}
}

func TestInLeadership(t *testing.T) {
	g := fixed(t0)
	c := community()
	group := domain.Leadership{Actors: []string{"dave"}, Roles: []string{"editors"}}

	if !g.InLeadership(c, "dave", group) {
		t.Fatalf("dave is listed directly")
	}
	if !g.InLeadership(c, "bob", group) {
		t.Fatalf("bob is in via editors")
	}
	if g.InLeadership(c, "alice", group) {
		t.Fatalf("alice is in neither list")
	}
}

func TestEnumerateSnapshotsRoleHolders(t *testing.T) {
	g := fixed(t0)
	c := community()

	got := g.Enumerate(c, domain.Leadership{Actors: []string{"dave"}, Roles: []string{"editors", "elders"}})
	want := []string{"alice", "bob", "carol", "dave"}
	if !slices.Equal(got, want) {
		t.Fatalf("enumerate = %v, want %v", got, want)
	}

	// Duplicates across actors and roles collapse.
	got = g.Enumerate(c, domain.Leadership{Actors: []string{"bob"}, Roles: []string{"editors"}})
	if !slices.Equal(got, []string{"bob", "carol"}) {
		t.Fatalf("enumerate = %v", got)
	}
}
