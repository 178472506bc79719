package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.MaxRetryDepth != 10 || cfg.Conditions.VotingPeriodHours != 168 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Server.BasePath != "/api/v1" {
		t.Fatalf("base path = %q", cfg.Server.BasePath)
	}
}

func TestFromYAMLPartialOverride(t *testing.T) {
	cfg, err := FromYAML([]byte("conditions:\n  voting_period_hours: 24\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Conditions.VotingPeriodHours != 24 {
		t.Fatalf("voting period = %v", cfg.Conditions.VotingPeriodHours)
	}
	// Untouched fields keep their defaults.
	if cfg.Engine.MaxNestingDepth != 10 {
		t.Fatalf("nesting depth = %d", cfg.Engine.MaxNestingDepth)
	}
}

func TestFromYAMLRejectsInvalidValues(t *testing.T) {
	cases := []string{
		"engine:\n  max_retry_depth: 0\n",
		"engine:\n  max_nesting_depth: -1\n",
		"conditions:\n  voting_period_hours: 0\n",
		"conditions:\n  consensus_minimum_hours: -5\n",
		"engine: [not, a, map]\n",
	}
	for _, in := range cases {
		if _, err := FromYAML([]byte(in)); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quorum.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if *cfg != *Default() {
		t.Fatalf("generated config differs from defaults: %+v", cfg)
	}
}

func TestPath(t *testing.T) {
	if got := Path(""); got != filepath.Join(".", "quorum.yml") {
		t.Fatalf("empty workspace path = %q", got)
	}
	if got := Path("/tmp/ws"); got != filepath.Join("/tmp/ws", "quorum.yml") {
		t.Fatalf("path = %q", got)
	}
}
