//go:build linux

package session

import "testing"

func TestMergeEnvOverrideWins(t *testing.T) {
	base := map[string]string{"A": "1", "B": "2"}
	override := map[string]string{"B": "3", "C": "4"}
	got := mergeEnv(base, override)
	want := map[string]string{"A": "1", "B": "3", "C": "4"}
	if len(got) != len(want) {
		t.Fatalf("mergeEnv len = %d, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("mergeEnv[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestMergeEnvNilInputs(t *testing.T) {
	if got := mergeEnv(nil, nil); len(got) != 0 {
		t.Fatalf("mergeEnv(nil, nil) = %v, want empty", got)
	}
}

func TestBuildNATConfigAppliesOverridesAndDefaults(t *testing.T) {
	cfg, err := buildNATConfig(NATConfig{MaxConcurrentConns: 10})
	if err != nil {
		t.Fatalf("buildNATConfig: %v", err)
	}
	if cfg.MaxConcurrentConns != 10 {
		t.Fatalf("MaxConcurrentConns = %d, want 10", cfg.MaxConcurrentConns)
	}
	if cfg.NewConnRatePerSec == 0 {
		t.Fatal("expected default NewConnRatePerSec to survive when unset")
	}
}

func TestBuildNATConfigRejectsInvalidCIDR(t *testing.T) {
	_, err := buildNATConfig(NATConfig{DenyCIDRs: []string{"not-a-cidr"}})
	if err == nil {
		t.Fatal("expected an error for an invalid CIDR")
	}
	se, ok := err.(*SandboxError)
	if !ok || se.Kind != ConfigError {
		t.Fatalf("error = %v, want *SandboxError{Kind: ConfigError}", err)
	}
}

func TestBuildNATConfigParsesDenyCIDRs(t *testing.T) {
	cfg, err := buildNATConfig(NATConfig{DenyCIDRs: []string{"169.254.0.0/16", "10.0.0.0/8"}})
	if err != nil {
		t.Fatalf("buildNATConfig: %v", err)
	}
	if len(cfg.DenyCIDRs) != 2 {
		t.Fatalf("DenyCIDRs len = %d, want 2", len(cfg.DenyCIDRs))
	}
}
