package internal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunshield.yaml")
	if err := os.WriteFile(path, []byte("tun:\n  device: tun0\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Tun.MTU != 1400 {
		t.Fatalf("MTU = %d, want default 1400", cfg.Tun.MTU)
	}
	if len(cfg.Tun.DNSServers) != 1 || cfg.Tun.DNSServers[0] != "1.1.1.1" {
		t.Fatalf("DNSServers = %v, want default", cfg.Tun.DNSServers)
	}
	if cfg.Policy.DefaultDecision != "ALLOW" {
		t.Fatalf("DefaultDecision = %q, want ALLOW", cfg.Policy.DefaultDecision)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestConfig_SaveRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunshield.yaml")

	cfg := &Config{Tun: TunConfig{Device: "tun0", MTU: 1400, DNSServers: []string{"1.1.1.1"}}}
	cfg.Policy.DefaultDecision = "BLOCK"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Tun.Device != "tun0" || got.Policy.DefaultDecision != "BLOCK" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestPolicyConfig_ApplyToAndSnapshotFrom(t *testing.T) {
	engine := NewPolicyEngine(NewCachedIdentityResolver(nil))
	cfg := PolicyConfig{
		DefaultDecision: "BLOCK",
		IdentityRules:   map[int]string{10123: "BLOCK"},
		DomainRules:     map[string]string{"ads.example": "BLOCK"},
	}
	cfg.ApplyTo(engine)

	identity, domain, def := engine.Rules()
	if def != DecisionBlock {
		t.Fatalf("default = %v, want BLOCK", def)
	}
	if identity[10123] != DecisionBlock {
		t.Fatalf("identity rule missing or wrong")
	}
	if domain["ads.example"] != DecisionBlock {
		t.Fatalf("domain rule missing or wrong")
	}

	snap := SnapshotFrom(engine)
	if snap.DefaultDecision != "BLOCK" || snap.IdentityRules[10123] != "BLOCK" || snap.DomainRules["ads.example"] != "BLOCK" {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
}
