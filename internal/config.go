package internal

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for a tunshield instance: the tun
// device parameters consumed by startVpn plus the policy engine's
// persisted rule set (spec §6).
type Config struct {
	Tun    TunConfig    `yaml:"tun"`
	Policy PolicyConfig `yaml:"policy"`
	Fwmark uint32       `yaml:"fwmark"` // 0 = disabled
}

// TunConfig is the tun configuration the lifecycle controller's
// startVpn accepts (spec §6): address families, routes, DNS, and MTU.
type TunConfig struct {
	Device string `yaml:"device"`

	IPv4Address string `yaml:"ipv4_address"`
	IPv4Mask    string `yaml:"ipv4_mask"`

	IPv6Address string `yaml:"ipv6_address"`
	IPv6Prefix  int    `yaml:"ipv6_prefix"`

	IPv4DefaultRoute string   `yaml:"ipv4_default_route"`
	IPv6DefaultRoute string   `yaml:"ipv6_default_route"`
	DNSServers       []string `yaml:"dns_servers"`

	MTU int `yaml:"mtu"`
}

// PolicyConfig is the persisted form of the policy engine's rule tables
// (spec §3, "Policy rule tables"). Identity rules key on the opaque
// integer identity; domain rules key on the exact domain string observed
// by the DNS inspector.
type PolicyConfig struct {
	DefaultDecision string            `yaml:"default_decision"` // "ALLOW" or "BLOCK"
	IdentityRules   map[int]string    `yaml:"identity_rules"`
	DomainRules     map[string]string `yaml:"domain_rules"`
}

// LoadConfig reads and defaults a Config from path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Tun.MTU == 0 {
		c.Tun.MTU = 1400
	}
	if len(c.Tun.DNSServers) == 0 {
		c.Tun.DNSServers = []string{"1.1.1.1"}
	}
	if c.Policy.DefaultDecision == "" {
		c.Policy.DefaultDecision = "ALLOW"
	}
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write config %q: %w", path, err)
	}
	return nil
}

// parseDecision converts a config string into a Decision, defaulting to
// ALLOW for anything other than the literal "BLOCK".
func parseDecision(s string) Decision {
	if s == "BLOCK" {
		return DecisionBlock
	}
	return DecisionAllow
}

// ApplyTo installs every rule in c onto engine and replaces its default
// decision. A rule the engine already holds for the same identity or
// domain is overwritten; rules that c does not mention are left in place.
func (c PolicyConfig) ApplyTo(engine *PolicyEngine) {
	engine.SetDefaultDecision(parseDecision(c.DefaultDecision))
	for identity, decision := range c.IdentityRules {
		engine.SetIdentityRule(identity, parseDecision(decision))
	}
	for domain, decision := range c.DomainRules {
		engine.SetDomainRule(domain, parseDecision(decision))
	}
}

// SnapshotFrom captures engine's current rules into a PolicyConfig,
// suitable for Save.
func SnapshotFrom(engine *PolicyEngine) PolicyConfig {
	identity, domain, def := engine.Rules()
	out := PolicyConfig{
		DefaultDecision: def.String(),
		IdentityRules:   make(map[int]string, len(identity)),
		DomainRules:     make(map[string]string, len(domain)),
	}
	for k, v := range identity {
		out.IdentityRules[k] = v.String()
	}
	for k, v := range domain {
		out.DomainRules[k] = v.String()
	}
	return out
}
