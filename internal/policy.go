package internal

import "sync"

// Decision is the binary policy output, taken exactly once per flow
// (spec §4.4).
type Decision int

const (
	// DecisionAllow permits the flow to be forwarded.
	DecisionAllow Decision = iota
	// DecisionBlock rejects the flow before any upstream socket is opened.
	DecisionBlock
)

func (d Decision) String() string {
	if d == DecisionBlock {
		return "BLOCK"
	}
	return "ALLOW"
}

// ProtoTCP and ProtoUDP identify the protocol an evaluation is for.
const (
	ProtoTCP uint8 = protoTCP
	ProtoUDP uint8 = protoUDP
)

// PolicyEngine holds the identity and domain rule tables plus the default
// decision (spec §4.4). All three may be mutated at any time by an
// operator; mutations are visible atomically to subsequent evaluations,
// but never retroactively affect a flow's already-cached decision
// (spec §3, testable property §8.6).
type PolicyEngine struct {
	mu       sync.RWMutex
	identity map[int]Decision
	domain   map[string]Decision
	def      Decision

	resolver *CachedIdentityResolver
}

// NewPolicyEngine constructs an engine with DecisionAllow as the default,
// per spec §4.4 ("initial value ALLOW").
func NewPolicyEngine(resolver *CachedIdentityResolver) *PolicyEngine {
	return &PolicyEngine{
		identity: make(map[int]Decision),
		domain:   make(map[string]Decision),
		def:      DecisionAllow,
		resolver: resolver,
	}
}

// Evaluate implements the lookup order in spec §4.4: identity rule, then
// domain rule, then the default. It must be called exactly once per flow,
// at flow creation; callers are responsible for caching the result on the
// flow object.
func (p *PolicyEngine) Evaluate(protocol uint8, key FlowKey, domain string) Decision {
	identity, known := p.resolver.Resolve(protocol, key)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if known {
		if d, ok := p.identity[identity]; ok {
			return d
		}
	}
	if domain != "" {
		if d, ok := p.domain[domain]; ok {
			return d
		}
	}
	return p.def
}

// --- Operator interface (spec §6): safe to call concurrently with Evaluate. ---

// SetIdentityRule sets or overwrites the decision for an identity.
func (p *PolicyEngine) SetIdentityRule(identity int, d Decision) {
	p.mu.Lock()
	p.identity[identity] = d
	p.mu.Unlock()
}

// RemoveIdentityRule removes any rule for an identity.
func (p *PolicyEngine) RemoveIdentityRule(identity int) {
	p.mu.Lock()
	delete(p.identity, identity)
	p.mu.Unlock()
}

// SetDomainRule sets or overwrites the decision for a domain.
func (p *PolicyEngine) SetDomainRule(domain string, d Decision) {
	p.mu.Lock()
	p.domain[domain] = d
	p.mu.Unlock()
}

// RemoveDomainRule removes any rule for a domain.
func (p *PolicyEngine) RemoveDomainRule(domain string) {
	p.mu.Lock()
	delete(p.domain, domain)
	p.mu.Unlock()
}

// SetDefaultDecision replaces the default decision.
func (p *PolicyEngine) SetDefaultDecision(d Decision) {
	p.mu.Lock()
	p.def = d
	p.mu.Unlock()
}

// Rules returns a point-in-time copy of both rule tables and the default,
// for the operator's "read current rules" method.
func (p *PolicyEngine) Rules() (identity map[int]Decision, domain map[string]Decision, def Decision) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	identity = make(map[int]Decision, len(p.identity))
	for k, v := range p.identity {
		identity[k] = v
	}
	domain = make(map[string]Decision, len(p.domain))
	for k, v := range p.domain {
		domain[k] = v
	}
	return identity, domain, p.def
}
