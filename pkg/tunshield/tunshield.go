// Package tunshield provides a small public surface for reusing this
// repository as a library. The implementation lives in internal/ and may
// change without notice.
package tunshield

import "tunshield/internal"

// --- Config ---

type Config = internal.Config

type TunConfig = internal.TunConfig

type PolicyConfig = internal.PolicyConfig

// LoadConfig loads a YAML configuration file.
func LoadConfig(path string) (*Config, error) { return internal.LoadConfig(path) }

// --- Policy ---

type Decision = internal.Decision

const (
	DecisionAllow = internal.DecisionAllow
	DecisionBlock = internal.DecisionBlock
)

type PolicyEngine = internal.PolicyEngine

type IdentityResolver = internal.IdentityResolver

// --- Statistics ---

type Statistics = internal.Statistics

// --- Core runtime ---

type Controller = internal.Controller

// NewController builds a stopped Controller. identity may be nil, in
// which case every flow resolves to unknown identity. fwmark is a Linux
// socket mark applied to every protected socket (0 disables marking).
func NewController(identity IdentityResolver, fwmark uint32) *Controller {
	return internal.NewController(identity, fwmark, nil)
}
