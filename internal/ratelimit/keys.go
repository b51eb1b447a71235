package ratelimit

import (
	"fmt"

	"guardian/internal/config"
	"guardian/internal/core"
	"guardian/internal/rules"
)

// Derivation is the result of bucket-key derivation for one request.
type Derivation struct {
	Key  string
	Tier core.Tier
	// RuleName is set when Tier is TierRule.
	RuleName string
	// BypassToken is set when Tier is TierBypass.
	BypassToken string
	// Override replaces the limiter-type default quota when non-nil.
	Override *config.Limiter
}

// Policy computes the rate-limit bucket key for a request. The ordering is
// a trust hierarchy: bypass tokens (operators, load tests) first, then
// custom rules under their own identity, then the raw source IP.
type Policy struct {
	bypassHeader string
	bypassTokens map[string]bool
	rules        *rules.Set
}

// NewPolicy builds a derivation policy from the bypass config and rule set.
func NewPolicy(bypass config.Bypass, ruleSet *rules.Set) *Policy {
	tokens := make(map[string]bool, len(bypass.Tokens))
	for _, t := range bypass.Tokens {
		tokens[t] = true
	}
	return &Policy{
		bypassHeader: bypass.Header,
		bypassTokens: tokens,
		rules:        ruleSet,
	}
}

// Derive returns the bucket key for a request. First match wins: bypass
// token, then custom rules in declared order, then source IP.
func (p *Policy) Derive(req core.Request, lt core.LimiterType) Derivation {
	if token := req.Header(p.bypassHeader); token != "" && p.bypassTokens[token] {
		return Derivation{
			Key:         fmt.Sprintf("bypass:%s:%s", token, lt),
			Tier:        core.TierBypass,
			BypassToken: token,
		}
	}

	if p.rules != nil {
		if m, ok := p.rules.Evaluate(req); ok {
			return Derivation{
				Key:      fmt.Sprintf("%s:%s:%s", m.RuleName, m.Key, lt),
				Tier:     core.TierRule,
				RuleName: m.RuleName,
				Override: m.Override,
			}
		}
	}

	return Derivation{
		Key:  fmt.Sprintf("ip:%s:%s", req.IP(), lt),
		Tier: core.TierIP,
	}
}
