// Package rules implements the custom key-derivation rules of the admission
// policy. Rules run in declared order and the first match wins; a rule that
// fails to evaluate is treated as non-matching so a bad rule can never take
// down the request path.
package rules

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"guardian/internal/config"
	"guardian/internal/core"
)

// Match is the outcome of a matching rule.
type Match struct {
	// RuleName names the rule that matched.
	RuleName string
	// Key is the bucket identity extracted from the request (a user id, an
	// API key, a network), scoped under the rule name by the caller.
	Key string
	// Override replaces the limiter-type default quota when non-nil.
	Override *config.Limiter
}

// Rule is a named predicate plus key extractor.
type Rule interface {
	Name() string
	// Evaluate returns the bucket key and true when the rule matches.
	Evaluate(req core.Request) (string, bool, error)
}

// Set evaluates rules in declared order.
type Set struct {
	rules     []Rule
	overrides map[string]*config.Limiter
	logger    *slog.Logger
}

// NewSet builds a rule set from configuration, preserving declared order.
func NewSet(cfgs []config.Rule, logger *slog.Logger) (*Set, error) {
	s := &Set{
		overrides: make(map[string]*config.Limiter),
		logger:    logger.With("component", "rules"),
	}

	for _, rc := range cfgs {
		rule, err := build(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
		}
		s.rules = append(s.rules, rule)
		if rc.Override != nil {
			ov := *rc.Override
			s.overrides[rc.Name] = &ov
		}
	}

	return s, nil
}

// Evaluate returns the first matching rule's result. A rule error or panic
// is logged and skipped, never propagated.
func (s *Set) Evaluate(req core.Request) (*Match, bool) {
	for _, rule := range s.rules {
		key, ok, err := s.evaluateOne(rule, req)
		if err != nil {
			s.logger.Warn("rule evaluation failed, treating as non-matching",
				"rule", rule.Name(),
				"error", err,
			)
			continue
		}
		if ok {
			return &Match{
				RuleName: rule.Name(),
				Key:      key,
				Override: s.overrides[rule.Name()],
			}, true
		}
	}
	return nil, false
}

func (s *Set) evaluateOne(rule Rule, req core.Request) (key string, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			key, ok = "", false
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return rule.Evaluate(req)
}

// build constructs one rule from its configuration
func build(rc config.Rule) (Rule, error) {
	switch rc.Kind {
	case "jwt":
		return newJWTRule(rc)
	case "apikey":
		return &apiKeyRule{name: rc.Name, header: rc.Header}, nil
	case "cidr":
		return newCIDRRule(rc)
	default:
		return nil, fmt.Errorf("unknown rule kind %q", rc.Kind)
	}
}

// apiKeyRule matches requests carrying an API key header and buckets them
// by the key itself.
type apiKeyRule struct {
	name   string
	header string
}

func (r *apiKeyRule) Name() string { return r.name }

func (r *apiKeyRule) Evaluate(req core.Request) (string, bool, error) {
	key := strings.TrimSpace(req.Header(r.header))
	if key == "" {
		return "", false, nil
	}
	return key, true, nil
}

// cidrRule matches requests whose source IP falls in one of the configured
// ranges and buckets them by the matched network.
type cidrRule struct {
	name string
	nets []*net.IPNet
}

func newCIDRRule(rc config.Rule) (*cidrRule, error) {
	r := &cidrRule{name: rc.Name}
	for _, c := range rc.CIDRs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", c, err)
		}
		r.nets = append(r.nets, ipnet)
	}
	return r, nil
}

func (r *cidrRule) Name() string { return r.name }

func (r *cidrRule) Evaluate(req core.Request) (string, bool, error) {
	ip := net.ParseIP(req.IP())
	if ip == nil {
		return "", false, fmt.Errorf("unparseable source IP %q", req.IP())
	}
	for _, n := range r.nets {
		if n.Contains(ip) {
			return n.String(), true, nil
		}
	}
	return "", false, nil
}
