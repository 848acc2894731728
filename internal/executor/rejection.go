package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// RejectionRule names a revert reason that is an expected business outcome
// rather than a failure. A rule matches when the reason contains Contains
// (case-insensitive) or matches Pattern; at least one must be set.
type RejectionRule struct {
	Name     string `yaml:"name" json:"name"`
	Contains string `yaml:"contains,omitempty" json:"contains,omitempty"`
	Pattern  string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// InsolvencyReason is the revert message of an action that would leave the
// prime account insolvent.
const InsolvencyReason = "The action may cause an account to become insolvent"

// DefaultRejectionRules is used when no rules are configured.
var DefaultRejectionRules = []RejectionRule{
	{Name: "insolvent", Contains: InsolvencyReason},
}

type compiledRule struct {
	name     string
	contains string
	pattern  *regexp.Regexp
}

type RejectionSet struct {
	rules []compiledRule
}

func NewRejectionSet(rules []RejectionRule) (*RejectionSet, error) {
	set := &RejectionSet{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("rejection rule %d: name is required", i)
		}
		if r.Contains == "" && r.Pattern == "" {
			return nil, fmt.Errorf("rejection rule %q: contains or pattern is required", r.Name)
		}
		c := compiledRule{name: r.Name, contains: strings.ToLower(r.Contains)}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rejection rule %q: %w", r.Name, err)
			}
			c.pattern = re
		}
		set.rules = append(set.rules, c)
	}
	return set, nil
}

// Match returns the name of the first rule matching reason.
func (s *RejectionSet) Match(reason string) (string, bool) {
	if s == nil || reason == "" {
		return "", false
	}
	lower := strings.ToLower(reason)
	for _, r := range s.rules {
		if r.contains != "" && strings.Contains(lower, r.contains) {
			return r.name, true
		}
		if r.pattern != nil && r.pattern.MatchString(reason) {
			return r.name, true
		}
	}
	return "", false
}

func (s *RejectionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}
