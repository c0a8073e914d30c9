// Package rules computes the effective parameters of a service by layering
// registered defaults, administrator rules and per-service overrides.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/HerbHall/vigil/pkg/check"
)

// Target is what a rule condition is matched against.
type Target struct {
	Host        string
	Tags        []string
	Service     check.ServiceID
	Description string
}

// Condition is the predicate of a rule. Every non-empty list must match;
// empty lists match anything.
//
// Hosts entries are exact host names, or regular expressions when prefixed
// with "~". Items and Descriptions entries are regular expressions matched
// at the start of the value, so "/var" matches "/var/log". All Tags must be
// present on the host.
type Condition struct {
	Hosts        []string `yaml:"hosts" json:"hosts,omitempty"`
	Tags         []string `yaml:"tags" json:"tags,omitempty"`
	Items        []string `yaml:"items" json:"items,omitempty"`
	Descriptions []string `yaml:"descriptions" json:"descriptions,omitempty"`
	Negate       bool     `yaml:"negate" json:"negate,omitempty"`

	m *matchers
}

type matchers struct {
	hostNames   map[string]bool
	hostRegexps []*regexp.Regexp
	items       []*regexp.Regexp
	descs       []*regexp.Regexp
}

// Compile prepares the regular expressions of c. Conditions that were
// never compiled are compiled on every match.
func (c *Condition) Compile() error {
	m, err := c.compile()
	if err != nil {
		return err
	}
	c.m = m
	return nil
}

func (c Condition) compile() (*matchers, error) {
	m := &matchers{hostNames: make(map[string]bool)}
	for _, h := range c.Hosts {
		if pattern, ok := strings.CutPrefix(h, "~"); ok {
			re, err := compilePrefix(pattern)
			if err != nil {
				return nil, fmt.Errorf("host pattern %q: %w", h, err)
			}
			m.hostRegexps = append(m.hostRegexps, re)
			continue
		}
		m.hostNames[h] = true
	}
	var err error
	if m.items, err = compileAll(c.Items); err != nil {
		return nil, fmt.Errorf("item pattern: %w", err)
	}
	if m.descs, err = compileAll(c.Descriptions); err != nil {
		return nil, fmt.Errorf("description pattern: %w", err)
	}
	return m, nil
}

// Matches reports whether the condition holds for t. A condition whose
// patterns do not compile never matches.
func (c Condition) Matches(t Target) bool {
	m := c.m
	if m == nil {
		var err error
		if m, err = c.compile(); err != nil {
			return false
		}
	}
	ok := c.matchHost(m, t.Host) &&
		c.matchTags(t.Tags) &&
		matchAny(m.items, len(c.Items), t.Service.Item) &&
		matchAny(m.descs, len(c.Descriptions), t.Description)
	if c.Negate {
		return !ok
	}
	return ok
}

func (c Condition) matchHost(m *matchers, host string) bool {
	if len(c.Hosts) == 0 {
		return true
	}
	if m.hostNames[host] {
		return true
	}
	for _, re := range m.hostRegexps {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

func (c Condition) matchTags(tags []string) bool {
	for _, want := range c.Tags {
		found := false
		for _, have := range tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchAny(res []*regexp.Regexp, configured int, value string) bool {
	if configured == 0 {
		return true
	}
	for _, re := range res {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := compilePrefix(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func compilePrefix(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)`)
}

// Rule is one administrator-authored parameter rule.
type Rule struct {
	ID        string       `json:"id"`
	Comment   string       `json:"comment,omitempty"`
	Condition Condition    `json:"condition"`
	Value     check.Params `json:"value"`
	Disabled  bool         `json:"disabled,omitempty"`
}

// Applies reports whether the rule is enabled and matches t.
func (r Rule) Applies(t Target) bool {
	return !r.Disabled && r.Condition.Matches(t)
}
