// Package router decides which side of a host (the host proper or its
// management controller) each check plugin may run against.
package router

import (
	"github.com/HerbHall/vigil/pkg/check"
)

// Host describes a monitored host and the paths it is monitored through.
type Host struct {
	Name        string   `mapstructure:"name" json:"name"`
	Address     string   `mapstructure:"address" json:"address"`
	Tags        []string `mapstructure:"tags" json:"tags,omitempty"`
	Agent       bool     `mapstructure:"agent" json:"agent"`
	SNMP        bool     `mapstructure:"snmp" json:"snmp"`
	Mgmt        bool     `mapstructure:"mgmt" json:"mgmt"`
	MgmtAddress string   `mapstructure:"mgmt_address" json:"mgmt_address,omitempty"`
}

// HasTag reports whether the host carries tag.
func (h Host) HasTag(tag string) bool {
	for _, t := range h.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Monitors reports whether the host has a data path for source.
func (h Host) Monitors(source check.Source) bool {
	switch source {
	case check.SourceHost:
		return h.Agent || h.SNMP
	case check.SourceMgmt:
		return h.Mgmt
	default:
		return false
	}
}

// Policy decides whether a plugin may run against one source of a host.
// hostData reports whether host-proper sections for the plugin exist.
type Policy interface {
	Eligible(host Host, def check.Definition, source check.Source, hostData bool) bool
}

// FallbackPolicy is the default policy. HOST_PRECEDENCE plugins run against
// the management controller only when the host proper has no data for them.
type FallbackPolicy struct{}

func (FallbackPolicy) Eligible(host Host, def check.Definition, source check.Source, hostData bool) bool {
	if !host.Monitors(source) {
		return false
	}
	switch def.Classification {
	case check.HostOnly:
		return source == check.SourceHost
	case check.MgmtOnly:
		return source == check.SourceMgmt
	case check.HostPrecedence:
		if source == check.SourceHost {
			return true
		}
		return !hostData
	default:
		return false
	}
}

// SNMPFallbackPolicy restricts the management fallback of HOST_PRECEDENCE
// plugins to SNMP-monitored hosts. Agent hosts never fall back, which is
// the behavior of legacy dual-stack installations.
type SNMPFallbackPolicy struct{}

func (SNMPFallbackPolicy) Eligible(host Host, def check.Definition, source check.Source, hostData bool) bool {
	if def.Classification == check.HostPrecedence && source == check.SourceMgmt && !host.SNMP {
		return false
	}
	return FallbackPolicy{}.Eligible(host, def, source, hostData)
}

// PolicyByName returns the policy registered under name, or nil.
func PolicyByName(name string) Policy {
	switch name {
	case "", "fallback":
		return FallbackPolicy{}
	case "snmp_fallback":
		return SNMPFallbackPolicy{}
	default:
		return nil
	}
}

// Route is one eligible (source, sections) pairing for a plugin on a host.
type Route struct {
	Source   check.Source
	Sections check.Sections
}

// Router applies a Policy to section snapshots.
type Router struct {
	policy Policy
}

// New creates a router. A nil policy selects FallbackPolicy.
func New(policy Policy) *Router {
	if policy == nil {
		policy = FallbackPolicy{}
	}
	return &Router{policy: policy}
}

// Route returns the sources def may run against on host, each with the
// sections it consumes. Host routes come before management routes. A source
// without any matching section is never returned.
func (r *Router) Route(host Host, def check.Definition, sections check.Sections) []Route {
	hostSecs := sections.Filter(check.SourceHost, def.Sections)
	mgmtSecs := sections.Filter(check.SourceMgmt, def.Sections)
	hostData := len(hostSecs) > 0

	var routes []Route
	if hostData && r.policy.Eligible(host, def, check.SourceHost, hostData) {
		routes = append(routes, Route{Source: check.SourceHost, Sections: hostSecs})
	}
	if len(mgmtSecs) > 0 && r.policy.Eligible(host, def, check.SourceMgmt, hostData) {
		routes = append(routes, Route{Source: check.SourceMgmt, Sections: mgmtSecs})
	}
	return routes
}

// SectionsFor returns the sections def consumes from source. A service is
// always evaluated against the source it was discovered on.
func (r *Router) SectionsFor(def check.Definition, source check.Source, sections check.Sections) check.Sections {
	return sections.Filter(source, def.Sections)
}
