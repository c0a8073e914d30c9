// Package testutil provides fixtures shared by the engine package tests.
package testutil

import (
	"context"

	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
)

// FuncPlugin adapts plain functions to check.Plugin. Nil functions behave
// as "nothing discovered" and "OK".
type FuncPlugin struct {
	DiscoverFunc func(ctx context.Context, sections check.Sections) ([]check.Discovered, error)
	EvaluateFunc func(ctx context.Context, item string, params check.Params, sections check.Sections) (check.Result, error)
}

func (p *FuncPlugin) Discover(ctx context.Context, sections check.Sections) ([]check.Discovered, error) {
	if p.DiscoverFunc == nil {
		return nil, nil
	}
	return p.DiscoverFunc(ctx, sections)
}

func (p *FuncPlugin) Evaluate(ctx context.Context, item string, params check.Params, sections check.Sections) (check.Result, error) {
	if p.EvaluateFunc == nil {
		return check.Result{State: check.OK, Message: "ok"}, nil
	}
	return p.EvaluateFunc(ctx, item, params, sections)
}

// ItemsFromSection returns a plugin that discovers one service per record of
// section, using the first field as item.
func ItemsFromSection(section string) *FuncPlugin {
	return &FuncPlugin{
		DiscoverFunc: func(_ context.Context, sections check.Sections) ([]check.Discovered, error) {
			var out []check.Discovered
			for _, rec := range sections.Records(section) {
				if len(rec) == 0 {
					continue
				}
				out = append(out, check.Discovered{Item: rec[0]})
			}
			return out, nil
		},
	}
}

// NewDefinition returns a Definition with sensible defaults, suitable for
// test fixtures. Override individual fields with options.
func NewDefinition(name string, opts ...func(*check.Definition)) check.Definition {
	def := check.Definition{
		Name:        name,
		Description: name + " %s",
		Group:       name,
		Sections:    []string{name},
		Plugin:      ItemsFromSection(name),
	}
	for _, opt := range opts {
		opt(&def)
	}
	return def
}

// WithClassification sets the definition's source classification.
func WithClassification(c check.Classification) func(*check.Definition) {
	return func(d *check.Definition) { d.Classification = c }
}

// WithPlugin sets the definition's implementation.
func WithPlugin(p check.Plugin) func(*check.Definition) {
	return func(d *check.Definition) { d.Plugin = p }
}

// WithDefaultParams sets the name of the definition's default parameters.
func WithDefaultParams(name string) func(*check.Definition) {
	return func(d *check.Definition) { d.DefaultParams = name }
}

// WithGroup sets the definition's rule group.
func WithGroup(group string) func(*check.Definition) {
	return func(d *check.Definition) { d.Group = group }
}

// Section builds a raw section from rows of fields.
func Section(name string, origin check.Origin, rows ...[]string) check.RawSection {
	return check.RawSection{Name: name, Origin: origin, Records: rows}
}

// NewHost returns a host descriptor monitored through an agent.
func NewHost(name string, opts ...func(*router.Host)) router.Host {
	h := router.Host{
		Name:    name,
		Address: "192.168.1.100",
		Agent:   true,
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// WithSNMP marks the host as SNMP-monitored without an agent.
func WithSNMP() func(*router.Host) {
	return func(h *router.Host) {
		h.SNMP = true
		h.Agent = false
	}
}

// WithMgmt gives the host a management controller.
func WithMgmt() func(*router.Host) {
	return func(h *router.Host) { h.Mgmt = true }
}

// WithTags sets the host tags.
func WithTags(tags ...string) func(*router.Host) {
	return func(h *router.Host) { h.Tags = tags }
}
