package check

import (
	"context"
	"strings"
)

// Classification tells the router which side of a host a plugin may run
// against. The zero value is HostPrecedence.
type Classification int

const (
	HostPrecedence Classification = iota
	HostOnly
	MgmtOnly
)

func (c Classification) String() string {
	switch c {
	case HostPrecedence:
		return "HOST_PRECEDENCE"
	case HostOnly:
		return "HOST_ONLY"
	case MgmtOnly:
		return "MGMT_ONLY"
	default:
		return "UNKNOWN_CLASSIFICATION"
	}
}

// ServiceID identifies one monitored service instance on a host. An empty
// Item means the plugin has a single item-less service.
type ServiceID struct {
	Plugin string `json:"plugin"`
	Item   string `json:"item,omitempty"`
}

func (id ServiceID) String() string {
	if id.Item == "" {
		return id.Plugin
	}
	return id.Plugin + "[" + id.Item + "]"
}

// Discovered is one candidate returned by a plugin's Discover. Params are
// the plugin-proposed parameters, or nil.
type Discovered struct {
	Item   string
	Params Params
}

// DiscoveredService is a service identity plus the source it was found on.
type DiscoveredService struct {
	ServiceID
	Description string `json:"description"`
	Source      Source `json:"source"`
	Params      Params `json:"-"`
}

// Plugin implements discovery and evaluation for one kind of monitored
// capability. Implementations must be safe for concurrent use; sections are
// shared read-only snapshots and must not be modified.
type Plugin interface {
	// Discover returns the items to monitor. An empty result is valid.
	Discover(ctx context.Context, sections Sections) ([]Discovered, error)

	// Evaluate computes the state of one item. Pair parameters are passed
	// through untouched; the plugin destructures them itself.
	Evaluate(ctx context.Context, item string, params Params, sections Sections) (Result, error)
}

// Definition is the registered description of a plugin. It is immutable
// after registration.
type Definition struct {
	Name           string         // Unique identifier, e.g. "df"
	Description    string         // Service description template, "%s" is replaced by the item
	DefaultParams  string         // Name of a registered default-parameters value, may be empty
	Group          string         // Rule group used for parameter lookup
	Classification Classification // Which side of the host the plugin runs against
	Sections       []string       // Raw sections consumed; empty means all
	Plugin         Plugin
}

// ServiceDescription renders the description template for item.
func (d Definition) ServiceDescription(item string) string {
	if d.Description == "" {
		return ServiceID{Plugin: d.Name, Item: item}.String()
	}
	if strings.Contains(d.Description, "%s") {
		return strings.ReplaceAll(d.Description, "%s", item)
	}
	return d.Description
}
