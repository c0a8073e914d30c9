package discovery

import (
	"github.com/HerbHall/vigil/pkg/check"
)

// Changes is the difference between two inventories of one host.
type Changes struct {
	Added   []check.DiscoveredService
	Removed []check.DiscoveredService
	// Changed holds services present in both whose source, description or
	// discovered parameters differ. The new version is kept.
	Changed []check.DiscoveredService
	Kept    []check.DiscoveredService
}

// Empty reports whether nothing was added, removed or changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff compares an old inventory with a new one by service identity. The
// output slices keep the order of the inventory they were taken from.
func Diff(old, current []check.DiscoveredService) Changes {
	prev := make(map[check.ServiceID]check.DiscoveredService, len(old))
	for _, svc := range old {
		prev[svc.ServiceID] = svc
	}

	var c Changes
	seen := make(map[check.ServiceID]bool, len(current))
	for _, svc := range current {
		seen[svc.ServiceID] = true
		before, ok := prev[svc.ServiceID]
		switch {
		case !ok:
			c.Added = append(c.Added, svc)
		case before.Source != svc.Source ||
			before.Description != svc.Description ||
			!check.Equal(before.Params, svc.Params):
			c.Changed = append(c.Changed, svc)
		default:
			c.Kept = append(c.Kept, svc)
		}
	}
	for _, svc := range old {
		if !seen[svc.ServiceID] {
			c.Removed = append(c.Removed, svc)
		}
	}
	return c
}
