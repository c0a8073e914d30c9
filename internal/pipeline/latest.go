package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/HerbHall/vigil/internal/event"
)

// Latest keeps the most recent cycle report of every host. Subscribe it to
// event.TopicCheckResults.
type Latest struct {
	mu      sync.RWMutex
	reports map[string]*CycleReport
}

// NewLatest creates an empty report holder.
func NewLatest() *Latest {
	return &Latest{reports: make(map[string]*CycleReport)}
}

// Handle is an event.Handler.
func (l *Latest) Handle(_ context.Context, ev event.Event) {
	report, ok := ev.Payload.(*CycleReport)
	if !ok || report == nil {
		return
	}
	l.mu.Lock()
	l.reports[report.Host] = report
	l.mu.Unlock()
}

// Get returns the latest report of host.
func (l *Latest) Get(host string) (*CycleReport, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.reports[host]
	return r, ok
}

// All returns the latest reports sorted by host name.
func (l *Latest) All() []*CycleReport {
	l.mu.RLock()
	out := make([]*CycleReport, 0, len(l.reports))
	for _, r := range l.reports {
		out = append(out, r)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Forget drops the report of host.
func (l *Latest) Forget(host string) {
	l.mu.Lock()
	delete(l.reports, host)
	l.mu.Unlock()
}
