package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/HerbHall/vigil/internal/event"
	"github.com/HerbHall/vigil/pkg/check"
)

// StateChange describes one service moving between states.
type StateChange struct {
	CycleID     string          `json:"cycle_id"`
	Host        string          `json:"host"`
	Service     check.ServiceID `json:"service"`
	Description string          `json:"description"`
	// First is set when the service had no previous state. Such changes
	// are only reported for non-OK states.
	First   bool        `json:"first,omitempty"`
	From    check.State `json:"from"`
	To      check.State `json:"to"`
	Message string      `json:"message"`
	Time    time.Time   `json:"time"`
}

// Transitions turns cycle reports into per-service state changes and
// republishes them on event.TopicStateChanged. Subscribe Handle to
// event.TopicCheckResults.
type Transitions struct {
	bus *event.Bus

	mu     sync.Mutex
	states map[string]map[check.ServiceID]check.State
}

// NewTransitions creates a tracker that publishes to bus.
func NewTransitions(bus *event.Bus) *Transitions {
	return &Transitions{
		bus:    bus,
		states: make(map[string]map[check.ServiceID]check.State),
	}
}

// Handle is an event.Handler.
func (t *Transitions) Handle(ctx context.Context, ev event.Event) {
	report, ok := ev.Payload.(*CycleReport)
	if !ok || report == nil {
		return
	}
	for _, change := range t.Observe(report) {
		t.bus.Publish(ctx, event.Event{
			Topic:     event.TopicStateChanged,
			Source:    "pipeline",
			Timestamp: change.Time,
			Payload:   change,
		})
	}
}

// Observe records the states of report and returns the changes relative
// to the previous report of the same host. Services missing from report
// are forgotten.
func (t *Transitions) Observe(report *CycleReport) []StateChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.states[report.Host]
	next := make(map[check.ServiceID]check.State, len(report.Results))
	var changes []StateChange
	for _, r := range report.Results {
		to := r.Result.State
		next[r.Service] = to

		from, seen := prev[r.Service]
		switch {
		case seen && from == to:
			continue
		case !seen && to == check.OK:
			continue
		}
		changes = append(changes, StateChange{
			CycleID:     report.ID,
			Host:        report.Host,
			Service:     r.Service,
			Description: r.Description,
			First:       !seen,
			From:        from,
			To:          to,
			Message:     r.Result.Message,
			Time:        report.Finished,
		})
	}
	t.states[report.Host] = next
	return changes
}

// Forget drops the remembered states of host.
func (t *Transitions) Forget(host string) {
	t.mu.Lock()
	delete(t.states, host)
	t.mu.Unlock()
}
