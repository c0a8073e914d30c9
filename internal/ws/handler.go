package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/auth"
	"github.com/HerbHall/vigil/internal/event"
	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/pkg/check"
)

// Handler provides the WebSocket endpoint for live cycle updates.
type Handler struct {
	hub         *Hub
	logger      *zap.Logger
	unsubscribe []func()
}

// NewHandler creates a WebSocket handler and subscribes it to pipeline
// events on bus.
func NewHandler(bus *event.Bus, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		logger: logger,
	}
	if bus != nil {
		h.unsubscribe = append(h.unsubscribe,
			bus.Subscribe(event.TopicCheckResults, h.onCycle),
			bus.Subscribe(event.TopicInventoryChanged, h.onInventory),
		)
	}
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws", h.handleStream)
}

// Close detaches the handler from the event bus.
func (h *Handler) Close() {
	for _, u := range h.unsubscribe {
		u()
	}
	h.unsubscribe = nil
}

// handleStream upgrades the connection and streams events. ?host=NAME
// restricts the stream to one host.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	subject := "anonymous"
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		subject = claims.Subject
	}

	// Token auth runs before the upgrade, so cross-origin clients are fine.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:    conn,
		subject: subject,
		host:    r.URL.Query().Get("host"),
		send:    make(chan Message, 256),
		logger:  h.logger,
	}
	h.hub.Register(client)

	// Run read and write pumps. When either exits, clean up.
	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until client disconnects.
	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func (h *Handler) onCycle(_ context.Context, ev event.Event) {
	report, ok := ev.Payload.(*pipeline.CycleReport)
	if !ok || report == nil {
		return
	}
	h.hub.Broadcast(CycleMessage(report))
}

func (h *Handler) onInventory(_ context.Context, ev event.Event) {
	change, ok := ev.Payload.(pipeline.InventoryChange)
	if !ok {
		return
	}
	h.hub.Broadcast(Message{
		Type:      MessageInventoryChanged,
		Host:      change.Host,
		CycleID:   change.CycleID,
		Timestamp: ev.Timestamp,
		Data: InventoryChangedData{
			Added:   serviceNames(change.Added),
			Removed: serviceNames(change.Removed),
			Changed: serviceNames(change.Changed),
		},
	})
}

// CycleMessage summarizes a cycle report for streaming.
func CycleMessage(report *pipeline.CycleReport) Message {
	data := CycleCompletedData{Worst: report.Worst, Services: len(report.Results)}
	for _, r := range report.Results {
		if r.Result.State == check.OK {
			continue
		}
		data.Problems = append(data.Problems, ServiceStatus{
			Service: r.Description,
			State:   r.Result.State,
			Message: r.Result.Message,
		})
	}
	return Message{
		Type:      MessageCycleCompleted,
		Host:      report.Host,
		CycleID:   report.ID,
		Timestamp: report.Finished,
		Data:      data,
	}
}

func serviceNames(ids []check.ServiceID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
