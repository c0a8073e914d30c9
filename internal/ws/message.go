package ws

import (
	"time"

	"github.com/HerbHall/vigil/pkg/check"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageCycleCompleted   MessageType = "cycle.completed"
	MessageInventoryChanged MessageType = "inventory.changed"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	Host      string      `json:"host"`
	CycleID   string      `json:"cycle_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// CycleCompletedData is the payload for cycle.completed messages. Only
// services whose state is not OK are listed.
type CycleCompletedData struct {
	Worst    check.State     `json:"worst"`
	Services int             `json:"services"`
	Problems []ServiceStatus `json:"problems,omitempty"`
}

// ServiceStatus is one service line of a cycle summary.
type ServiceStatus struct {
	Service string      `json:"service"`
	State   check.State `json:"state"`
	Message string      `json:"message"`
}

// InventoryChangedData is the payload for inventory.changed messages.
type InventoryChangedData struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}
