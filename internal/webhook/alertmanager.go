package webhook

import (
	"strings"
	"time"

	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/pkg/check"
)

// alertmanagerPayload matches the Prometheus Alertmanager webhook receiver format.
type alertmanagerPayload struct {
	Version string              `json:"version"`
	Status  string              `json:"status"`
	Alerts  []alertmanagerAlert `json:"alerts"`
}

// alertmanagerAlert represents a single alert in the Alertmanager payload.
type alertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
}

// alertmanagerBody maps a state change to one alert. A change back to OK
// resolves the alert.
func alertmanagerBody(c pipeline.StateChange) alertmanagerPayload {
	status := "firing"
	severity := c.To
	if c.To == check.OK {
		status = "resolved"
		severity = c.From
	}

	alert := alertmanagerAlert{
		Status: status,
		Labels: map[string]string{
			"alertname": "VigilServiceState",
			"host":      c.Host,
			"service":   c.Service.String(),
			"plugin":    c.Service.Plugin,
			"severity":  alertSeverity(severity),
			"source":    "vigil",
		},
		Annotations: map[string]string{
			"summary":     c.Description + ": " + c.Message,
			"description": c.From.String() + " -> " + c.To.String(),
		},
		StartsAt: c.Time,
	}
	if c.Service.Item != "" {
		alert.Labels["item"] = c.Service.Item
	}
	if status == "resolved" {
		alert.EndsAt = c.Time
	}

	return alertmanagerPayload{
		Version: "4",
		Status:  status,
		Alerts:  []alertmanagerAlert{alert},
	}
}

func alertSeverity(s check.State) string {
	switch s {
	case check.Crit:
		return "critical"
	case check.Warn:
		return "warning"
	default:
		return strings.ToLower(s.String())
	}
}
