// Package webhook posts service state changes to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/event"
	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/internal/version"
	"github.com/HerbHall/vigil/pkg/check"
)

// Payload formats.
const (
	FormatVigil        = "vigil"
	FormatAlertmanager = "alertmanager"
)

// Config holds the webhook notifier configuration.
type Config struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Enabled bool          `mapstructure:"enabled"`
	Format  string        `mapstructure:"format"`
	// Secret, when set, signs every body with HMAC-SHA256 in X-Signature.
	Secret string `mapstructure:"secret"` //nolint:gosec // G101: config field name, not a credential
	// Recoveries also notifies changes back to OK.
	Recoveries bool `mapstructure:"recoveries"`
	QueueSize  int  `mapstructure:"queue_size"`
}

// DefaultConfig returns the notifier defaults. Without a URL the notifier
// drops everything.
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		Enabled:    true,
		Format:     FormatVigil,
		Recoveries: true,
		QueueSize:  256,
	}
}

// Payload is the JSON body sent to the webhook URL.
type Payload struct {
	Event     string `json:"event"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Notifier delivers state changes in the background so that slow
// endpoints never delay a check cycle.
type Notifier struct {
	logger *zap.Logger
	cfg    Config
	client *http.Client
	queue  chan job
}

type job struct {
	ev     event.Event
	change pipeline.StateChange
}

// New creates a notifier. Call Run to start delivery.
func New(cfg Config, logger *zap.Logger) (*Notifier, error) {
	switch cfg.Format {
	case "":
		cfg.Format = FormatVigil
	case FormatVigil, FormatAlertmanager:
	default:
		return nil, fmt.Errorf("unknown webhook format %q", cfg.Format)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.URL == "" && cfg.Enabled {
		logger.Warn("webhook URL not configured; notifications will be dropped",
			zap.String("component", "webhook"),
		)
	}
	logger.Info("webhook notifier initialized",
		zap.String("url", cfg.URL),
		zap.Duration("timeout", cfg.Timeout),
		zap.Bool("enabled", cfg.Enabled),
		zap.String("format", cfg.Format),
	)
	return &Notifier{
		logger: logger,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan job, cfg.QueueSize),
	}, nil
}

// Active reports whether notifications are delivered at all.
func (n *Notifier) Active() bool {
	return n.cfg.Enabled && n.cfg.URL != ""
}

// Handle is an event.Handler for event.TopicStateChanged.
func (n *Notifier) Handle(_ context.Context, ev event.Event) {
	if !n.Active() {
		return
	}
	change, ok := ev.Payload.(pipeline.StateChange)
	if !ok {
		return
	}
	if change.To == check.OK && !n.cfg.Recoveries {
		return
	}

	select {
	case n.queue <- job{ev: ev, change: change}:
	default:
		n.logger.Warn("webhook queue full, dropping notification",
			zap.String("host", change.Host),
			zap.String("service", change.Service.String()),
		)
	}
}

// Run delivers queued notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-n.queue:
			n.deliver(ctx, j)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, j job) {
	var v any
	if n.cfg.Format == FormatAlertmanager {
		v = alertmanagerBody(j.change)
	} else {
		v = Payload{
			Event:     j.ev.Topic,
			Source:    j.ev.Source,
			Timestamp: j.ev.Timestamp.UTC().Format(time.RFC3339),
			Data:      j.change,
		}
	}
	body, err := json.Marshal(v)
	if err != nil {
		n.logger.Error("failed to marshal webhook payload",
			zap.String("topic", j.ev.Topic),
			zap.Error(err),
		)
		return
	}
	n.send(ctx, body, j.ev.Topic)
}

func (n *Notifier) send(ctx context.Context, body []byte, topic string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to create webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Vigil-Webhook/"+version.Short())
	if n.cfg.Secret != "" {
		req.Header.Set("X-Signature", Sign(n.cfg.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			zap.String("url", n.cfg.URL),
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain body for connection reuse

	if resp.StatusCode >= 400 {
		n.logger.Warn("webhook endpoint returned error",
			zap.String("url", n.cfg.URL),
			zap.String("topic", topic),
			zap.Int("status_code", resp.StatusCode),
		)
		return
	}

	n.logger.Debug("webhook delivered",
		zap.String("topic", topic),
		zap.Int("status_code", resp.StatusCode),
	)
}

// Sign returns the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
