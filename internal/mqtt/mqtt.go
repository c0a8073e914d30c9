// Package mqtt publishes check results and state changes to an MQTT broker,
// optionally announcing every service to Home Assistant.
package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/event"
	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/pkg/check"
)

// client is the subset of pahomqtt.Client the publisher uses.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// HostStatus is the retained payload of HostStatusTopic.
type HostStatus struct {
	Worst    check.State `json:"worst"`
	Services int         `json:"services"`
	CycleID  string      `json:"cycle_id"`
	Time     time.Time   `json:"time"`
}

// ServiceState is the retained payload of ServiceStateTopic.
type ServiceState struct {
	State       check.State  `json:"state"`
	Message     string       `json:"message"`
	Description string       `json:"description"`
	Source      check.Source `json:"source"`
	CycleID     string       `json:"cycle_id"`
	Time        time.Time    `json:"time"`
}

// Publisher mirrors the monitoring state to an MQTT broker. Without a
// broker URL every handler is a no-op.
type Publisher struct {
	logger *zap.Logger
	cfg    Config

	mu     sync.RWMutex
	client client
	// announced tracks the services whose HA discovery config was sent.
	announced map[string]map[check.ServiceID]bool
}

// New creates a publisher. Call Start to connect.
func New(cfg Config, logger *zap.Logger) *Publisher {
	if cfg.BrokerURL == "" {
		logger.Info("MQTT broker URL not configured; publisher disabled",
			zap.String("component", "mqtt"),
		)
	}
	return &Publisher{
		logger:    logger,
		cfg:       cfg,
		announced: make(map[string]map[check.ServiceID]bool),
	}
}

// Start connects to the broker. A failed first connection is logged and
// retried in the background.
func (p *Publisher) Start(_ context.Context) error {
	if p.cfg.BrokerURL == "" {
		return nil
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(p.cfg.Timeout)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password) //nolint:gosec // G101: config field
	}
	// Retained discovery configs are resent after a reconnect.
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		p.mu.Lock()
		p.announced = make(map[string]map[check.ServiceID]bool)
		p.mu.Unlock()
	})

	c := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()

	token := c.Connect()
	switch {
	case !token.WaitTimeout(p.cfg.Timeout):
		p.logger.Warn("mqtt connection timed out; will reconnect in background")
	case token.Error() != nil:
		p.logger.Warn("mqtt connection failed; will reconnect in background",
			zap.Error(token.Error()),
		)
	default:
		p.logger.Info("mqtt connected to broker",
			zap.String("broker_url", p.cfg.BrokerURL),
		)
	}
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("mqtt disconnected")
	}
}

// connected returns the client when it can publish.
func (p *Publisher) connected() client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil || !p.client.IsConnected() {
		return nil
	}
	return p.client
}

// HandleResults is an event.Handler for event.TopicCheckResults. It
// publishes the retained host status and one retained state per service.
func (p *Publisher) HandleResults(_ context.Context, ev event.Event) {
	report, ok := ev.Payload.(*pipeline.CycleReport)
	if !ok || report == nil {
		return
	}
	c := p.connected()
	if c == nil {
		return
	}

	if p.cfg.HADiscovery {
		p.announce(c, report)
	}
	for _, r := range report.Results {
		p.publishJSON(c, ServiceStateTopic(p.cfg.TopicPrefix, report.Host, r.Service), true, ServiceState{
			State:       r.Result.State,
			Message:     r.Result.Message,
			Description: r.Description,
			Source:      r.Source,
			CycleID:     report.ID,
			Time:        report.Finished,
		})
	}
	p.publishJSON(c, HostStatusTopic(p.cfg.TopicPrefix, report.Host), true, HostStatus{
		Worst:    report.Worst,
		Services: len(report.Results),
		CycleID:  report.ID,
		Time:     report.Finished,
	})
}

// HandleStateChange is an event.Handler for event.TopicStateChanged.
func (p *Publisher) HandleStateChange(_ context.Context, ev event.Event) {
	change, ok := ev.Payload.(pipeline.StateChange)
	if !ok {
		return
	}
	c := p.connected()
	if c == nil {
		return
	}
	p.publishJSON(c, EventsTopic(p.cfg.TopicPrefix, change.Host), false, change)
}

// HandleInventory is an event.Handler for event.TopicInventoryChanged.
// Removed services lose their retained state and HA entity.
func (p *Publisher) HandleInventory(_ context.Context, ev event.Event) {
	change, ok := ev.Payload.(pipeline.InventoryChange)
	if !ok || len(change.Removed) == 0 {
		return
	}
	c := p.connected()
	if c == nil {
		return
	}

	configs := make([]DiscoveryConfig, 0, len(change.Removed))
	p.mu.Lock()
	for _, id := range change.Removed {
		delete(p.announced[change.Host], id)
		configs = append(configs, BuildServiceRemovalConfig(change.Host, id, p.cfg.HADiscoveryPrefix))
	}
	p.mu.Unlock()

	for _, id := range change.Removed {
		p.publish(c, ServiceStateTopic(p.cfg.TopicPrefix, change.Host, id), true, []byte{})
	}
	if p.cfg.HADiscovery {
		p.publishHADiscovery(c, configs)
	}
}

// announce sends discovery configs for the host and every service not yet
// announced.
func (p *Publisher) announce(c client, report *pipeline.CycleReport) {
	var configs []DiscoveryConfig
	p.mu.Lock()
	seen, ok := p.announced[report.Host]
	if !ok {
		seen = make(map[check.ServiceID]bool)
		p.announced[report.Host] = seen
		configs = append(configs, BuildHostDiscoveryConfig(report.Host, p.cfg.TopicPrefix, p.cfg.HADiscoveryPrefix))
	}
	for _, r := range report.Results {
		if seen[r.Service] {
			continue
		}
		seen[r.Service] = true
		configs = append(configs, BuildServiceDiscoveryConfig(
			report.Host, r.Service, r.Description, p.cfg.TopicPrefix, p.cfg.HADiscoveryPrefix))
	}
	p.mu.Unlock()

	p.publishHADiscovery(c, configs)
}

// publishHADiscovery publishes a batch of HA discovery config payloads.
func (p *Publisher) publishHADiscovery(c client, configs []DiscoveryConfig) {
	for i := range configs {
		if configs[i].Topic == "" {
			continue
		}
		payload := configs[i].Payload
		if payload == nil {
			payload = []byte{}
		}
		// Discovery configs are always retained so HA picks them up on restart.
		if p.publish(c, configs[i].Topic, true, payload) {
			p.logger.Debug("ha discovery published",
				zap.String("topic", configs[i].Topic),
				zap.Bool("removal", len(configs[i].Payload) == 0),
			)
		}
	}
}

func (p *Publisher) publishJSON(c client, topic string, retain bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("failed to marshal MQTT payload",
			zap.String("mqtt_topic", topic),
			zap.Error(err),
		)
		return
	}
	p.publish(c, topic, retain, payload)
}

func (p *Publisher) publish(c client, topic string, retain bool, payload []byte) bool {
	token := c.Publish(topic, p.cfg.QoS, retain, payload)
	if !token.WaitTimeout(p.cfg.Timeout) {
		p.logger.Warn("mqtt publish timed out", zap.String("mqtt_topic", topic))
		return false
	}
	if token.Error() != nil {
		p.logger.Warn("mqtt publish failed",
			zap.String("mqtt_topic", topic),
			zap.Error(token.Error()),
		)
		return false
	}
	return true
}
