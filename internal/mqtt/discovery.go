package mqtt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/HerbHall/vigil/internal/version"
	"github.com/HerbHall/vigil/pkg/check"
)

// nonAlphanumeric matches any character that is not alphanumeric or underscore.
var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// DiscoveryConfig holds a single HA MQTT discovery payload.
type DiscoveryConfig struct {
	Topic   string // Full MQTT topic (homeassistant/...)
	Payload []byte // JSON-encoded config (empty = remove)
	Retain  bool   // Discovery configs should always be retained
}

// HADevice is the "device" block in HA discovery payloads.
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// BinarySensorConfig is the HA discovery payload for binary_sensor.
type BinarySensorConfig struct {
	Name          string   `json:"name"`
	ObjectID      string   `json:"object_id"`
	UniqueID      string   `json:"unique_id"`
	StateTopic    string   `json:"state_topic"`
	ValueTemplate string   `json:"value_template,omitempty"`
	DeviceClass   string   `json:"device_class,omitempty"`
	PayloadOn     string   `json:"payload_on"`
	PayloadOff    string   `json:"payload_off"`
	Device        HADevice `json:"device"`
	Icon          string   `json:"icon,omitempty"`
}

// SensorConfig is the HA discovery payload for sensor.
type SensorConfig struct {
	Name                string   `json:"name"`
	ObjectID            string   `json:"object_id"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	Icon                string   `json:"icon,omitempty"`
	Device              HADevice `json:"device"`
}

// SafeObjectID sanitizes a string for use as an HA object_id.
// Replaces any non-alphanumeric character (except underscore) with underscore,
// lowercases, and trims leading/trailing underscores.
func SafeObjectID(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumeric.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// HostStatusTopic is the retained topic carrying a host's worst state.
func HostStatusTopic(prefix, host string) string {
	return prefix + "/" + SafeObjectID(host) + "/status"
}

// ServiceStateTopic is the retained topic carrying one service's result.
func ServiceStateTopic(prefix, host string, id check.ServiceID) string {
	return prefix + "/" + SafeObjectID(host) + "/service/" + SafeObjectID(id.String()) + "/state"
}

// EventsTopic carries state changes of a host.
func EventsTopic(prefix, host string) string {
	return prefix + "/" + SafeObjectID(host) + "/events"
}

func hostDevice(host string) HADevice {
	return HADevice{
		Identifiers:  []string{"vigil_" + SafeObjectID(host)},
		Name:         host,
		Model:        "Monitored host",
		Manufacturer: "vigil",
		SWVersion:    version.Short(),
	}
}

// BuildHostDiscoveryConfig creates the problem binary_sensor of a host. It
// is ON while any service of the host is not OK.
func BuildHostDiscoveryConfig(host, topicPrefix, haPrefix string) DiscoveryConfig {
	safeHost := SafeObjectID(host)
	cfg := BinarySensorConfig{
		Name:          host + " Problem",
		ObjectID:      "vigil_" + safeHost + "_problem",
		UniqueID:      "vigil_" + safeHost + "_problem",
		StateTopic:    HostStatusTopic(topicPrefix, host),
		ValueTemplate: "{{ 'OFF' if value_json.worst == 'OK' else 'ON' }}",
		DeviceClass:   "problem",
		PayloadOn:     "ON",
		PayloadOff:    "OFF",
		Device:        hostDevice(host),
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return DiscoveryConfig{}
	}
	return DiscoveryConfig{
		Topic:   fmt.Sprintf("%s/binary_sensor/vigil_%s/problem/config", haPrefix, safeHost),
		Payload: payload,
		Retain:  true,
	}
}

// BuildServiceDiscoveryConfig creates the state sensor of one service. The
// sensor value is the state name; the full result is exposed as attributes.
func BuildServiceDiscoveryConfig(host string, id check.ServiceID, description, topicPrefix, haPrefix string) DiscoveryConfig {
	safeHost := SafeObjectID(host)
	safeSvc := SafeObjectID(id.String())
	stateTopic := ServiceStateTopic(topicPrefix, host, id)

	name := description
	if name == "" {
		name = id.String()
	}
	cfg := SensorConfig{
		Name:                name,
		ObjectID:            "vigil_" + safeHost + "_" + safeSvc,
		UniqueID:            "vigil_" + safeHost + "_" + safeSvc,
		StateTopic:          stateTopic,
		ValueTemplate:       "{{ value_json.state }}",
		JSONAttributesTopic: stateTopic,
		Icon:                "mdi:heart-pulse",
		Device:              hostDevice(host),
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return DiscoveryConfig{}
	}
	return DiscoveryConfig{
		Topic:   serviceConfigTopic(haPrefix, safeHost, safeSvc),
		Payload: payload,
		Retain:  true,
	}
}

// BuildServiceRemovalConfig returns the config with an empty payload that
// removes a service entity from HA.
func BuildServiceRemovalConfig(host string, id check.ServiceID, haPrefix string) DiscoveryConfig {
	return DiscoveryConfig{
		Topic:   serviceConfigTopic(haPrefix, SafeObjectID(host), SafeObjectID(id.String())),
		Payload: nil,
		Retain:  true,
	}
}

func serviceConfigTopic(haPrefix, safeHost, safeSvc string) string {
	return fmt.Sprintf("%s/sensor/vigil_%s/%s/config", haPrefix, safeHost, safeSvc)
}
