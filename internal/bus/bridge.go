package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/muurk/trvbridge/internal/config"
	"github.com/muurk/trvbridge/internal/logging"
	"github.com/muurk/trvbridge/internal/metrics"
)

// Topic roots. DevicePrefix carries the per-valve command/state/
// availability/attribute topics; DiscoveryPrefix is where Home
// Assistant looks for discovery documents and announces its restarts.
const (
	DevicePrefix    = "ble_radiator_valve"
	DiscoveryPrefix = "homeassistant"
)

// State payloads.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// onPayloads are the command payloads interpreted as "turn on"; any
// other payload turns the valve off.
var onPayloads = map[string]bool{
	"true": true,
	"1":    true,
	"on":   true,
	"open": true,
}

// Commander receives routed valve commands. The controller implements
// it.
type Commander interface {
	Dispatch(valveName string, on bool)
}

// CommanderFunc adapts a function to the Commander interface.
type CommanderFunc func(valveName string, on bool)

// Dispatch calls f.
func (f CommanderFunc) Dispatch(valveName string, on bool) { f(valveName, on) }

// Bridge adapts the message bus to the controller: it routes command
// topics inward and publishes state, availability, attributes and
// discovery outward.
type Bridge struct {
	log       *zap.Logger
	client    Client
	valves    []*config.Valve
	commander Commander
	col       *metrics.Collector
}

// NewBridge builds the adapter. col may be nil to disable metrics.
func NewBridge(valves []*config.Valve, commander Commander, col *metrics.Collector) *Bridge {
	return &Bridge{
		log:       logging.Named("bus"),
		valves:    valves,
		commander: commander,
		col:       col,
	}
}

// Bind attaches the adapter to a connected client: it publishes the
// discovery documents and subscribes to the command and bus-status
// topics. Bind runs on every (re)connection so a restarted broker or
// automation hub sees the fleet again.
func (b *Bridge) Bind(client Client) {
	b.client = client

	b.publishAllDiscovery()

	if err := client.Subscribe(DevicePrefix+"/+/set", 0, b.handleCommand); err != nil {
		b.log.Error("Command subscription failed", zap.Error(err))
	}
	if err := client.Subscribe(DiscoveryPrefix+"/status", 0, b.handleBusStatus); err != nil {
		b.log.Error("Status subscription failed", zap.Error(err))
	}
}

// handleCommand routes one <prefix>/<name>/set message.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		b.log.Warn("Malformed command topic", zap.String("topic", topic))
		return
	}
	name := parts[1]
	on := onPayloads[strings.ToLower(string(payload))]

	b.log.Info("Command received",
		zap.String("valve", name),
		zap.Bool("on", on),
		zap.ByteString("payload", payload),
	)
	b.commander.Dispatch(name, on)
}

// handleBusStatus re-publishes discovery when the automation hub
// announces a restart.
func (b *Bridge) handleBusStatus(topic string, payload []byte) {
	b.log.Info("Bus status announcement, re-publishing discovery",
		zap.ByteString("payload", payload),
	)
	b.publishAllDiscovery()
}

// PublishState announces the valve state after a successful command.
func (b *Bridge) PublishState(valveName string, on bool) {
	state := StateClosed
	if on {
		state = StateOpen
	}
	b.publish(StateTopic(valveName), []byte(state), false)
}

// PublishAvailability announces a valve online or offline. Retained so
// a restarting hub immediately sees the last known availability.
func (b *Bridge) PublishAvailability(valveName string, online bool) {
	payload := "offline"
	if online {
		payload = "online"
	}
	b.publish(AvailabilityTopic(valveName), []byte(payload), true)
}

// PublishAttributes publishes the smoothed per-proxy RSSI map as a
// JSON attributes document.
func (b *Bridge) PublishAttributes(valveName string, rssiByProxy map[string]float64) {
	attrs := make(map[string]string, len(rssiByProxy))
	for hostname, rssi := range rssiByProxy {
		attrs[hostname+" RSSI"] = strconv.Itoa(int(rssi)) + " dBm"
		if b.col != nil {
			b.col.ValveRSSI.WithLabelValues(valveName, hostname).Set(rssi)
		}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		b.log.Error("Attributes marshal failed", zap.Error(err))
		return
	}
	b.publish(AttributesTopic(valveName), data, false)
}

// publishAllDiscovery emits the discovery document for every valve.
func (b *Bridge) publishAllDiscovery() {
	for _, v := range b.valves {
		b.publishDiscovery(v)
	}
}

func (b *Bridge) publishDiscovery(v *config.Valve) {
	deviceID := "radiator_valve_" + v.Name
	b.log.Info("Publishing discovery", zap.String("device_id", deviceID))

	doc := discoveryDoc{
		Name:                "on_of",
		UniqueID:            deviceID,
		ObjectID:            deviceID,
		StateTopic:          StateTopic(v.Name),
		CommandTopic:        CommandTopic(v.Name),
		JSONAttributesTopic: AttributesTopic(v.Name),
		Availability:        []availabilityRef{{Topic: AvailabilityTopic(v.Name)}},
		Device: discoveryDevice{
			Identifiers: []string{v.MAC},
			Name:        "Radiator Valve " + v.Name,
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		b.log.Error("Discovery marshal failed", zap.Error(err))
		return
	}
	b.publish(DiscoveryTopic(v.Name), data, false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	if err := b.client.Publish(topic, payload, 0, retained); err != nil {
		b.log.Error("Publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// discoveryDoc is the Home Assistant MQTT discovery document for one
// valve.
type discoveryDoc struct {
	Name                string            `json:"name"`
	UniqueID            string            `json:"unique_id"`
	ObjectID            string            `json:"object_id"`
	StateTopic          string            `json:"state_topic"`
	CommandTopic        string            `json:"command_topic"`
	JSONAttributesTopic string            `json:"json_attributes_topic"`
	Availability        []availabilityRef `json:"availability"`
	Device              discoveryDevice   `json:"device"`
}

type availabilityRef struct {
	Topic string `json:"topic"`
}

type discoveryDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
}

// Topic builders.

// StateTopic is where the valve state ("open"/"closed") is published.
func StateTopic(valveName string) string {
	return fmt.Sprintf("%s/%s/state", DevicePrefix, valveName)
}

// CommandTopic is where commands for the valve arrive.
func CommandTopic(valveName string) string {
	return fmt.Sprintf("%s/%s/set", DevicePrefix, valveName)
}

// AvailabilityTopic is where online/offline is published (retained).
func AvailabilityTopic(valveName string) string {
	return fmt.Sprintf("%s/%s/online", DevicePrefix, valveName)
}

// AttributesTopic is where the RSSI attribute document is published.
func AttributesTopic(valveName string) string {
	return fmt.Sprintf("%s/%s/attributes", DevicePrefix, valveName)
}

// DiscoveryTopic is where the discovery document is published.
func DiscoveryTopic(valveName string) string {
	return fmt.Sprintf("%s/valve/radiator_valve_%s/config", DiscoveryPrefix, valveName)
}
