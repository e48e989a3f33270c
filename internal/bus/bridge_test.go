package bus

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/muurk/trvbridge/internal/config"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeClient struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]func(topic string, payload []byte)
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]func(string, []byte))}
}

func (f *fakeClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, string(payload), retained})
	return nil
}

func (f *fakeClient) Subscribe(topic string, qos byte, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeClient) IsConnected() bool { return true }

func (f *fakeClient) Disconnect(quiesce uint) {}

func (f *fakeClient) find(topic string) *published {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.published {
		if f.published[i].topic == topic {
			return &f.published[i]
		}
	}
	return nil
}

func (f *fakeClient) countTopic(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

type fakeCommander struct {
	mu       sync.Mutex
	commands []struct {
		name string
		on   bool
	}
}

func (f *fakeCommander) Dispatch(name string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, struct {
		name string
		on   bool
	}{name, on})
}

func testValves() []*config.Valve {
	return []*config.Valve{
		{Name: "livingroom", MAC: "62:00:a1:1e:c1:1f", ProxyOrder: []string{"p1.lan"}},
		{Name: "bedroom", MAC: "62:00:a1:1e:c1:20", ProxyOrder: []string{"p1.lan"}},
	}
}

func TestBindPublishesDiscoveryAndSubscribes(t *testing.T) {
	client := newFakeClient()
	cmd := &fakeCommander{}
	b := NewBridge(testValves(), cmd, nil)
	b.Bind(client)

	doc := client.find("homeassistant/valve/radiator_valve_livingroom/config")
	if doc == nil {
		t.Fatal("discovery document was not published")
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(doc.payload), &parsed); err != nil {
		t.Fatalf("discovery payload is not JSON: %v", err)
	}
	if parsed["unique_id"] != "radiator_valve_livingroom" {
		t.Errorf("unique_id = %v, want radiator_valve_livingroom", parsed["unique_id"])
	}
	if parsed["state_topic"] != "ble_radiator_valve/livingroom/state" {
		t.Errorf("state_topic = %v", parsed["state_topic"])
	}
	if parsed["command_topic"] != "ble_radiator_valve/livingroom/set" {
		t.Errorf("command_topic = %v", parsed["command_topic"])
	}
	device, ok := parsed["device"].(map[string]any)
	if !ok {
		t.Fatal("device block missing")
	}
	if device["name"] != "Radiator Valve livingroom" {
		t.Errorf("device name = %v", device["name"])
	}
	ids, ok := device["identifiers"].([]any)
	if !ok || len(ids) != 1 || ids[0] != "62:00:a1:1e:c1:1f" {
		t.Errorf("device identifiers = %v, want the valve MAC", device["identifiers"])
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.handlers["ble_radiator_valve/+/set"] == nil {
		t.Error("command topic was not subscribed")
	}
	if client.handlers["homeassistant/status"] == nil {
		t.Error("status topic was not subscribed")
	}
}

func TestCommandRouting(t *testing.T) {
	tests := []struct {
		payload string
		wantOn  bool
	}{
		{"on", true},
		{"ON", true},
		{"open", true},
		{"true", true},
		{"1", true},
		{"off", false},
		{"closed", false},
		{"false", false},
		{"0", false},
		{"garbage", false},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			client := newFakeClient()
			cmd := &fakeCommander{}
			b := NewBridge(testValves(), cmd, nil)
			b.Bind(client)

			client.handlers["ble_radiator_valve/+/set"]("ble_radiator_valve/livingroom/set", []byte(tt.payload))

			cmd.mu.Lock()
			defer cmd.mu.Unlock()
			if len(cmd.commands) != 1 {
				t.Fatalf("commands = %d, want 1", len(cmd.commands))
			}
			if cmd.commands[0].name != "livingroom" || cmd.commands[0].on != tt.wantOn {
				t.Errorf("command = %+v, want livingroom on=%v", cmd.commands[0], tt.wantOn)
			}
		})
	}
}

func TestBusStatusRepublishesDiscovery(t *testing.T) {
	client := newFakeClient()
	b := NewBridge(testValves(), &fakeCommander{}, nil)
	b.Bind(client)

	topic := "homeassistant/valve/radiator_valve_bedroom/config"
	before := client.countTopic(topic)

	client.handlers["homeassistant/status"]("homeassistant/status", []byte("online"))

	if got := client.countTopic(topic); got != before+1 {
		t.Errorf("discovery publishes = %d, want %d", got, before+1)
	}
}

func TestPublishState(t *testing.T) {
	client := newFakeClient()
	b := NewBridge(testValves(), &fakeCommander{}, nil)
	b.Bind(client)

	b.PublishState("livingroom", true)
	b.PublishState("bedroom", false)

	if p := client.find("ble_radiator_valve/livingroom/state"); p == nil || p.payload != "open" {
		t.Errorf("livingroom state = %+v, want open", p)
	}
	if p := client.find("ble_radiator_valve/bedroom/state"); p == nil || p.payload != "closed" {
		t.Errorf("bedroom state = %+v, want closed", p)
	}
}

func TestPublishAvailabilityIsRetained(t *testing.T) {
	client := newFakeClient()
	b := NewBridge(testValves(), &fakeCommander{}, nil)
	b.Bind(client)

	b.PublishAvailability("livingroom", true)
	p := client.find("ble_radiator_valve/livingroom/online")
	if p == nil || p.payload != "online" || !p.retained {
		t.Errorf("availability = %+v, want retained online", p)
	}

	b.PublishAvailability("livingroom", false)
	if got := client.countTopic("ble_radiator_valve/livingroom/online"); got != 2 {
		t.Fatalf("availability publishes = %d, want 2", got)
	}
}

func TestPublishAttributes(t *testing.T) {
	client := newFakeClient()
	b := NewBridge(testValves(), &fakeCommander{}, nil)
	b.Bind(client)

	b.PublishAttributes("livingroom", map[string]float64{
		"p1.lan": -61.7,
		"p2.lan": -80.0,
	})

	p := client.find("ble_radiator_valve/livingroom/attributes")
	if p == nil {
		t.Fatal("attributes were not published")
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(p.payload), &attrs); err != nil {
		t.Fatalf("attributes payload is not JSON: %v", err)
	}
	// Fractions are truncated toward zero.
	if attrs["p1.lan RSSI"] != "-61 dBm" {
		t.Errorf("p1 RSSI = %q, want \"-61 dBm\"", attrs["p1.lan RSSI"])
	}
	if attrs["p2.lan RSSI"] != "-80 dBm" {
		t.Errorf("p2 RSSI = %q, want \"-80 dBm\"", attrs["p2.lan RSSI"])
	}
}

func TestMalformedCommandTopicIgnored(t *testing.T) {
	client := newFakeClient()
	cmd := &fakeCommander{}
	b := NewBridge(testValves(), cmd, nil)
	b.Bind(client)

	client.handlers["ble_radiator_valve/+/set"]("ble_radiator_valve/set", []byte("on"))

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	if len(cmd.commands) != 0 {
		t.Errorf("commands = %v, want none for a malformed topic", cmd.commands)
	}
}
