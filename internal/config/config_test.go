package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
mqtt:
  host: broker.lan
  username: trv
  password: secret
bluetooth_proxies:
  - hostname: proxy1.lan
  - hostname: proxy2.lan
    port: 6054
    enabled: false
radiator_valve_switches:
  - name: livingroom
    mac_address: "62:00:A1:1E:C1:1F"
    bluetooth_proxies: [proxy1.lan]
  - name: bedroom
    mac_address: "62:00:a1:1e:c1:20"
    bluetooth_proxies: [proxy1.lan, proxy2.lan]
    on_temperature: 30
    off_temperature: 5
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Host != "broker.lan" {
		t.Errorf("mqtt host = %q", cfg.MQTT.Host)
	}
	if cfg.MQTT.Port != DefaultMQTTPort {
		t.Errorf("mqtt port = %d, want default %d", cfg.MQTT.Port, DefaultMQTTPort)
	}

	if got := len(cfg.EnabledProxies()); got != 1 {
		t.Errorf("enabled proxies = %d, want 1", got)
	}
	if cfg.BluetoothProxies[0].Port != DefaultProxyPort {
		t.Errorf("proxy1 port = %d, want default %d", cfg.BluetoothProxies[0].Port, DefaultProxyPort)
	}
	if cfg.BluetoothProxies[1].Port != 6054 {
		t.Errorf("proxy2 port = %d, want 6054", cfg.BluetoothProxies[1].Port)
	}

	livingroom := cfg.FindValve("livingroom")
	if livingroom == nil {
		t.Fatal("livingroom valve missing")
	}
	// The MAC is canonicalized to lowercase.
	if livingroom.MAC != "62:00:a1:1e:c1:1f" {
		t.Errorf("mac = %q, want canonical lowercase", livingroom.MAC)
	}
	if livingroom.OnTemperature != DefaultOnTemperature || livingroom.OffTemperature != DefaultOffTemperature {
		t.Errorf("temperatures = %d/%d, want defaults %d/%d",
			livingroom.OnTemperature, livingroom.OffTemperature, DefaultOnTemperature, DefaultOffTemperature)
	}

	bedroom := cfg.FindValve("bedroom")
	if bedroom.OnTemperature != 30 || bedroom.OffTemperature != 5 {
		t.Errorf("bedroom temperatures = %d/%d, want 30/5", bedroom.OnTemperature, bedroom.OffTemperature)
	}

	if cfg.FindValve("attic") != nil {
		t.Error("unknown valve should be nil")
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantIn  string
	}{
		{
			name: "missing mqtt host",
			content: `
bluetooth_proxies: [{hostname: p1}]
radiator_valve_switches: [{name: a, mac_address: "aa:bb:cc:dd:ee:ff", bluetooth_proxies: [p1]}]
`,
			wantIn: "mqtt.host",
		},
		{
			name: "no proxies",
			content: `
mqtt: {host: broker.lan}
radiator_valve_switches: [{name: a, mac_address: "aa:bb:cc:dd:ee:ff", bluetooth_proxies: [p1]}]
`,
			wantIn: "enabled proxy",
		},
		{
			name: "all proxies disabled",
			content: `
mqtt: {host: broker.lan}
bluetooth_proxies: [{hostname: p1, enabled: false}]
radiator_valve_switches: [{name: a, mac_address: "aa:bb:cc:dd:ee:ff", bluetooth_proxies: [p1]}]
`,
			wantIn: "enabled proxy",
		},
		{
			name: "no valves",
			content: `
mqtt: {host: broker.lan}
bluetooth_proxies: [{hostname: p1}]
`,
			wantIn: "at least one valve",
		},
		{
			name: "duplicate valve name",
			content: `
mqtt: {host: broker.lan}
bluetooth_proxies: [{hostname: p1}]
radiator_valve_switches:
  - {name: a, mac_address: "aa:bb:cc:dd:ee:ff", bluetooth_proxies: [p1]}
  - {name: a, mac_address: "aa:bb:cc:dd:ee:fe", bluetooth_proxies: [p1]}
`,
			wantIn: "duplicate name",
		},
		{
			name: "invalid mac",
			content: `
mqtt: {host: broker.lan}
bluetooth_proxies: [{hostname: p1}]
radiator_valve_switches: [{name: a, mac_address: "62:00:A1:1E:C1:1G", bluetooth_proxies: [p1]}]
`,
			wantIn: "invalid mac",
		},
		{
			name: "unknown proxy reference",
			content: `
mqtt: {host: broker.lan}
bluetooth_proxies: [{hostname: p1}]
radiator_valve_switches: [{name: a, mac_address: "aa:bb:cc:dd:ee:ff", bluetooth_proxies: [p9]}]
`,
			wantIn: "unknown proxy",
		},
		{
			name: "valve without proxies",
			content: `
mqtt: {host: broker.lan}
bluetooth_proxies: [{hostname: p1}]
radiator_valve_switches: [{name: a, mac_address: "aa:bb:cc:dd:ee:ff"}]
`,
			wantIn: "at least one proxy",
		},
		{
			name: "temperature out of range",
			content: `
mqtt: {host: broker.lan}
bluetooth_proxies: [{hostname: p1}]
radiator_valve_switches: [{name: a, mac_address: "aa:bb:cc:dd:ee:ff", bluetooth_proxies: [p1], on_temperature: 95}]
`,
			wantIn: "out of range",
		},
		{
			name:    "not yaml",
			content: "{{{{",
			wantIn:  "parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantIn) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantIn)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() expected error for a missing file")
	}
}
