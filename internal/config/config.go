package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/muurk/trvbridge/internal/valve"
)

const (
	// DefaultPath is used when no configuration file is given on the
	// command line.
	DefaultPath = "./config.yaml"

	// DefaultMQTTPort is the standard unencrypted MQTT broker port.
	DefaultMQTTPort = 1883

	// DefaultProxyPort is the ESPHome native API port.
	DefaultProxyPort = 6053

	// DefaultOnTemperature is the comfort set-point driving the valve open.
	DefaultOnTemperature = 35

	// DefaultOffTemperature is the comfort set-point driving the valve closed.
	DefaultOffTemperature = 7
)

// Config is the top-level configuration file document.
type Config struct {
	MQTT    MQTT    `yaml:"mqtt"`
	Metrics Metrics `yaml:"metrics,omitempty"`

	BluetoothProxies []*Proxy `yaml:"bluetooth_proxies"`
	Valves           []*Valve `yaml:"radiator_valve_switches"`
}

// MQTT holds the message bus connection settings.
type MQTT struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Metrics holds the optional Prometheus exposition settings.
type Metrics struct {
	// Listen is the address the /metrics endpoint binds to, e.g.
	// ":9100". Empty disables the endpoint.
	Listen string `yaml:"listen,omitempty"`
}

// Proxy describes one ESPHome bluetooth proxy.
type Proxy struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port,omitempty"`
	Password string `yaml:"password,omitempty"`
	NoisePSK string `yaml:"noise_psk,omitempty"`
	Enabled  *bool  `yaml:"enabled,omitempty"` // nil means enabled
}

// IsEnabled reports whether the proxy takes part in the bridge.
func (p *Proxy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Valve describes one radiator valve switch.
type Valve struct {
	Name string `yaml:"name"`

	// MAC is the valve's BLE address, canonicalized to six lowercase
	// colon-separated hex octets during Load.
	MAC string `yaml:"mac_address"`

	// ProxyOrder lists proxy hostnames to try, first to last.
	ProxyOrder []string `yaml:"bluetooth_proxies"`

	OnTemperature  int `yaml:"on_temperature,omitempty"`
	OffTemperature int `yaml:"off_temperature,omitempty"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills in every optional field that was left unset.
func (c *Config) ApplyDefaults() {
	if c.MQTT.Port == 0 {
		c.MQTT.Port = DefaultMQTTPort
	}
	for _, p := range c.BluetoothProxies {
		if p.Port == 0 {
			p.Port = DefaultProxyPort
		}
	}
	for _, v := range c.Valves {
		if v.OnTemperature == 0 {
			v.OnTemperature = DefaultOnTemperature
		}
		if v.OffTemperature == 0 {
			v.OffTemperature = DefaultOffTemperature
		}
	}
}

// Validate checks the configuration for fatal problems and
// canonicalizes valve MAC addresses. It returns the first error found.
func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required")
	}

	proxies := make(map[string]*Proxy, len(c.BluetoothProxies))
	enabled := 0
	for i, p := range c.BluetoothProxies {
		if p.Hostname == "" {
			return fmt.Errorf("bluetooth_proxies[%d]: hostname is required", i)
		}
		if _, dup := proxies[p.Hostname]; dup {
			return fmt.Errorf("bluetooth_proxies: duplicate hostname %q", p.Hostname)
		}
		proxies[p.Hostname] = p
		if p.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("bluetooth_proxies: at least one enabled proxy is required")
	}

	if len(c.Valves) == 0 {
		return fmt.Errorf("radiator_valve_switches: at least one valve is required")
	}

	names := make(map[string]bool, len(c.Valves))
	for i, v := range c.Valves {
		if v.Name == "" {
			return fmt.Errorf("radiator_valve_switches[%d]: name is required", i)
		}
		if names[v.Name] {
			return fmt.Errorf("radiator_valve_switches: duplicate name %q", v.Name)
		}
		names[v.Name] = true

		mac, err := valve.NormalizeMAC(v.MAC)
		if err != nil {
			return fmt.Errorf("radiator_valve_switches[%q]: %w", v.Name, err)
		}
		v.MAC = mac

		if len(v.ProxyOrder) == 0 {
			return fmt.Errorf("radiator_valve_switches[%q]: at least one proxy hostname is required", v.Name)
		}
		for _, hostname := range v.ProxyOrder {
			if _, ok := proxies[hostname]; !ok {
				return fmt.Errorf("radiator_valve_switches[%q]: unknown proxy %q", v.Name, hostname)
			}
		}

		for _, temp := range []int{v.OnTemperature, v.OffTemperature} {
			if temp < -10 || temp > 80 {
				return fmt.Errorf("radiator_valve_switches[%q]: temperature %d out of range [-10, 80]", v.Name, temp)
			}
		}
	}

	return nil
}

// FindValve returns the valve with the given name, or nil.
func (c *Config) FindValve(name string) *Valve {
	for _, v := range c.Valves {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// EnabledProxies returns the proxies that take part in the bridge, in
// file order.
func (c *Config) EnabledProxies() []*Proxy {
	out := make([]*Proxy, 0, len(c.BluetoothProxies))
	for _, p := range c.BluetoothProxies {
		if p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}
