// Package config loads and validates the bridge configuration file.
//
// The configuration is a single YAML document with three sections: the
// MQTT broker, the BLE proxy fleet, and the valve registry:
//
//	mqtt:
//	  host: broker.lan
//	  username: trv
//	  password: secret
//	bluetooth_proxies:
//	  - hostname: proxy-livingroom.lan
//	  - hostname: proxy-hallway.lan
//	    port: 6053
//	radiator_valve_switches:
//	  - name: livingroom
//	    mac_address: "62:00:A1:1E:C1:1F"
//	    bluetooth_proxies: [proxy-livingroom.lan, proxy-hallway.lan]
//	    on_temperature: 35
//	    off_temperature: 7
//
// Load applies defaults (MQTT port 1883, proxy port 6053, on/off
// temperatures 35/7 °C), canonicalizes MAC addresses to lowercase and
// rejects configurations with missing hosts, duplicate names, unknown
// proxy references or out-of-range temperatures.
//
// A valve's registration is immutable for the lifetime of the process;
// configuration changes require a restart.
package config
