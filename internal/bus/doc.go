// Package bus adapts the MQTT message bus to the valve controller.
//
// Inbound, it subscribes to ble_radiator_valve/+/set and routes each
// message to the controller: a payload of true/1/on/open (any case)
// turns the valve on, anything else turns it off. It also watches
// homeassistant/status so a restarted hub gets the discovery documents
// again.
//
// Outbound, it publishes per valve:
//
//	ble_radiator_valve/<name>/state       "open" or "closed"
//	ble_radiator_valve/<name>/online      "online"/"offline", retained
//	ble_radiator_valve/<name>/attributes  {"<proxy> RSSI": "-61 dBm", ...}
//	homeassistant/valve/radiator_valve_<name>/config   discovery JSON
//
// The production client wraps eclipse/paho with automatic reconnection
// every ten seconds; Bind runs on every (re)connection so
// subscriptions and discovery survive broker restarts.
package bus
