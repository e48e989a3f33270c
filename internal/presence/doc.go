// Package presence tracks which valves are currently hearable.
//
// Every proxy streams the BLE advertisements it receives; the Tracker
// filters them down to registered valves (advertised name containing
// "vanne", address in the registry), stamps the last-seen time, and
// smooths the per-(valve, proxy) RSSI with an exponential moving
// average. A valve counts as online for 60 seconds after its last
// beacon.
//
// Availability is published on offline-to-online transitions and
// re-published for the whole fleet every 30 seconds; the smoothed RSSI
// map is published as attributes on every beacon.
package presence
