// Package discovery finds ESPHome nodes on the local network.
//
// ESPHome devices advertise _esphomelib._tcp over mDNS. The `discover`
// sub-command browses for them so an operator can fill in the
// bluetooth_proxies section of the configuration without hunting for
// addresses. Discovery is an operator aid only; the bridge itself
// connects strictly to the configured proxies.
package discovery
