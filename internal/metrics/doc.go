// Package metrics exposes the bridge's operational counters.
//
// All metrics carry the trvbridge_ prefix and are registered against
// the default Prometheus registerer: command outcomes, per-proxy
// session attempts and durations, connected proxies, relayed
// advertisements and per-(valve, proxy) RSSI. The /metrics endpoint is
// served only when metrics.listen is set in the configuration.
package metrics
