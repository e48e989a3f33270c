// Package proxy reaches BLE radios through ESPHome bluetooth proxies.
//
// The bridge never touches a radio directly: every BLE operation is
// relayed over a TCP control connection to a proxy near the target
// valve. The package has three pieces:
//
//   - API, the control-plane surface the rest of the bridge consumes:
//     connect, advertisement streaming, BLE connect/disconnect, GATT
//     notify and write.
//   - ESPHomeClient, a plaintext ESPHome native API implementation of
//     that surface. Only the handful of message types the bridge needs
//     are spoken; encrypted (noise) peers are rejected at connect time.
//   - Link, the per-proxy supervisor: a reconnect loop with
//     exponential backoff that keeps the control connection alive for
//     the process lifetime and reports availability transitions and
//     advertisements upward.
//
// Advertisement callbacks are serialized per link. A session built
// from Link.Client races with disconnection by design; losing the
// proxy mid-session surfaces as a failed attempt and the controller
// moves on to the next proxy.
package proxy
