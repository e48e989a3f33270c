package proxy

import (
	"context"
	"time"

	"github.com/muurk/trvbridge/internal/valve"
)

// Advertisement is one BLE advertisement relayed by a proxy.
type Advertisement struct {
	// Address is the advertiser's 48-bit BLE address.
	Address uint64

	// Name is the local name extracted from the advertising data;
	// empty when the advertiser does not broadcast one.
	Name string

	// RSSI is the received signal strength in dBm.
	RSSI int
}

// API is the control-plane surface of one BLE proxy, as consumed by
// the bridge: a persistent connection, an advertisement stream, and
// the four GATT operations sessions need.
type API interface {
	// Connect establishes the control-plane connection and performs
	// the protocol handshake.
	Connect(ctx context.Context) error

	// Disconnect closes the control-plane connection.
	Disconnect() error

	// Done is closed when the control-plane connection is lost, for
	// whatever reason.
	Done() <-chan struct{}

	// SubscribeBLEAdvertisements streams raw advertisements to cb.
	SubscribeBLEAdvertisements(cb func(Advertisement)) error

	// BLEConnect opens a BLE connection to a peripheral.
	BLEConnect(ctx context.Context, address uint64, onState func(connected bool, mtu int, err error), opts valve.BLEConnectOptions) error

	// BLEDisconnect closes the BLE connection to a peripheral.
	BLEDisconnect(address uint64) error

	// GATTStartNotify subscribes to notifications on a handle.
	GATTStartNotify(ctx context.Context, address uint64, handle uint16, onNotify func(data []byte)) error

	// GATTWrite writes to a handle.
	GATTWrite(ctx context.Context, address uint64, handle uint16, data []byte, withResponse bool, timeout time.Duration) error
}

// DialConfig carries everything needed to reach one proxy.
type DialConfig struct {
	Hostname string
	Port     int
	Password string
	NoisePSK string

	// Keepalive is the ping interval; the connection is considered
	// dead after KeepaliveTimeoutFactor missed intervals.
	Keepalive              time.Duration
	KeepaliveTimeoutFactor float64
}

// DefaultKeepalive and DefaultKeepaliveTimeoutFactor tune the liveness
// probing of the control-plane connection.
const (
	DefaultKeepalive              = 30 * time.Second
	DefaultKeepaliveTimeoutFactor = 4.5
)

// Dialer produces an unconnected API client for a proxy. It exists so
// tests and alternative transports can substitute the client without
// touching the supervisor.
type Dialer func(cfg DialConfig) API
