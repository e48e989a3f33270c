package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/muurk/trvbridge/internal/logging"
)

// Link supervises the control-plane connection to one proxy. It lives
// for the whole process and cycles through disconnected/connected as
// often as the network demands, with exponential backoff between
// attempts.
type Link struct {
	cfg  DialConfig
	dial Dialer
	log  *zap.Logger

	// onAdvertisement receives every advertisement the proxy relays.
	onAdvertisement func(hostname string, adv Advertisement)

	// onAvailable / onUnavailable fire on connect and disconnect.
	onAvailable   func(hostname string)
	onUnavailable func(hostname string)

	mu     sync.RWMutex
	client API
}

// LinkCallbacks are the hooks a Link reports through. Advertisement
// delivery is serialized per link.
type LinkCallbacks struct {
	OnAdvertisement func(hostname string, adv Advertisement)
	OnAvailable     func(hostname string)
	OnUnavailable   func(hostname string)
}

// NewLink builds a supervisor for one proxy. dial is invoked for every
// connection attempt.
func NewLink(cfg DialConfig, dial Dialer, cbs LinkCallbacks) *Link {
	return &Link{
		cfg:             cfg,
		dial:            dial,
		log:             logging.Named("proxy").With(zap.String("hostname", cfg.Hostname)),
		onAdvertisement: cbs.OnAdvertisement,
		onAvailable:     cbs.OnAvailable,
		onUnavailable:   cbs.OnUnavailable,
	}
}

// Hostname returns the proxy's configured hostname.
func (l *Link) Hostname() string {
	return l.cfg.Hostname
}

// Available reports whether the control-plane connection is up.
func (l *Link) Available() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client != nil
}

// Client returns the live API client, or nil while disconnected.
// Sessions constructed from it race with disconnection by design; a
// mid-session loss surfaces as a failed attempt.
func (l *Link) Client() API {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client
}

// Run drives the reconnect loop until the context is cancelled.
func (l *Link) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}

		client := l.dial(l.cfg)
		if err := client.Connect(ctx); err != nil {
			l.log.Warn("Proxy connection failed", zap.Error(err))
			if !l.waitBackoff(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}
		policy.Reset()

		if err := client.SubscribeBLEAdvertisements(l.handleAdvertisement); err != nil {
			l.log.Warn("Advertisement subscription failed", zap.Error(err))
			_ = client.Disconnect()
			if !l.waitBackoff(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}

		l.setClient(client)
		l.log.Info("Proxy available")
		if l.onAvailable != nil {
			l.onAvailable(l.cfg.Hostname)
		}

		select {
		case <-client.Done():
			l.clearClient()
			l.log.Warn("Proxy disconnected")
			if l.onUnavailable != nil {
				l.onUnavailable(l.cfg.Hostname)
			}
		case <-ctx.Done():
			l.clearClient()
			_ = client.Disconnect()
			return
		}

		if !l.waitBackoff(ctx, policy.NextBackOff()) {
			return
		}
	}
}

func (l *Link) handleAdvertisement(adv Advertisement) {
	if l.onAdvertisement != nil {
		l.onAdvertisement(l.cfg.Hostname, adv)
	}
}

func (l *Link) setClient(client API) {
	l.mu.Lock()
	l.client = client
	l.mu.Unlock()
}

func (l *Link) clearClient() {
	l.mu.Lock()
	l.client = nil
	l.mu.Unlock()
}

// waitBackoff sleeps for d; false means the context ended first.
func (l *Link) waitBackoff(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
