package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/trvbridge/internal/logging"
	"github.com/muurk/trvbridge/internal/proxy"
	"github.com/muurk/trvbridge/internal/valve"
)

const (
	// OnlineWindow is how long a valve stays online after its last
	// beacon.
	OnlineWindow = 60 * time.Second

	// republishInterval is the cadence of the periodic availability
	// re-publish.
	republishInterval = 30 * time.Second

	// rssiKeep and rssiMix are the exponential moving average weights
	// applied to every RSSI sample.
	rssiKeep = 0.97
	rssiMix  = 0.03

	// nameFilter selects valve advertisements by advertised name.
	nameFilter = "vanne"
)

// Publisher receives availability and attribute updates. The bus
// adapter implements it.
type Publisher interface {
	// PublishAvailability announces a valve online or offline.
	PublishAvailability(valveName string, online bool)

	// PublishAttributes publishes the per-proxy smoothed RSSI map.
	PublishAttributes(valveName string, rssiByProxy map[string]float64)
}

// Tracker maintains last-seen timestamps and smoothed RSSI per valve.
// Records are created on the first beacon and retained for the process
// lifetime.
type Tracker struct {
	log *zap.Logger
	pub Publisher
	now func() time.Time

	mu          sync.Mutex
	nameByMAC   map[string]string // canonical mac -> valve name
	lastSeen    map[string]time.Time
	rssiByValve map[string]map[string]float64 // valve name -> proxy -> dBm
}

// NewTracker builds a tracker over the registered valves, given as a
// canonical-MAC to name map.
func NewTracker(nameByMAC map[string]string, pub Publisher) *Tracker {
	return &Tracker{
		log:         logging.Named("presence"),
		pub:         pub,
		now:         time.Now,
		nameByMAC:   nameByMAC,
		lastSeen:    make(map[string]time.Time),
		rssiByValve: make(map[string]map[string]float64),
	}
}

// HandleAdvertisement processes one relayed advertisement. Beacons
// whose name does not look like a valve, or whose address is not
// registered, are ignored.
func (t *Tracker) HandleAdvertisement(hostname string, adv proxy.Advertisement) {
	if !strings.Contains(strings.ToLower(adv.Name), nameFilter) {
		return
	}
	mac := valve.Uint64ToMAC(adv.Address)

	t.mu.Lock()
	name, ok := t.nameByMAC[mac]
	if !ok {
		t.mu.Unlock()
		return
	}

	now := t.now()
	wasOnline := t.onlineLocked(mac, now)
	t.lastSeen[mac] = now

	byProxy := t.rssiByValve[name]
	if byProxy == nil {
		byProxy = make(map[string]float64)
		t.rssiByValve[name] = byProxy
	}
	smoothed, seen := byProxy[hostname]
	if !seen {
		smoothed = float64(adv.RSSI)
	}
	smoothed = rssiKeep*smoothed + rssiMix*float64(adv.RSSI)
	byProxy[hostname] = smoothed

	rssiCopy := copyRSSI(byProxy)
	t.mu.Unlock()

	t.log.Debug("Beacon",
		zap.String("valve", name),
		zap.String("proxy", hostname),
		zap.Int("rssi_dbm", adv.RSSI),
	)

	if !wasOnline {
		t.pub.PublishAvailability(name, true)
	}
	t.pub.PublishAttributes(name, rssiCopy)
}

// IsOnline reports whether the valve with the given canonical MAC has
// beaconed within the online window.
func (t *Tracker) IsOnline(mac string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineLocked(mac, t.now())
}

func (t *Tracker) onlineLocked(mac string, now time.Time) bool {
	seen, ok := t.lastSeen[mac]
	return ok && now.Sub(seen) < OnlineWindow
}

// RSSI returns a copy of the smoothed per-proxy RSSI map for a valve.
func (t *Tracker) RSSI(valveName string) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyRSSI(t.rssiByValve[valveName])
}

// Run re-publishes availability for every registered valve on a fixed
// interval until the context ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(republishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.PublishAll()
		case <-ctx.Done():
			return
		}
	}
}

// PublishAll publishes the current availability of every valve.
func (t *Tracker) PublishAll() {
	t.mu.Lock()
	now := t.now()
	states := make(map[string]bool, len(t.nameByMAC))
	for mac, name := range t.nameByMAC {
		states[name] = t.onlineLocked(mac, now)
	}
	t.mu.Unlock()

	for name, online := range states {
		t.pub.PublishAvailability(name, online)
	}
}

func copyRSSI(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
