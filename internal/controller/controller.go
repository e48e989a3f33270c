package controller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/trvbridge/internal/config"
	"github.com/muurk/trvbridge/internal/logging"
	"github.com/muurk/trvbridge/internal/metrics"
	"github.com/muurk/trvbridge/internal/presence"
	"github.com/muurk/trvbridge/internal/proxy"
	"github.com/muurk/trvbridge/internal/valve"
)

// StatePublisher receives the valve state after a successful command.
// The bus adapter implements it.
type StatePublisher interface {
	PublishState(valveName string, on bool)
}

// Controller owns the proxy-link fleet and the valve registry. It
// routes each inbound command through the valve's configured proxies,
// first to last, until one completes the session.
type Controller struct {
	log     *zap.Logger
	cfg     *config.Config
	pub     StatePublisher
	tracker *presence.Tracker
	col     *metrics.Collector

	sessionOpts valve.SessionOptions
	links       map[string]*proxy.Link

	// runSession executes one session attempt; swapped in tests.
	runSession func(ctx context.Context, client proxy.API, v *config.Valve, on bool) error

	mu     sync.Mutex
	runCtx context.Context

	wg sync.WaitGroup
}

// New wires a controller over the configured proxies. dial produces
// the RPC client for each proxy; col may be nil to disable metrics.
func New(cfg *config.Config, dial proxy.Dialer, pub StatePublisher, tracker *presence.Tracker, col *metrics.Collector) *Controller {
	c := &Controller{
		log:         logging.Named("controller"),
		cfg:         cfg,
		pub:         pub,
		tracker:     tracker,
		col:         col,
		sessionOpts: valve.DefaultSessionOptions(),
		links:       make(map[string]*proxy.Link),
	}
	c.runSession = func(ctx context.Context, client proxy.API, v *config.Valve, on bool) error {
		mac, err := valve.MACToUint64(v.MAC)
		if err != nil {
			return err
		}
		return valve.NewSession(client, mac, v.OnTemperature, v.OffTemperature, c.sessionOpts).SetState(ctx, on)
	}

	for _, p := range cfg.EnabledProxies() {
		c.links[p.Hostname] = proxy.NewLink(
			proxy.DialConfig{
				Hostname:               p.Hostname,
				Port:                   p.Port,
				Password:               p.Password,
				NoisePSK:               p.NoisePSK,
				Keepalive:              proxy.DefaultKeepalive,
				KeepaliveTimeoutFactor: proxy.DefaultKeepaliveTimeoutFactor,
			},
			dial,
			proxy.LinkCallbacks{
				OnAdvertisement: c.handleAdvertisement,
				OnAvailable:     c.handleAvailable,
				OnUnavailable:   c.handleUnavailable,
			},
		)
	}
	return c
}

// Run starts every proxy link and the periodic availability publisher,
// then blocks until the context ends and all in-flight commands drain.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	for _, link := range c.links {
		c.wg.Add(1)
		go func(l *proxy.Link) {
			defer c.wg.Done()
			l.Run(ctx)
		}(link)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.tracker.Run(ctx)
	}()

	<-ctx.Done()
	c.wg.Wait()
}

// Dispatch handles one inbound command. Unknown valves are logged and
// dropped; known ones get an independent proxy walk so commands for
// different valves run in parallel.
func (c *Controller) Dispatch(name string, on bool) {
	v := c.cfg.FindValve(name)
	if v == nil {
		c.log.Warn("Command for unknown valve", zap.String("valve", name))
		return
	}

	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.walkProxies(ctx, v, on)
	}()
}

// walkProxies tries the valve's proxies in configured order until one
// session succeeds.
func (c *Controller) walkProxies(ctx context.Context, v *config.Valve, on bool) {
	log := c.log.With(zap.String("valve", v.Name), zap.Bool("on", on))

	for _, hostname := range v.ProxyOrder {
		link := c.links[hostname]
		if link == nil {
			log.Error("Valve references a proxy that is not running", zap.String("proxy", hostname))
			continue
		}
		client := link.Client()
		if client == nil {
			log.Info("Skipping unavailable proxy", zap.String("proxy", hostname))
			continue
		}

		log.Info("Running valve session", zap.String("proxy", hostname))
		start := time.Now()
		err := c.runSession(ctx, client, v, on)
		if err != nil {
			log.Warn("Session failed, trying next proxy",
				zap.String("proxy", hostname),
				zap.Error(err),
			)
			c.countAttempt(v.Name, hostname, metrics.ResultFailure)
			continue
		}

		c.countAttempt(v.Name, hostname, metrics.ResultSuccess)
		if c.col != nil {
			c.col.SessionDuration.WithLabelValues(v.Name, hostname).Observe(time.Since(start).Seconds())
			c.col.Commands.WithLabelValues(v.Name, metrics.ResultSuccess).Inc()
		}
		log.Info("Command completed", zap.String("proxy", hostname))
		c.pub.PublishState(v.Name, on)
		return
	}

	if c.col != nil {
		c.col.Commands.WithLabelValues(v.Name, metrics.ResultFailure).Inc()
	}
	log.Error("Command failed on every proxy")
}

func (c *Controller) countAttempt(valveName, hostname, result string) {
	if c.col != nil {
		c.col.SessionAttempts.WithLabelValues(valveName, hostname, result).Inc()
	}
}

func (c *Controller) handleAdvertisement(hostname string, adv proxy.Advertisement) {
	if c.col != nil {
		c.col.Advertisements.WithLabelValues(hostname).Inc()
	}
	c.tracker.HandleAdvertisement(hostname, adv)
}

func (c *Controller) handleAvailable(hostname string) {
	if c.col != nil {
		c.col.ProxiesConnected.Inc()
	}
}

func (c *Controller) handleUnavailable(hostname string) {
	if c.col != nil {
		c.col.ProxiesConnected.Dec()
	}
}
