package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Controller wires every subsystem together and owns the tun descriptor
// (spec §3, "Ownership"; spec §4.9/§6 "Lifecycle controller"). It exposes
// the four upward operations named in spec §6.
type Controller struct {
	identity IdentityResolver
	fwmark   uint32
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	dev     tunDevice

	tcp    *TCPEngine
	udp    *UDPForwarder
	policy *PolicyEngine
	dns    *DomainCache
	stats  *Counters
}

// NewController constructs a stopped Controller. identity may be nil, in
// which case every flow resolves to "unknown" identity (spec §9).
func NewController(identity IdentityResolver, fwmark uint32, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{identity: identity, fwmark: fwmark, log: log}
}

// StartVPN opens cfg.Device, wires the TCP engine, UDP forwarder, DNS
// cache, and policy engine together, and launches every background
// worker named in spec §5 (spec §6, "startVpn(tunConfig)").
func (c *Controller) StartVPN(cfg TunConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("already running")
	}

	dev, mtu, err := openTunFunc(cfg.Device)
	if err != nil {
		return fmt.Errorf("open tun: %w", err)
	}
	if cfg.MTU > 0 {
		mtu = cfg.MTU
	}

	c.stats = NewCounters()
	c.dns = NewDomainCache()
	c.policy = NewPolicyEngine(NewCachedIdentityResolver(c.identity))
	factory := NewProtectedSocketFactory(c.fwmark)
	writer := newTunWriter(dev)

	c.tcp = NewTCPEngine(factory, c.policy, c.dns, c.stats, writer, mtu, c.log)
	c.udp = NewUDPForwarder(factory, c.policy, c.dns, c.stats, writer, c.log)
	c.dev = dev

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	reader := NewTunReader(dev, c.tcp, c.udp, c.stats, c.log)
	group.Go(func() error {
		return reader.Run(gctx)
	})
	group.Go(func() error {
		return c.sweepLoop(gctx)
	})

	c.cancel = cancel
	c.group = group
	c.running = true

	c.log.Info("vpn started", zap.String("device", cfg.Device), zap.Int("mtu", mtu))
	return nil
}

// sweepLoop runs the UDP idle sweeper on udpFlowSweepInterval until
// cancelled (spec §4.5).
func (c *Controller) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(udpFlowSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.udp.Sweep()
			c.dns.Cleanup()
		}
	}
}

// StopVPN tears the pipeline down: evicts every TCP and UDP flow,
// interrupts the tun reader, and closes the tun descriptor (spec §5,
// "cancellation and timeout").
func (c *Controller) StopVPN() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	group := c.group
	dev := c.dev
	tcp := c.tcp
	udp := c.udp
	c.running = false
	c.mu.Unlock()

	tcp.EvictAll()
	for _, f := range udp.table.all() {
		f.close()
	}

	cancel()
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.log.Warn("shutdown wait timed out; closing tun regardless")
	}

	if dev != nil {
		return dev.Close()
	}
	return nil
}

// IsRunning reports whether the pipeline is active (spec §6).
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// GetStatistics returns a point-in-time snapshot assembled from every
// subsystem (spec §4.8). It never blocks the data plane.
func (c *Controller) GetStatistics() Statistics {
	c.mu.Lock()
	stats := c.stats
	dns := c.dns
	udp := c.udp
	c.mu.Unlock()

	snap := stats.snapshot()
	if dns != nil {
		snap.QueriesObserved = dns.QueriesObserved()
		snap.ResponsesObserved = dns.ResponsesObserved()
		snap.CacheSize = dns.Size()
	}
	_ = udp
	return snap
}

// Policy returns the live policy engine, for the operator interface
// (spec §6). Nil before the first StartVPN.
func (c *Controller) Policy() *PolicyEngine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}
