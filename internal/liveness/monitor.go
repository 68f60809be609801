// Package liveness implements the adaptive-interval probe loop that
// determines whether each configured host is reachable, publishing
// up/down transitions to the event bus. The ticker-loop and
// cancel-on-reload pattern is modeled on a periodic network-fetch loop,
// adapted from polling a single remote resource to probing many hosts
// concurrently, one goroutine per host, supervised by an errgroup.
package liveness

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shuthost/shuthost/internal/eventbus"
	"github.com/shuthost/shuthost/internal/fleet"
	"github.com/shuthost/shuthost/internal/signing"
)

const (
	// IdleInterval is the probe cadence when no WebSocket clients are
	// subscribed and the host has no lease.
	IdleInterval = 30 * time.Second
	// ActiveInterval is the probe cadence otherwise.
	ActiveInterval = 2 * time.Second

	dialTimeout = 1 * time.Second
)

// HostStatusEvent is published to eventbus.TopicHostStatus on every
// observed liveness transition.
type HostStatusEvent struct {
	Host   string `json:"host"`
	Online bool   `json:"online"`
}

// Subscribers reports how many WebSocket clients are currently connected,
// used to pick the idle vs. active probe interval.
type Subscribers interface {
	SubscriberCount() int
}

// OnlineNotifier is informed whenever a host transitions offline->online,
// so the power controller can cancel a WoL loop without waiting for its
// own next tick.
type OnlineNotifier interface {
	NotifyOnline(host string)
}

// Monitor runs one probe goroutine per configured host.
type Monitor struct {
	registry *fleet.Registry
	bus      *eventbus.Bus
	subs     Subscribers
	notifier OnlineNotifier
	log      zerolog.Logger

	mu        sync.Mutex
	online    map[string]bool
	cancels   map[string]context.CancelFunc
	lastProbe map[string]time.Time

	demoOnline map[string]bool
}

// New creates a Monitor. subs and notifier may be nil in tests that don't
// exercise adaptive cadence or WoL cancellation.
func New(registry *fleet.Registry, bus *eventbus.Bus, subs Subscribers, notifier OnlineNotifier, log zerolog.Logger) *Monitor {
	return &Monitor{
		registry:  registry,
		bus:       bus,
		subs:      subs,
		notifier:  notifier,
		log:       log.With().Str("component", "liveness").Logger(),
		online:    make(map[string]bool),
		cancels:   make(map[string]context.CancelFunc),
		lastProbe: make(map[string]time.Time),
	}
}

// SetDemoOnline switches the monitor into demo mode: probe no longer dials
// the network and instead reports whatever this table says, letting
// demo-service present a synthetic fleet without real agents to reach.
func (m *Monitor) SetDemoOnline(online map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.demoOnline = online
}

// Online reports the last-observed liveness of host.
func (m *Monitor) Online(host string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[host]
}

// ProbedAt reports when host was last probed, the zero time if never.
func (m *Monitor) ProbedAt(host string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProbe[host]
}

// Start launches probe goroutines for every host currently in the
// registry and runs until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	for _, h := range m.registry.Hosts() {
		m.StartHost(ctx, h)
	}
}

// StartHost begins probing host, replacing any probe already running for
// it. Used both at startup and by the config supervisor when a host is
// added or its parameters change.
func (m *Monitor) StartHost(parent context.Context, host fleet.Host) {
	m.StopHost(host.Name)

	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.cancels[host.Name] = cancel
	m.mu.Unlock()

	go m.runLoop(ctx, host)
}

// StopHost cancels the probe goroutine for the named host, if running.
func (m *Monitor) StopHost(name string) {
	m.mu.Lock()
	cancel, ok := m.cancels[name]
	delete(m.cancels, name)
	delete(m.online, name)
	delete(m.lastProbe, name)
	m.mu.Unlock()

	if ok {
		cancel()
	}
}

func (m *Monitor) runLoop(ctx context.Context, host fleet.Host) {
	for {
		online := m.probe(ctx, host)
		m.mu.Lock()
		m.lastProbe[host.Name] = time.Now()
		m.mu.Unlock()
		m.recordTransition(host.Name, online)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval(host.Name)):
		}
	}
}

func (m *Monitor) interval(host string) time.Duration {
	leased := m.registry.Desired(host)
	subscribed := m.subs != nil && m.subs.SubscriberCount() > 0
	if leased || subscribed {
		return ActiveInterval
	}
	return IdleInterval
}

func (m *Monitor) probe(ctx context.Context, host fleet.Host) bool {
	m.mu.Lock()
	demo := m.demoOnline
	m.mu.Unlock()
	if demo != nil {
		return demo[host.Name]
	}

	addr := net.JoinHostPort(host.IP.String(), fmt.Sprint(host.Port))

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()

	token := signing.Sign(host.Secret, "status", time.Now())
	_ = conn.SetDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.Write([]byte(token + "\n")); err != nil {
		return false
	}

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		return false
	}
	return string(buf[:n]) == "OK\n"
}

func (m *Monitor) recordTransition(host string, online bool) {
	m.mu.Lock()
	prev, known := m.online[host]
	m.online[host] = online
	m.mu.Unlock()

	if known && prev == online {
		return
	}

	m.log.Info().Str("host", host).Bool("online", online).Msg("liveness transition")
	m.bus.Publish(eventbus.TopicHostStatus, HostStatusEvent{Host: host, Online: online})

	if online && m.notifier != nil {
		m.notifier.NotifyOnline(host)
	}
}

// RunAll runs Start and blocks until ctx is canceled, using an errgroup so
// a panic-free probe goroutine crash would be surfaced rather than
// silently lost. Probe goroutines themselves never return an error except
// via ctx cancellation, so Wait simply blocks until shutdown.
func RunAll(ctx context.Context, m *Monitor) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.Start(gctx)
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}
