// Package power implements the per-host reconciler: a state machine that
// converts (desired power intent, observed liveness) into Wake-on-LAN
// loops or signed shutdown issuance. Every host has its own goroutine and
// mutex so state transitions for one host never block or interleave with
// another's.
package power

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shuthost/shuthost/internal/fleet"
	"github.com/shuthost/shuthost/internal/signing"
	"github.com/shuthost/shuthost/internal/wol"
)

// State names a reconciler state, per the table in the power state
// machine design.
type State string

const (
	StateOffIdle       State = "OFF_IDLE"
	StateWaking        State = "WAKING"
	StateOnIdle        State = "ON_IDLE"
	StateShuttingDown  State = "SHUTTING_DOWN"
	WolInterval              = 10 * time.Second
	shutdownReadWindow       = 5 * time.Second
)

// hostController is the serialized reconciler for a single host. All
// mutation of state and wolCancel happens on the goroutine started by
// Controller.ensure, reached only through the input channel -- this is
// the per-host mutex/task the design calls for.
type hostController struct {
	name string

	mu    sync.Mutex
	state State

	inputs chan input
	cancel context.CancelFunc
}

type input struct {
	desired bool
	online  bool
}

// Controller runs one hostController per configured host.
type Controller struct {
	registry *fleet.Registry
	sender   *wol.Sender
	log      zerolog.Logger

	mu    sync.Mutex
	hosts map[string]*hostController

	demo bool
}

// New creates a Controller.
func New(registry *fleet.Registry, sender *wol.Sender, log zerolog.Logger) *Controller {
	return &Controller{
		registry: registry,
		sender:   sender,
		log:      log.With().Str("component", "power").Logger(),
		hosts:    make(map[string]*hostController),
	}
}

// SetDemo switches the controller into demo mode: the WoL loop and
// shutdown issuance are logged instead of actually hitting the network,
// so demo-service can drive its synthetic fleet through real state
// transitions without a real agent on the other end.
func (c *Controller) SetDemo(demo bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demo = demo
}

// State reports the current reconciler state for host, or "" if unknown.
func (c *Controller) State(host string) State {
	c.mu.Lock()
	hc, ok := c.hosts[host]
	c.mu.Unlock()
	if !ok {
		return ""
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.state
}

// EnsureHost starts (or ensures running) the reconciler goroutine for
// host, deriving its own cancelable context from ctx so RemoveHost can
// tear it down independently of every other host, and feeds it an
// initial evaluation against the registry's current lease/liveness
// state.
func (c *Controller) EnsureHost(ctx context.Context, host fleet.Host) {
	c.mu.Lock()
	hc, ok := c.hosts[host.Name]
	if !ok {
		hostCtx, cancel := context.WithCancel(ctx)
		hc = &hostController{name: host.Name, state: StateOffIdle, inputs: make(chan input, 4), cancel: cancel}
		c.hosts[host.Name] = hc
		go c.run(hostCtx, hc, host)
	}
	c.mu.Unlock()
	if !ok && c.registry != nil {
		// The liveness monitor only calls back in on an online edge, so a
		// newly added host that is already desired and not yet probed
		// needs its own first nudge here; online=false is conservative --
		// if the host turns out to already be online, the monitor's first
		// probe corrects it within one active-interval tick.
		desired := c.registry.Desired(host.Name)
		hc.inputs <- input{desired: desired, online: false}
	}
}

// RemoveHost tears down the reconciler for a host removed from config:
// it cancels the host's own context, which stops its run goroutine and
// cancels any WoL loop it started, then forgets the bookkeeping entry so
// a future host of the same name starts fresh.
func (c *Controller) RemoveHost(name string) {
	c.mu.Lock()
	hc, ok := c.hosts[name]
	delete(c.hosts, name)
	c.mu.Unlock()
	if ok {
		hc.cancel()
	}
}

// Evaluate feeds a fresh (desired, online) observation to host's
// reconciler. Called by the lease registry on lease_changed and by the
// liveness monitor on every transition, per spec §4.6 ("the controller
// MUST re-evaluate on the next lease_changed or liveness edge").
func (c *Controller) Evaluate(host string, desired, online bool) {
	c.mu.Lock()
	hc, ok := c.hosts[host]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case hc.inputs <- input{desired: desired, online: online}:
	default:
		// Channel full: a newer evaluation is already queued behind the
		// oldest one and will reflect current truth when it runs; this one
		// can be dropped without losing information.
	}
}

// NotifyOnline satisfies liveness.OnlineNotifier: an immediate online edge
// short-circuits the next tick instead of waiting for the lease/liveness
// caller to separately call Evaluate. In this implementation Evaluate is
// always the single entry point, so NotifyOnline simply re-evaluates with
// the registry's current desired state.
func (c *Controller) NotifyOnline(host string) {
	desired := c.registry.Desired(host)
	c.Evaluate(host, desired, true)
}

func (c *Controller) run(ctx context.Context, hc *hostController, host fleet.Host) {
	var wolCancel context.CancelFunc
	defer func() {
		if wolCancel != nil {
			wolCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-hc.inputs:
			wolCancel = c.transition(ctx, hc, host, in, wolCancel)
		}
	}
}

// transition applies one (desired, online) observation to hc, re-running
// the state table against the same observation until the state stops
// changing. A single input can imply more than one state change -- e.g.
// SHUTTING_DOWN landing in OFF_IDLE while desired is still true must
// immediately re-enter OFF_IDLE's own case and start a fresh WoL loop
// rather than wait for the next external edge, since the liveness
// monitor only calls back in on online transitions. It returns the
// (possibly new) WoL-loop cancel func.
func (c *Controller) transition(ctx context.Context, hc *hostController, host fleet.Host, in input, wolCancel context.CancelFunc) context.CancelFunc {
	hc.mu.Lock()
	state := hc.state
	hc.mu.Unlock()

	for {
		next, nextCancel := c.step(ctx, host, state, in, wolCancel)
		wolCancel = nextCancel
		if next == state {
			break
		}
		c.log.Info().Str("host", host.Name).Str("state", string(state)).Str("next_state", string(next)).
			Bool("desired", in.desired).Bool("online", in.online).Msg("power state transition")
		state = next
	}

	hc.mu.Lock()
	hc.state = state
	hc.mu.Unlock()

	return wolCancel
}

// step applies one (desired, online) observation to a single state and
// returns the resulting state and WoL-loop cancel func, without looping.
func (c *Controller) step(ctx context.Context, host fleet.Host, state State, in input, wolCancel context.CancelFunc) (State, context.CancelFunc) {
	switch state {
	case StateOffIdle:
		switch {
		case in.desired && !in.online:
			return StateWaking, c.startWolLoop(ctx, host)
		case in.desired && in.online:
			return StateOnIdle, wolCancel
		default:
			return StateOffIdle, wolCancel
		}

	case StateWaking:
		switch {
		case in.desired && in.online:
			cancelLoop(wolCancel)
			return StateOnIdle, nil
		case !in.desired:
			cancelLoop(wolCancel)
			return StateOffIdle, nil
		default:
			return StateWaking, wolCancel
		}

	case StateOnIdle:
		switch {
		case !in.desired && in.online:
			c.issueShutdown(host)
			return StateShuttingDown, wolCancel
		case in.desired:
			return StateOnIdle, wolCancel
		default:
			return StateOffIdle, wolCancel
		}

	case StateShuttingDown:
		switch {
		case !in.online:
			return StateOffIdle, wolCancel
		case in.desired && in.online:
			// Lost the race: the shutdown we issued didn't land (or a new
			// lease arrived) and the host is observed on again. Do not
			// re-issue shutdown; treat this as ON_IDLE and wait for the
			// next edge, per the no-retry-on-miss contract.
			return StateOnIdle, wolCancel
		default:
			return StateShuttingDown, wolCancel
		}
	}

	return state, wolCancel
}

func cancelLoop(cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) startWolLoop(parent context.Context, host fleet.Host) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	demo := c.demo
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(WolInterval)
		defer ticker.Stop()

		send := func() {
			if demo {
				c.log.Debug().Str("host", host.Name).Msg("demo: skipping real magic packet")
				return
			}
			c.sender.Send(host.MAC, wol.Target{IP: host.IP, BroadcastAddress: host.BroadcastAddress})
		}

		send()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				send()
			}
		}
	}()
	return cancel
}

// issueShutdown opens a TCP connection to the host agent, sends a signed
// shutdown request, and logs the response. It never retries; a missed
// shutdown is resolved by the next lease cycle, per the documented
// no-retry contract.
func (c *Controller) issueShutdown(host fleet.Host) {
	c.mu.Lock()
	demo := c.demo
	c.mu.Unlock()
	if demo {
		c.log.Info().Str("host", host.Name).Msg("demo: simulated shutdown issued")
		return
	}

	addr := net.JoinHostPort(host.IP.String(), fmt.Sprint(host.Port))

	conn, err := net.DialTimeout("tcp", addr, shutdownReadWindow)
	if err != nil {
		c.log.Warn().Str("host", host.Name).Err(err).Msg("shutdown dial failed")
		return
	}
	defer func() { _ = conn.Close() }()

	token := signing.Sign(host.Secret, "shutdown", time.Now())
	_ = conn.SetDeadline(time.Now().Add(shutdownReadWindow))
	if _, err := conn.Write([]byte(token + "\n")); err != nil {
		c.log.Warn().Str("host", host.Name).Err(err).Msg("shutdown write failed")
		return
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		c.log.Warn().Str("host", host.Name).Err(err).Msg("shutdown response read failed")
		return
	}
	c.log.Info().Str("host", host.Name).Str("response", string(buf[:n])).Msg("shutdown issued")
}
