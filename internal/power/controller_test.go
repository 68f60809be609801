package power

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuthost/shuthost/internal/fleet"
	"github.com/shuthost/shuthost/internal/wol"
)

func testHost(t *testing.T, port int) fleet.Host {
	t.Helper()
	mac, err := net.ParseMAC("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	return fleet.Host{Name: "h1", MAC: mac, IP: net.ParseIP("127.0.0.1"), Port: port, Secret: []byte("s")}
}

func newTestController(t *testing.T) (*Controller, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sender := wol.NewSender(nil)
	c := New(nil, sender, zerolog.Nop())
	t.Cleanup(cancel)
	return c, cancel
}

func waitState(t *testing.T, c *Controller, host string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State(host) == want
	}, 2*time.Second, 10*time.Millisecond, "expected state %s, got %s", want, c.State(host))
}

func TestOffIdleStartsWolLoopWhenDesiredAndOffline(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	host := testHost(t, 59999)

	c.EnsureHost(ctx, host)
	waitState(t, c, "h1", StateOffIdle)

	c.Evaluate("h1", true, false)
	waitState(t, c, "h1", StateWaking)
}

func TestWakingTransitionsToOnIdleWhenObservedOnline(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	host := testHost(t, 59998)

	c.EnsureHost(ctx, host)
	c.Evaluate("h1", true, false)
	waitState(t, c, "h1", StateWaking)

	c.Evaluate("h1", true, true)
	waitState(t, c, "h1", StateOnIdle)
}

func TestWakingCancelsToOffIdleWhenDesiredDrops(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	host := testHost(t, 59997)

	c.EnsureHost(ctx, host)
	c.Evaluate("h1", true, false)
	waitState(t, c, "h1", StateWaking)

	c.Evaluate("h1", false, false)
	waitState(t, c, "h1", StateOffIdle)
}

func TestOnIdleIssuesShutdownWhenDesiredDropsWhileOnline(t *testing.T) {
	// No agent listens on this port; issueShutdown's dial fails, logged and
	// swallowed, but the state transition to SHUTTING_DOWN still happens.
	c, _ := newTestController(t)
	ctx := context.Background()
	host := testHost(t, 59996)

	c.EnsureHost(ctx, host)
	c.Evaluate("h1", true, true)
	waitState(t, c, "h1", StateOnIdle)

	c.Evaluate("h1", false, true)
	waitState(t, c, "h1", StateShuttingDown)
}

func TestShuttingDownReturnsToOffIdleWhenObservedOffline(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	host := testHost(t, 59995)

	c.EnsureHost(ctx, host)
	c.Evaluate("h1", true, true)
	waitState(t, c, "h1", StateOnIdle)
	c.Evaluate("h1", false, true)
	waitState(t, c, "h1", StateShuttingDown)

	c.Evaluate("h1", false, false)
	waitState(t, c, "h1", StateOffIdle)
}

func TestShuttingDownLostRaceGoesToOnIdleNotRetried(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	host := testHost(t, 59994)

	c.EnsureHost(ctx, host)
	c.Evaluate("h1", true, true)
	waitState(t, c, "h1", StateOnIdle)
	c.Evaluate("h1", false, true)
	waitState(t, c, "h1", StateShuttingDown)

	// Host is still (or again) observed online and desired: a lost
	// shutdown. The controller must not re-issue shutdown, only move to
	// ON_IDLE and wait for the next edge.
	c.Evaluate("h1", true, true)
	waitState(t, c, "h1", StateOnIdle)
}

func TestEvaluateOnUnknownHostIsNoop(t *testing.T) {
	c, _ := newTestController(t)
	assert.NotPanics(t, func() {
		c.Evaluate("ghost", true, true)
	})
}

func TestShuttingDownRestartsWolLoopWhenStillDesired(t *testing.T) {
	// A take arrives while the host is SHUTTING_DOWN and still offline: the
	// next externally observed edge is "offline", which lands in OFF_IDLE,
	// but desired is already true, so the same input must immediately
	// re-enter OFF_IDLE's own case and start a fresh WoL loop rather than
	// wait for an online edge that the monitor has no reason to produce.
	c, _ := newTestController(t)
	ctx := context.Background()
	host := testHost(t, 59993)

	c.EnsureHost(ctx, host)
	c.Evaluate("h1", true, true)
	waitState(t, c, "h1", StateOnIdle)
	c.Evaluate("h1", false, true)
	waitState(t, c, "h1", StateShuttingDown)

	c.Evaluate("h1", true, false)
	waitState(t, c, "h1", StateWaking)
}

func TestRemoveHostStopsReconciler(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	host := testHost(t, 59992)

	c.EnsureHost(ctx, host)
	c.Evaluate("h1", true, false)
	waitState(t, c, "h1", StateWaking)

	c.RemoveHost("h1")
	assert.Equal(t, State(""), c.State("h1"))

	// A removed host's reconciler is gone, not merely forgotten: feeding it
	// further evaluations must be a no-op, not resurrect stale state.
	c.Evaluate("h1", true, false)
	assert.Equal(t, State(""), c.State("h1"))
}
