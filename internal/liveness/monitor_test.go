package liveness

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuthost/shuthost/internal/eventbus"
	"github.com/shuthost/shuthost/internal/fleet"
	"github.com/shuthost/shuthost/internal/signing"
)

// fakeAgent accepts one connection, verifies the request, and replies OK
// or closes immediately depending on respond.
func fakeAgent(t *testing.T, secret []byte, respond bool) (port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				if !respond {
					return
				}
				buf := make([]byte, 256)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				_, verr := signing.Verify(secret, trimNL(string(buf[:n])), time.Now(), signing.DefaultWindow, signing.NewReplayCache())
				if verr != nil {
					return
				}
				_, _ = conn.Write([]byte("OK\n"))
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.Port, func() { _ = ln.Close() }
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestProbeSucceedsAgainstRespondingAgent(t *testing.T) {
	secret := []byte("host-secret")
	port, stop := fakeAgent(t, secret, true)
	defer stop()

	bus := eventbus.New()
	r := fleet.New(bus)
	m := New(r, bus, nil, nil, zerolog.Nop())

	host := fleet.Host{Name: "h1", IP: net.ParseIP("127.0.0.1"), Port: port, Secret: secret}
	assert.True(t, m.probe(context.Background(), host))
}

func TestProbeFailsAgainstUnresponsiveAgent(t *testing.T) {
	secret := []byte("host-secret")
	port, stop := fakeAgent(t, secret, false)
	defer stop()

	bus := eventbus.New()
	r := fleet.New(bus)
	m := New(r, bus, nil, nil, zerolog.Nop())

	host := fleet.Host{Name: "h1", IP: net.ParseIP("127.0.0.1"), Port: port, Secret: secret}
	assert.False(t, m.probe(context.Background(), host))
}

func TestRecordTransitionPublishesOnlyOnChange(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicHostStatus)
	defer sub.Close()

	r := fleet.New(bus)
	m := New(r, bus, nil, nil, zerolog.Nop())

	m.recordTransition("h1", true)
	select {
	case evt := <-sub.Events():
		assert.Equal(t, HostStatusEvent{Host: "h1", Online: true}, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected event on first transition")
	}

	m.recordTransition("h1", true)
	select {
	case <-sub.Events():
		t.Fatal("unexpected event on repeated same-value probe")
	case <-time.After(100 * time.Millisecond):
	}
}
