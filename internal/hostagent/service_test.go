package hostagent

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuthost/shuthost/internal/signing"
)

func startTestService(t *testing.T, cfg Config) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svc := New(cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go svc.handle(ctx, conn)
		}
	}()

	return ln.Addr().String(), func() {
		cancel()
		_ = ln.Close()
	}
}

func sendLine(t *testing.T, addr, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte(line + "\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return resp
}

func TestServiceAcceptsValidStatusRequest(t *testing.T) {
	secret := []byte("shared-secret")
	addr, stop := startTestService(t, Config{Secret: secret})
	defer stop()

	token := signing.Sign(secret, "status", time.Now())
	resp := sendLine(t, addr, token)
	assert.Equal(t, "OK\n", resp)
}

func TestServiceRunsShutdownCommandAndReturnsOK(t *testing.T) {
	secret := []byte("shared-secret")
	var ran atomic.Bool

	addr, stop := startTestService(t, Config{
		Secret:          secret,
		ShutdownCommand: "true",
		Runner: func(ctx context.Context, cmd string) error {
			ran.Store(true)
			return nil
		},
	})
	defer stop()

	token := signing.Sign(secret, "shutdown", time.Now())
	resp := sendLine(t, addr, token)
	assert.Equal(t, "OK\n", resp)

	require.Eventually(t, ran.Load, time.Second, 10*time.Millisecond)
}

func TestServiceRejectsBadSignature(t *testing.T) {
	addr, stop := startTestService(t, Config{Secret: []byte("real-secret")})
	defer stop()

	token := signing.Sign([]byte("wrong-secret"), "status", time.Now())
	resp := sendLine(t, addr, token)
	assert.Equal(t, "ERR BadSignature\n", resp)
}

func TestServiceRejectsReplayedRequest(t *testing.T) {
	secret := []byte("shared-secret")
	addr, stop := startTestService(t, Config{Secret: secret})
	defer stop()

	token := signing.Sign(secret, "status", time.Now())
	first := sendLine(t, addr, token)
	assert.Equal(t, "OK\n", first)

	second := sendLine(t, addr, token)
	assert.Equal(t, "ERR Replay\n", second)
}

func TestServiceRejectsUnknownAction(t *testing.T) {
	secret := []byte("shared-secret")
	addr, stop := startTestService(t, Config{Secret: secret})
	defer stop()

	token := signing.Sign(secret, "reboot", time.Now())
	resp := sendLine(t, addr, token)
	assert.Equal(t, "ERR UnknownAction\n", resp)
}
