// Package hostagent implements the per-host daemon: a TCP listener that
// accepts one signed request per connection, verifies it against the
// shared secret, and either reports liveness or runs the configured
// shutdown command. It is the agent side of the signed-request protocol
// in internal/signing.
package hostagent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/shuthost/shuthost/internal/signing"
)

// DefaultPort is the TCP port the host-agent listens on unless overridden.
const DefaultPort = 5757

const (
	readTimeout = 5 * time.Second

	actionStatus   = "status"
	actionShutdown = "shutdown"
)

// Config controls a running Service.
type Config struct {
	// Port is the TCP port to listen on.
	Port int
	// Secret is the HMAC key shared with the coordinator.
	Secret []byte
	// Window is the signed-request freshness window.
	Window time.Duration
	// ShutdownCommand is run through "sh -c" when a shutdown action
	// verifies. It is never waited on by the connection handler.
	ShutdownCommand string
	// Runner executes the shutdown command; defaults to execShutdown.
	// Exposed for tests.
	Runner func(ctx context.Context, shutdownCommand string) error
}

// Service is a running host-agent TCP listener.
type Service struct {
	cfg    Config
	cache  *signing.ReplayCache
	log    zerolog.Logger
	runner func(ctx context.Context, shutdownCommand string) error
}

// New creates a Service from cfg. It does not start listening.
func New(cfg Config, log zerolog.Logger) *Service {
	if cfg.Window == 0 {
		cfg.Window = signing.DefaultWindow
	}
	runner := cfg.Runner
	if runner == nil {
		runner = execShutdown
	}
	return &Service{
		cfg:    cfg,
		cache:  signing.NewReplayCache(),
		log:    log.With().Str("component", "hostagent").Logger(),
		runner: runner,
	}
}

// Run listens on cfg.Port until ctx is canceled, handling one request per
// accepted connection. It returns nil when ctx is canceled, or the listen
// error otherwise.
func (s *Service) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("hostagent: listen on port %d: %w", s.cfg.Port, err)
	}
	s.log.Info().Int("port", s.cfg.Port).Msg("host-agent listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Service) handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("read failed")
		return
	}
	token := trimNewline(line)

	action, verr := signing.Verify(s.cfg.Secret, token, time.Now(), s.cfg.Window, s.cache)
	if verr != nil {
		kind, _ := signing.Kind(verr)
		s.log.Warn().Str("remote", conn.RemoteAddr().String()).Str("kind", string(kind)).Msg("rejected request")
		s.reply(conn, fmt.Sprintf("ERR %s\n", kind))
		return
	}

	switch action {
	case actionStatus:
		s.reply(conn, "OK\n")
	case actionShutdown:
		s.reply(conn, "OK\n")
		s.log.Info().Msg("shutdown command triggered")
		go func() {
			runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.runner(runCtx, s.cfg.ShutdownCommand); err != nil {
				s.log.Error().Err(err).Msg("shutdown command failed")
			}
		}()
	default:
		s.reply(conn, "ERR UnknownAction\n")
	}
}

func (s *Service) reply(conn net.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(readTimeout))
	if _, err := conn.Write([]byte(msg)); err != nil {
		s.log.Debug().Err(err).Msg("write reply failed")
	}
}

// execShutdown runs command through the shell, matching the agent's
// exec.CommandContext(ctx, "sh", "-c", command) convention for running
// operator-supplied shell strings.
func execShutdown(ctx context.Context, command string) error {
	if command == "" {
		return fmt.Errorf("hostagent: no shutdown command configured")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	return cmd.Run()
}

func trimNewline(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
