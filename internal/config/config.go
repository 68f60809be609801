// Package config loads ShutHost's TOML configuration file and supervises
// hot reload, triggered by either a filesystem change (fsnotify) or
// SIGHUP. It is the sole source of truth for host and client identity.
package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/shuthost/shuthost/internal/fleet"
)

// File is the top-level shape of the TOML config file.
type File struct {
	Server  ServerConfig            `toml:"server"`
	Hosts   map[string]HostConfig   `toml:"hosts"`
	Clients map[string]ClientConfig `toml:"clients"`
}

// ServerConfig is the [server] table.
type ServerConfig struct {
	Port int    `toml:"port"`
	Bind string `toml:"bind"`
	TLS  bool   `toml:"tls"`
}

// HostConfig is one [hosts.<name>] table.
type HostConfig struct {
	MAC              string `toml:"mac"`
	IP               string `toml:"ip"`
	Port             int    `toml:"port"`
	SharedSecret     string `toml:"shared_secret"`
	BroadcastAddress string `toml:"broadcast_address"`
	Comment          string `toml:"comment"`
}

// ClientConfig is one [clients.<id>] table.
type ClientConfig struct {
	SharedSecret string `toml:"shared_secret"`
	Comment      string `toml:"comment"`
}

// Load reads and parses the config file at path, validating it into the
// domain types fleet.Registry.ApplyConfig expects. A malformed or
// inconsistent config (duplicate host name across raw/parsed forms,
// unparseable MAC/IP) is a ConfigError -- fatal at startup, rejected
// (with the previous config kept) on reload.
func Load(path string) (*File, map[string]fleet.Host, map[string]fleet.Client, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	hosts, clients, err := Validate(f)
	if err != nil {
		return nil, nil, nil, err
	}
	return &f, hosts, clients, nil
}

// Validate converts and checks a parsed File, returning the domain-ready
// host/client tables or a descriptive error.
func Validate(f File) (map[string]fleet.Host, map[string]fleet.Client, error) {
	hosts := make(map[string]fleet.Host, len(f.Hosts))
	for name, hc := range f.Hosts {
		mac, err := net.ParseMAC(hc.MAC)
		if err != nil {
			return nil, nil, fmt.Errorf("config: host %q: bad mac %q: %w", name, hc.MAC, err)
		}
		ip := net.ParseIP(hc.IP)
		if ip == nil {
			return nil, nil, fmt.Errorf("config: host %q: bad ip %q", name, hc.IP)
		}
		if hc.SharedSecret == "" {
			return nil, nil, fmt.Errorf("config: host %q: missing shared_secret", name)
		}
		port := hc.Port
		if port == 0 {
			port = 5757
		}

		var broadcast net.IP
		if hc.BroadcastAddress != "" {
			broadcast = net.ParseIP(hc.BroadcastAddress)
			if broadcast == nil {
				return nil, nil, fmt.Errorf("config: host %q: bad broadcast_address %q", name, hc.BroadcastAddress)
			}
		}

		hosts[name] = fleet.Host{
			Name:             name,
			MAC:              mac,
			IP:               ip,
			Port:             port,
			Secret:           []byte(hc.SharedSecret),
			BroadcastAddress: broadcast,
			Comment:          hc.Comment,
		}
	}

	clients := make(map[string]fleet.Client, len(f.Clients))
	for id, cc := range f.Clients {
		if cc.SharedSecret == "" {
			return nil, nil, fmt.Errorf("config: client %q: missing shared_secret", id)
		}
		clients[id] = fleet.Client{ID: id, Secret: []byte(cc.SharedSecret), Comment: cc.Comment}
	}

	return hosts, clients, nil
}

// ReloadFunc is invoked with the newly parsed, validated host/client
// tables on each successful reload.
type ReloadFunc func(hosts map[string]fleet.Host, clients map[string]fleet.Client)

// Supervisor watches a config file and drives reloads.
type Supervisor struct {
	path   string
	log    zerolog.Logger
	onLoad ReloadFunc

	mu      sync.Mutex
	current *File
}

// NewSupervisor creates a Supervisor for the config file at path. onLoad
// is called once synchronously from Start (the initial load) and again on
// every subsequent successful reload.
func NewSupervisor(path string, onLoad ReloadFunc, log zerolog.Logger) *Supervisor {
	return &Supervisor{path: path, onLoad: onLoad, log: log.With().Str("component", "config").Logger()}
}

// Start performs the initial load (returning its error, fatal at
// startup), then watches the file and the process's SIGHUP until ctx is
// canceled, reloading on either signal.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.reload(); err != nil {
		return fmt.Errorf("config: initial load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.path); err != nil {
		return fmt.Errorf("config: watch %s: %w", s.path, err)
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sighup:
			s.log.Info().Msg("SIGHUP received, reloading config")
			s.tryReload()
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.log.Info().Str("event", evt.Op.String()).Msg("config file changed, reloading")
				s.tryReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (s *Supervisor) tryReload() {
	if err := s.reload(); err != nil {
		s.log.Error().Err(err).Msg("config reload rejected, keeping previous config")
	}
}

// TriggerReload reloads the config file immediately, returning any
// ConfigError instead of just logging it. Used by the /api/config/reload
// endpoint, an operational convenience for deployments without reliable
// SIGHUP delivery; it calls the exact same path SIGHUP does.
func (s *Supervisor) TriggerReload() error {
	return s.reload()
}

func (s *Supervisor) reload() error {
	f, hosts, clients, err := Load(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.current = f
	s.mu.Unlock()

	if s.onLoad != nil {
		s.onLoad(hosts, clients)
	}
	return nil
}

// Current returns the most recently successfully loaded file.
func (s *Supervisor) Current() *File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
