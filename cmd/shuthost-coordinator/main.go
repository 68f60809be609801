// Command shuthost-coordinator runs the fleet coordinator: it loads the
// TOML fleet config, tracks leases and liveness, drives the per-host power
// state machines, and serves the M2M API and browser dashboard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/coordinator"
	"github.com/shuthost/shuthost/internal/eventbus"
	"github.com/shuthost/shuthost/internal/fleet"
	"github.com/shuthost/shuthost/internal/liveness"
	"github.com/shuthost/shuthost/internal/power"
	"github.com/shuthost/shuthost/internal/push"
	"github.com/shuthost/shuthost/internal/wol"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "control-service":
		os.Exit(runControlService(os.Args[2:]))
	case "demo-service":
		os.Exit(runDemoService(os.Args[2:]))
	case "install":
		os.Exit(runInstall(os.Args[2:]))
	case "-h", "--help", "help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: shuthost-coordinator <subcommand> [flags]

Subcommands:
  control-service   run the coordinator against a real fleet config
  demo-service      run the coordinator against a synthetic fleet, for demos
  install           install as an OS service (external)`)
}

func runControlService(args []string) int {
	fs := flag.NewFlagSet("control-service", flag.ExitOnError)
	configPath := fs.String("config", "/etc/shuthost/config.toml", "path to the TOML fleet config")
	dbPath := fs.String("db", "/var/lib/shuthost/coordinator.db", "path to the SQLite state database")
	_ = fs.Parse(args)

	log := newLogger()
	return run(log, *configPath, *dbPath, false)
}

func runDemoService(args []string) int {
	fs := flag.NewFlagSet("demo-service", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a TOML fleet config (optional; a synthetic fleet is used otherwise)")
	dbPath := fs.String("db", ":memory:", "path to the SQLite state database")
	_ = fs.Parse(args)

	log := newLogger()
	return run(log, *configPath, *dbPath, true)
}

// runInstall installs the coordinator as a platform service. The installer
// itself is an external collaborator -- this subcommand only reports that.
func runInstall(args []string) int {
	fmt.Fprintln(os.Stderr, "install: OS service installation is provided by an external installer, not this binary")
	return 0
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func run(log zerolog.Logger, configPath, dbPath string, demo bool) int {
	dashCfg, err := coordinator.LoadDashboardConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load dashboard config")
		return 1
	}

	db, err := coordinator.InitDatabase(dbPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open coordinator database")
		return 1
	}
	defer func() { _ = db.Close() }()

	bus := eventbus.New()
	registry := fleet.New(bus)
	sender := wol.NewSender(func(format string, args ...any) { log.Debug().Msgf(format, args...) })
	controller := power.New(registry, sender, log)
	hub := coordinator.NewHub(bus, log)
	monitor := liveness.New(registry, bus, hub, controller, log)

	if demo {
		controller.SetDemo(true)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	onLoad := func(hosts map[string]fleet.Host, clients map[string]fleet.Client) {
		removed, added, affected := registry.ApplyConfig(hosts, clients)
		for _, name := range removed {
			controller.RemoveHost(name)
			monitor.StopHost(name)
		}
		for _, name := range added {
			host, ok := registry.Host(name)
			if !ok {
				continue
			}
			controller.EnsureHost(ctx, host)
			monitor.StartHost(ctx, host)
		}
		for _, name := range affected {
			controller.Evaluate(name, registry.Desired(name), monitor.Online(name))
		}
	}

	var configSupervisor *config.Supervisor
	if demo {
		seedDemoFleet(ctx, registry, monitor, controller, onLoad)
		if configPath != "" {
			configSupervisor = config.NewSupervisor(configPath, onLoad, log)
		}
	} else {
		configSupervisor = config.NewSupervisor(configPath, onLoad, log)
	}

	if configSupervisor != nil {
		go func() {
			if err := configSupervisor.Start(ctx); err != nil {
				log.Error().Err(err).Msg("config supervisor stopped")
			}
		}()
	}

	if !demo {
		monitor.Start(ctx)
	}

	var pushDispatcher *push.Dispatcher
	if dashCfg.HasPush() {
		pushStore := coordinator.NewPushStore(db)
		pushDispatcher = push.New(pushStore, push.VAPIDKeys{
			Public:  dashCfg.VAPIDPublicKey,
			Private: dashCfg.VAPIDPrivateKey,
			Subject: dashCfg.VAPIDSubject,
		}, log)
	}

	srv := coordinator.New(dashCfg, db, coordinator.Deps{
		Registry:         registry,
		Controller:       controller,
		Monitor:          monitor,
		Bus:              bus,
		ConfigSupervisor: configSupervisor,
		PushDispatcher:   pushDispatcher,
		Hub:              hub,
	}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("coordinator server failed")
			return 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		return 1
	}
	return 0
}
