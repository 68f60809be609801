// Command shuthost-agent is the per-host daemon: it accepts signed
// shutdown requests from the coordinator and reports liveness.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shuthost/shuthost/internal/hostagent"
	"github.com/shuthost/shuthost/internal/wol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "service":
		os.Exit(runService(os.Args[2:]))
	case "test-wol":
		os.Exit(runTestWol(os.Args[2:]))
	case "install":
		os.Exit(runInstall(os.Args[2:]))
	case "generate-direct-control":
		os.Exit(runGenerateDirectControl(os.Args[2:]))
	case "registration":
		os.Exit(runRegistration(os.Args[2:]))
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
	fmt.Fprintln(os.Stderr, `Usage: shuthost-agent <subcommand> [flags]

Subcommands:
  service                   run the agent daemon
  test-wol                  run the Wake-on-LAN self-test listener
  install                   install as an OS service (external)
  generate-direct-control    print a standalone control script (external)
  registration              print this host's registration snippet for the coordinator config`)
}

func runService(args []string) int {
	fs := flag.NewFlagSet("service", flag.ExitOnError)
	port := fs.Int("port", hostagent.DefaultPort, "TCP port to listen on")
	shutdownCommand := fs.String("shutdown-command", "", "shell command to run on shutdown")
	secretEnv := fs.String("secret-env", "SHUTHOST_SHARED_SECRET", "environment variable holding the shared secret")
	_ = fs.Parse(args)

	secret := os.Getenv(*secretEnv)
	if secret == "" {
		fmt.Fprintf(os.Stderr, "missing shared secret: set %s\n", *secretEnv)
		return 2
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	svc := hostagent.New(hostagent.Config{
		Port:            *port,
		Secret:          []byte(secret),
		ShutdownCommand: *shutdownCommand,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("agent service failed")
		return 1
	}
	return 0
}

func runTestWol(args []string) int {
	fs := flag.NewFlagSet("test-wol", flag.ExitOnError)
	port := fs.Int("port", wol.Port, "UDP port to listen for magic packets on")
	window := fs.Duration("window", 2*time.Second, "self-test observation window")
	_ = fs.Parse(args)

	result, err := wol.RunSelfTest(context.Background(), *port, *window)
	if err != nil {
		fmt.Fprintf(os.Stderr, "self-test failed: %v\n", err)
		return 1
	}

	out, _ := json.Marshal(result)
	fmt.Println(string(out))
	return 0
}

// runInstall installs the agent as a platform service (systemd, openrc,
// launchd, rc.d, or a Windows service). The installer itself is an
// external collaborator -- this subcommand only reports that.
func runInstall(args []string) int {
	fmt.Fprintln(os.Stderr, "install: OS service installation is provided by an external installer, not this binary")
	return 0
}

// runGenerateDirectControl prints a standalone shell script embedding the
// shared secret and agent address, for operators who want to control a
// host without going through the coordinator. External collaborator.
func runGenerateDirectControl(args []string) int {
	fmt.Fprintln(os.Stderr, "generate-direct-control: template generation is provided by an external installer, not this binary")
	return 0
}

// runRegistration prints this host's hostname, useful for copying into
// the coordinator's [hosts.<name>] config section.
func runRegistration(args []string) int {
	fs := flag.NewFlagSet("registration", flag.ExitOnError)
	hostnameOverride := fs.String("hostname", "", "override detected hostname")
	_ = fs.Parse(args)

	hostname := *hostnameOverride
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not detect hostname: %v\n", err)
			return 1
		}
		hostname = h
	}

	fmt.Printf("[hosts.%s]\n", hostname)
	fmt.Println(`mac = "<fill in>"`)
	fmt.Println(`ip = "<fill in>"`)
	fmt.Printf("port = %d\n", hostagent.DefaultPort)
	fmt.Println(`shared_secret = "<fill in>"`)
	return 0
}
