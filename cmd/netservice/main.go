// netservice publishes, resolves and browses DNS-SD services from the
// command line.
//
// Usage:
//
//	netservice publish --name "Go Echo" --type _echo._tcp --listen
//	netservice resolve --name "Go Echo" --type _echo._tcp
//	netservice browse --type _echo._tcp --duration 10s
//
// Global flags:
//
//	--backend    mDNS responder: zeroconf, dnssd or hashicorp (default: zeroconf)
//	--pump       Readiness strategy: notify or poll (default: notify)
//	--log-level  error, warn, info, debug or trace (default: info)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"github.com/backkem/netservice/pkg/netservice"
	"github.com/backkem/netservice/pkg/responder"
	"github.com/backkem/netservice/pkg/runloop"
)

type globalOptions struct {
	backend  string
	pump     string
	logLevel string
}

func main() {
	var opts globalOptions

	root := &cobra.Command{
		Use:           "netservice",
		Short:         "Publish, resolve and browse DNS-SD services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.backend, "backend", responder.BackendZeroconf,
		"mDNS responder ("+strings.Join(responder.Backends, ", ")+")")
	root.PersistentFlags().StringVar(&opts.pump, "pump", "notify", "readiness strategy (notify, poll)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (error, warn, info, debug, trace)")

	root.AddCommand(
		newPublishCommand(&opts),
		newResolveCommand(&opts),
		newBrowseCommand(&opts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// environment is what every subcommand runs on.
type environment struct {
	config netservice.Config
	loop   *runloop.Loop
	log    logging.LeveledLogger
}

func newEnvironment(opts *globalOptions) (*environment, error) {
	level, err := parseLogLevel(opts.logLevel)
	if err != nil {
		return nil, err
	}
	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = level

	var mode netservice.PumpMode
	switch opts.pump {
	case "notify":
		mode = netservice.PumpNotify
	case "poll":
		mode = netservice.PumpPoll
	default:
		return nil, fmt.Errorf("unknown pump %q", opts.pump)
	}

	resp, err := responder.New(opts.backend, responder.Config{LoggerFactory: factory})
	if err != nil {
		return nil, err
	}

	loop := runloop.New(runloop.Config{LoggerFactory: factory})
	if err := loop.Start(); err != nil {
		return nil, err
	}

	return &environment{
		config: netservice.Config{
			Responder:     resp,
			Loop:          loop,
			PumpMode:      mode,
			LoggerFactory: factory,
		},
		loop: loop,
		log:  factory.NewLogger("cli"),
	}, nil
}

func (e *environment) close() {
	_ = e.loop.Stop()
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", s)
	}
}
