package netservice

import (
	"net"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/netservice/pkg/responder"
	"github.com/backkem/netservice/pkg/runloop"
)

// Defaults for Config.
const (
	DefaultPollInterval   = 250 * time.Millisecond
	DefaultResolveTimeout = 5 * time.Second
)

// Config holds the collaborators and tuning shared by services and browsers.
type Config struct {
	// Collaborators - Optional
	Responder responder.Responder // Discovery daemon (default: zeroconf backend)
	Loop      *runloop.Loop       // Run loop for callbacks (default: a private, started loop)

	// Event pump
	PumpMode     PumpMode      // Readiness strategy (default: PumpNotify)
	PollInterval time.Duration // PumpPoll interval (default: 250ms)

	// Timing
	ResolveTimeout  time.Duration // Used when Resolve is passed a non-positive timeout (default: 5s)
	MonitorInterval time.Duration // Re-query interval of the default responder (default: 2s)

	// Network
	Interfaces []net.Interface // Interfaces of the default responder (default: all)

	// LoggerFactory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}

	if c.Responder == nil {
		c.Responder = responder.NewZeroconf(responder.Config{
			Interfaces:      c.Interfaces,
			MonitorInterval: c.MonitorInterval,
			LoggerFactory:   c.LoggerFactory,
		})
	}
}

// environment is the resolved Config a service or browser runs in.
type environment struct {
	config   Config
	loop     *runloop.Loop
	ownsLoop bool
}

func newEnvironment(config Config) environment {
	config.applyDefaults()

	env := environment{config: config, loop: config.Loop}
	if env.loop == nil {
		env.loop = runloop.New(runloop.Config{LoggerFactory: config.LoggerFactory})
		// A fresh loop cannot already be running.
		_ = env.loop.Start()
		env.ownsLoop = true
	}
	return env
}

// shared returns the Config for services created inside this environment.
func (e environment) shared() Config {
	c := e.config
	c.Loop = e.loop
	return c
}

func (e environment) logger(scope string) logging.LeveledLogger {
	if e.config.LoggerFactory == nil {
		return nil
	}
	return e.config.LoggerFactory.NewLogger(scope)
}

// release shuts down the loop if the environment created it. Tasks already
// queued, such as pending notifications, still run.
func (e environment) release() {
	if e.ownsLoop {
		e.loop.Shutdown()
	}
}
