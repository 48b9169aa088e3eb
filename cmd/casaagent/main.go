// Casa Agent - a simulated device that keeps one session with a Casa relay.
//
// The agent registers a device, heartbeats its status, executes relayed
// commands against a simulated garage door and reconnects with exponential
// backoff when the relay goes away.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/casa-relay/internal/agent"
	"github.com/nerrad567/casa-relay/internal/backoff"
	"github.com/nerrad567/casa-relay/internal/infrastructure/config"
	"github.com/nerrad567/casa-relay/internal/infrastructure/logging"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	url         string
	deviceID    string
	heartbeat   time.Duration
	healthCheck time.Duration
	maxAttempts int
	logLevel    string
	logFormat   string
}

func parseFlags(args []string) (options, error) {
	var o options

	flagSet := pflag.NewFlagSet("casaagent", pflag.ContinueOnError)
	flagSet.StringVar(&o.url, "url", "ws://localhost:8080/ws", "relay WebSocket URL")
	flagSet.StringVar(&o.deviceID, "device-id", "", "device identifier to register (required)")
	flagSet.DurationVar(&o.heartbeat, "heartbeat", agent.DefaultHeartbeatInterval, "interval between status heartbeats")
	flagSet.DurationVar(&o.healthCheck, "health-check", agent.DefaultHealthCheckInterval, "interval between registration health checks")
	flagSet.IntVar(&o.maxAttempts, "max-attempts", backoff.DefaultPolicy.MaxAttempts, "reconnect attempts before giving up (0 retries forever)")
	flagSet.StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.StringVar(&o.logFormat, "log-format", "text", "log format (text, json)")

	if err := flagSet.Parse(args); err != nil {
		return o, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return o, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if o.deviceID == "" {
		return o, fmt.Errorf("--device-id is required")
	}
	if _, ok := logging.ParseLevel(o.logLevel); !ok {
		return o, fmt.Errorf("unknown --log-level %q", o.logLevel)
	}
	return o, nil
}

// run is separated from main for testability.
func run(ctx context.Context, args []string) error {
	o, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	log := logging.NewWithOptions(config.LoggingConfig{
		Level:  o.logLevel,
		Format: o.logFormat,
		Output: "stderr",
	}, logging.Options{Service: "casaagent", Version: version})

	policy := backoff.DefaultPolicy
	policy.MaxAttempts = o.maxAttempts

	door := newGarageDoor()
	a, err := agent.New(agent.Config{
		URL:                 o.url,
		DeviceID:            o.deviceID,
		HeartbeatInterval:   o.heartbeat,
		HealthCheckInterval: o.healthCheck,
		Backoff:             policy,
	}, door, door.Status)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	a.SetLogger(log)

	log.Info("starting Casa agent", "version", version, "url", o.url)

	err = a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("Casa agent stopped")
		return nil
	}
	return err
}
