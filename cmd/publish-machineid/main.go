package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/jwise-mfg/proveit-uns-machineid/pkg/machineid"
	"github.com/jwise-mfg/proveit-uns-machineid/pkg/mqttsession"
	"github.com/jwise-mfg/proveit-uns-machineid/pkg/publishconfig"
	"github.com/jwise-mfg/proveit-uns-machineid/pkg/publisher"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2

	pushJobName = "machineid_publisher"
)

// sessionFactory builds the broker session for a run.
type sessionFactory func(cfg publishconfig.BrokerConfig, logger zerolog.Logger) publisher.Session

func newMQTTSession(cfg publishconfig.BrokerConfig, logger zerolog.Logger) publisher.Session {
	return mqttsession.New(cfg, logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, newMQTTSession)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, newSession sessionFactory) int {
	var (
		verbose     bool
		dryRun      bool
		pushgateway string
		help        bool
	)

	flagSet := pflag.NewFlagSet("publish-machineid", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flagSet.BoolVar(&dryRun, "dry-run", false, "generate payloads but do not publish to MQTT")
	flagSet.StringVar(&pushgateway, "pushgateway", "", "push run metrics to this Prometheus Pushgateway URL")
	flagSet.BoolVarP(&help, "help", "h", false, "show help")
	flagSet.Usage = func() { printHelp(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stdout, flagSet)
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printHelp(stderr, flagSet)
		return exitUsage
	}
	if help {
		printHelp(stdout, flagSet)
		return exitOK
	}

	positional := flagSet.Args()
	if len(positional) > 1 {
		fmt.Fprintf(stderr, "Error: unexpected argument: %s\n", positional[1])
		return exitUsage
	}
	configPath := publishconfig.DefaultConfigPath
	if len(positional) == 1 {
		configPath = positional[0]
	}

	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Str("run_id", uuid.NewString()).
		Logger()

	if verbose {
		fmt.Fprintf(stdout, "Loading configuration from: %s\n", configPath)
	}
	cfg, err := publishconfig.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Str("path", configPath).Msg("Failed to load configuration")
		return exitError
	}
	logger.Debug().Str("broker", cfg.Broker.URL()).Int("jobs", len(cfg.Machines)).Msg("Configuration loaded")

	reg := prometheus.NewRegistry()
	orchestrator := publisher.NewOrchestrator(
		cfg,
		machineid.NewRandomGenerator(),
		newSession(cfg.Broker, logger),
		logger,
		publisher.WithDryRun(dryRun),
		publisher.WithVerbose(verbose),
		publisher.WithOutput(stdout),
		publisher.WithMetrics(publisher.NewMetrics(reg)),
	)

	summary, runErr := orchestrator.Run(ctx)

	if pushgateway != "" {
		if err := pushMetrics(pushgateway, reg); err != nil {
			logger.Warn().Err(err).Str("url", pushgateway).Msg("Failed to push metrics")
		} else {
			logger.Debug().Str("url", pushgateway).Msg("Metrics pushed")
		}
	}

	if runErr != nil {
		return exitError
	}
	return summary.ExitCode()
}

func pushMetrics(url string, gatherer prometheus.Gatherer) error {
	if err := push.New(url, pushJobName).Gatherer(gatherer).Push(); err != nil {
		return fmt.Errorf("pushgateway %s: %w", url, err)
	}
	return nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `Generate machine identification payloads and publish them to an MQTT broker.

Usage:
  publish-machineid [flags] [config_file]

The config file defaults to %s. JSON (comments allowed) and YAML
(.yaml, .yml) are accepted.

Examples:
  publish-machineid                      # use the default config file
  publish-machineid my_config.json       # use a custom config file
  publish-machineid -v config.yaml       # verbose output
  publish-machineid --dry-run            # generate without publishing

Flags:
`, publishconfig.DefaultConfigPath)
	fmt.Fprint(w, flagSet.FlagUsages())
	fmt.Fprint(w, "\nExit status is 0 when every payload succeeds and 1 otherwise.\n")
}
