package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/jwise-mfg/proveit-uns-machineid/pkg/mqttsession"
	"github.com/jwise-mfg/proveit-uns-machineid/pkg/publishconfig"
)

// samplerFactory builds the sampler for a run.
type samplerFactory func(cfg publishconfig.BrokerConfig, topics []string, limit int, logger zerolog.Logger) messageSampler

type messageSampler interface {
	Run(ctx context.Context) error
	Messages() []mqttsession.CapturedMessage
}

func newMQTTSampler(cfg publishconfig.BrokerConfig, topics []string, limit int, logger zerolog.Logger) messageSampler {
	return mqttsession.NewSampler(cfg, topics, limit, logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, newMQTTSampler)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, newSampler samplerFactory) int {
	var (
		count      int
		outputFile string
		timeout    time.Duration
		verbose    bool
		help       bool
	)

	flagSet := pflag.NewFlagSet("sample-machineid", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.IntVarP(&count, "count", "n", 0, "number of messages to capture (default: one per configured machine)")
	flagSet.StringVarP(&outputFile, "output", "o", "machineid_samples.json", "file to save the captured messages to")
	flagSet.DurationVar(&timeout, "timeout", time.Minute, "stop sampling after this long")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flagSet.BoolVarP(&help, "help", "h", false, "show help")
	flagSet.Usage = func() { printHelp(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stdout, flagSet)
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printHelp(stderr, flagSet)
		return 2
	}
	if help {
		printHelp(stdout, flagSet)
		return 0
	}
	positional := flagSet.Args()
	if len(positional) > 1 {
		fmt.Fprintf(stderr, "Error: unexpected argument: %s\n", positional[1])
		return 2
	}
	configPath := publishconfig.DefaultConfigPath
	if len(positional) == 1 {
		configPath = positional[0]
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).Level(level).With().Timestamp().Logger()

	cfg, err := publishconfig.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Str("path", configPath).Msg("Failed to load configuration")
		return 1
	}
	topics := jobTopics(cfg.Machines)
	if count == 0 {
		count = len(cfg.Machines)
	}
	logger.Info().Str("broker", cfg.Broker.URL()).Strs("topics", topics).Str("output", outputFile).
		Int("sampling", count).
		Msg("Configuration loaded")

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sampler := newSampler(cfg.Broker, topics, count, logger)
	if err := sampler.Run(runCtx); err != nil {
		logger.Error().Err(err).Msg("Sampler execution failed")
		return 1
	}

	messages := sampler.Messages()
	if len(messages) == 0 {
		logger.Warn().Msg("No messages were captured. The output file will not be created.")
		return 1
	}
	for _, msg := range messages {
		shape := "record"
		if msg.Wrapped {
			shape = "wrapped"
		}
		fmt.Fprintf(stdout, "%s  %-10s %s\n", msg.AssetID, shape, msg.Topic)
	}

	if err := writeMessagesToFile(outputFile, messages); err != nil {
		logger.Error().Err(err).Str("file", outputFile).Msg("Failed to write messages to file")
		return 1
	}
	logger.Info().Str("file", outputFile).Int("message_count", len(messages)).Msg("Successfully saved captured messages.")
	return 0
}

// jobTopics returns the distinct topics of jobs in config order.
func jobTopics(jobs []publishconfig.MachineJob) []string {
	seen := make(map[string]bool, len(jobs))
	topics := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if seen[job.Topic] {
			continue
		}
		seen[job.Topic] = true
		topics = append(topics, job.Topic)
	}
	return topics
}

// writeMessagesToFile saves the captured messages to a file as a JSON array.
func writeMessagesToFile(filename string, messages []mqttsession.CapturedMessage) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(messages); err != nil {
		return fmt.Errorf("could not encode messages to JSON: %w", err)
	}
	return nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `Capture machine identification messages from the topics of a publish config.

Usage:
  sample-machineid [flags] [config_file]

The broker and topics are read from the same config file the publisher
uses (default %s).

Flags:
`, publishconfig.DefaultConfigPath)
	fmt.Fprint(w, flagSet.FlagUsages())
}
