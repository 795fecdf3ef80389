package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/jwise-mfg/proveit-uns-machineid/pkg/machineid"
	"github.com/jwise-mfg/proveit-uns-machineid/pkg/publishconfig"
)

// ErrPayloadGeneration marks a job whose payload could not be fabricated.
var ErrPayloadGeneration = errors.New("failed to generate payload")

// Session defines the broker connection the orchestrator publishes through.
// mqttsession.Session is the production implementation.
type Session interface {
	Connect() error
	// Publish returns nil only once the broker has acknowledged the message.
	Publish(topic string, payload any, timeout time.Duration) error
	// Disconnect must be safe to call even if Connect never succeeded.
	Disconnect()
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDryRun skips the broker entirely and only reports what would be sent.
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) { o.dryRun = dryRun }
}

// WithVerbose prints per-attempt detail and the summary block.
func WithVerbose(verbose bool) Option {
	return func(o *Orchestrator) { o.verbose = verbose }
}

// WithOutput sets where progress lines are written. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// WithMetrics records job and attempt metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRetryTimer replaces the timer that waits out the delay between retry attempts.
func WithRetryTimer(t backoff.Timer) Option {
	return func(o *Orchestrator) { o.retryTimer = t }
}

// Orchestrator publishes one payload per configured job, in order, through a
// single broker session.
type Orchestrator struct {
	cfg       *publishconfig.RunConfig
	generator machineid.PayloadGenerator
	session   Session
	logger    zerolog.Logger

	out     io.Writer
	dryRun  bool
	verbose bool
	metrics *Metrics
	// nil uses the backoff package's real timer
	retryTimer backoff.Timer
}

// NewOrchestrator creates an Orchestrator for a validated config.
func NewOrchestrator(
	cfg *publishconfig.RunConfig,
	generator machineid.PayloadGenerator,
	session Session,
	logger zerolog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		generator: generator,
		session:   session,
		logger:    logger.With().Str("component", "PublishOrchestrator").Logger(),
		out:       os.Stdout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run connects (unless in dry-run mode), processes every job and always
// disconnects before returning. A connect failure is returned as an error;
// job failures are not, they are recorded in the summary instead.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	defer o.session.Disconnect()

	if !o.dryRun {
		o.logger.Debug().Msg("Connecting to MQTT broker...")
		if err := o.session.Connect(); err != nil {
			o.logger.Error().Err(err).Msg("Failed to connect to MQTT broker")
			return nil, err
		}
	}

	total := len(o.cfg.Machines)
	summary := &RunSummary{Total: total, DryRun: o.dryRun}
	o.logger.Info().Int("jobs", total).Bool("dry_run", o.dryRun).Msg("Starting publish run")

	for i, job := range o.cfg.Machines {
		var outcome PublishOutcome
		if err := ctx.Err(); err != nil {
			outcome = PublishOutcome{Index: i + 1, MachineType: job.Type, Topic: job.Topic, Err: err}
		} else {
			if o.verbose {
				fmt.Fprintf(o.out, "\n[%d/%d] Processing %s...\n", i+1, total, job.Type)
			}
			outcome = o.runJob(ctx, i, job)
		}
		summary.add(outcome)
		o.metrics.observeJob(outcome.label(o.dryRun))
	}

	o.report(summary)
	return summary, nil
}

func (o *Orchestrator) runJob(ctx context.Context, i int, job publishconfig.MachineJob) PublishOutcome {
	outcome := PublishOutcome{Index: i + 1, MachineType: job.Type, Topic: job.Topic}
	jobLogger := o.logger.With().Int("job", i+1).Str("type", job.Type).Str("topic", job.Topic).Logger()

	payload, err := o.generator.Generate(job.Type)
	if err != nil {
		outcome.Err = fmt.Errorf("%w for %s: %w", ErrPayloadGeneration, job.Type, err)
		jobLogger.Error().Err(err).Msgf("Failed to generate payload for %s", job.Type)
		return outcome
	}
	outcome.AssetID = payload.AssetID()

	body, stripped := Shape(job.Topic, payload)
	outcome.WrapperStripped = stripped
	note := ""
	if stripped {
		note = " (outer wrapper removed)"
	}

	if o.dryRun {
		fmt.Fprintf(o.out, "Would publish %s payload (Asset ID: %s) to topic: %s%s\n", job.Type, outcome.AssetID, job.Topic, note)
		outcome.Succeeded = true
		return outcome
	}

	settings := o.cfg.SettingsFor(job)
	attempts := max(settings.RetryAttempts, 1)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(settings.RetryDelay), uint64(attempts-1)),
		ctx,
	)

	var lastErr error
	publish := func() error {
		outcome.Attempts++
		if o.verbose && outcome.Attempts > 1 {
			fmt.Fprintf(o.out, "  Retry attempt %d/%d\n", outcome.Attempts, attempts)
		}

		start := time.Now()
		err := o.session.Publish(job.Topic, body, settings.PublishTimeout)
		o.metrics.observeAttempt(err, time.Since(start))
		if err != nil {
			lastErr = err
			jobLogger.Warn().Err(err).Int("attempt", outcome.Attempts).Int("max_attempts", attempts).Msg("Publish attempt failed")
		}
		return err
	}
	notify := func(_ error, delay time.Duration) {
		jobLogger.Debug().Dur("delay", delay).Msg("Waiting before next publish attempt")
	}

	err = backoff.RetryNotifyWithTimer(publish, policy, notify, o.retryTimer)
	if err == nil {
		outcome.Succeeded = true
		if o.verbose {
			fmt.Fprintf(o.out, "  Published %s payload (Asset ID: %s) to topic: %s%s\n", job.Type, outcome.AssetID, job.Topic, note)
		} else {
			fmt.Fprintf(o.out, "Published %s to %s\n", job.Type, job.Topic)
		}
		return outcome
	}

	// A cancelled context ends the retries; keep the publish error alongside it.
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		err = fmt.Errorf("%w (last attempt: %w)", cerr, err)
	} else if lastErr != nil && !errors.Is(err, lastErr) {
		err = fmt.Errorf("%w (last attempt: %w)", err, lastErr)
	}
	outcome.Err = err
	jobLogger.Error().Err(outcome.Err).Int("attempts", outcome.Attempts).
		Msgf("Failed to publish %s after %d attempts", job.Type, outcome.Attempts)
	return outcome
}

func (o *Orchestrator) report(s *RunSummary) {
	if o.verbose {
		s.WriteReport(o.out)
	}

	_, verb := s.action()
	switch s.Result() {
	case TotalFailure:
		o.logger.Error().Int("total", s.Total).Msgf("No machine payloads were %s successfully", verb)
	case PartialFailure:
		o.logger.Warn().Int("succeeded", s.Succeeded).Int("total", s.Total).
			Msgf("Only %d/%d payloads %s successfully", s.Succeeded, s.Total, verb)
	default:
		if o.verbose {
			fmt.Fprintf(o.out, "All machine payloads %s successfully!\n", verb)
		}
	}
}
