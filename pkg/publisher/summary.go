package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Result classifies a finished run.
type Result int

const (
	FullSuccess Result = iota
	PartialFailure
	TotalFailure
)

func (r Result) String() string {
	switch r {
	case FullSuccess:
		return "success"
	case PartialFailure:
		return "partial failure"
	case TotalFailure:
		return "total failure"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// PublishOutcome is the result of one job.
type PublishOutcome struct {
	// Index is the 1-based position of the job in the config.
	Index           int
	MachineType     string
	Topic           string
	AssetID         string
	Succeeded       bool
	Attempts        int
	WrapperStripped bool
	// Err is the reason from the last attempt when Succeeded is false.
	Err error
}

// label is the metrics label for the outcome.
func (o PublishOutcome) label(dryRun bool) string {
	switch {
	case o.Succeeded && dryRun:
		return "dry_run"
	case o.Succeeded:
		return "published"
	case errors.Is(o.Err, ErrPayloadGeneration):
		return "generation_failed"
	case errors.Is(o.Err, context.Canceled), errors.Is(o.Err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "publish_failed"
}

// RunSummary aggregates the outcomes of a run.
type RunSummary struct {
	Total     int
	Succeeded int
	Failed    int
	DryRun    bool
	Outcomes  []PublishOutcome
}

func (s *RunSummary) add(o PublishOutcome) {
	s.Outcomes = append(s.Outcomes, o)
	if o.Succeeded {
		s.Succeeded++
	} else {
		s.Failed++
	}
}

// Result reports whether every, some or none of the jobs succeeded.
func (s *RunSummary) Result() Result {
	switch {
	case s.Succeeded == 0:
		return TotalFailure
	case s.Succeeded < s.Total:
		return PartialFailure
	}
	return FullSuccess
}

// ExitCode is 0 for a full success and 1 for any failure, partial or total.
func (s *RunSummary) ExitCode() int {
	if s.Result() == FullSuccess {
		return 0
	}
	return 1
}

// action is the verb used in summary lines.
func (s *RunSummary) action() (noun, verb string) {
	if s.DryRun {
		return "generations", "generated"
	}
	return "publications", "published"
}

// WriteReport prints the human-readable summary block.
func (s *RunSummary) WriteReport(w io.Writer) {
	noun, _ := s.action()
	fmt.Fprintf(w, "\n=== Summary ===\n")
	fmt.Fprintf(w, "Total machines processed: %d\n", s.Total)
	fmt.Fprintf(w, "Successful %s: %d\n", noun, s.Succeeded)
	fmt.Fprintf(w, "Failed %s: %d\n", noun, s.Failed)
}
