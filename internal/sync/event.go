package sync

import (
	"fmt"
	"strings"
)

// Outcome classifies events and run results
type Outcome int

const (
	// OutcomeProgress marks an intermediate checkpoint
	OutcomeProgress Outcome = iota
	// OutcomeSuccess marks a run that completed without warnings
	OutcomeSuccess
	// OutcomeWarning marks a non-fatal condition, or a run that completed with one
	OutcomeWarning
	// OutcomeError marks the terminal failure of a run
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProgress:
		return "progress"
	case OutcomeSuccess:
		return "success"
	case OutcomeWarning:
		return "warning"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Kind identifies the failure category of an error outcome
type Kind string

const (
	KindNone                 Kind = ""
	KindInvalidURL           Kind = "invalid_url"
	KindMetadataUnavailable  Kind = "metadata_unavailable"
	KindCloneFailure         Kind = "clone_failure"
	KindResetFailure         Kind = "reset_failure"
	KindReleaseLookupFailure Kind = "release_lookup_failure"
	KindDownloadFailure      Kind = "download_failure"
	KindCanceled             Kind = "canceled"
	KindGeneric              Kind = "generic_failure"
)

// errorPrefix marks the display string of a terminal error event
const errorPrefix = "ERROR: "

// Event is one progress checkpoint of a run. Percent is a fixed milestone per
// phase, not a byte count.
type Event struct {
	Percent int
	Message string
	Outcome Outcome
	Kind    Kind
}

// Terminal reports whether the event ends the run
func (e Event) Terminal() bool {
	return e.Outcome == OutcomeError
}

func (e Event) String() string {
	return fmt.Sprintf("%3d%% %s", e.Percent, e.Message)
}

// Failure is the structured error a run fails with
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// Result summarizes a finished run of one target
type Result struct {
	Target   string
	Outcome  Outcome
	Kind     Kind
	Err      error
	Last     Event
	Warnings []string
}

// String renders the result for display
func (r Result) String() string {
	switch r.Outcome {
	case OutcomeError:
		return strings.TrimPrefix(r.Last.Message, errorPrefix)
	case OutcomeWarning:
		return strings.Join(r.Warnings, "; ")
	default:
		if r.Last.Message == "" {
			return "ok"
		}
		return r.Last.Message
	}
}
