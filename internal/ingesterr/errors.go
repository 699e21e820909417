// Package ingesterr classifies errors surfaced by the ingestion pipeline
// into a small closed set of kinds so callers can decide whether to
// retry, skip a unit of work, or abort the process, rather than
// inspecting error strings or a large set of sentinel errors.
package ingesterr

import "fmt"

// Kind categorizes a pipeline error for retry and propagation decisions.
type Kind int

const (
	// Transient covers network errors, 5xx responses, and timeouts. Safe to
	// retry under the caller's backoff policy.
	Transient Kind = iota

	// RateLimited covers 429s and relay-specific throttle responses. Callers
	// back off with respect to the token bucket, not the retry budget.
	RateLimited

	// DataFormat covers payloads that fail to parse. The unit is marked
	// failed and checkpoints are not advanced past it.
	DataFormat

	// ContractViolation covers responses that parse but violate an
	// assumed invariant, e.g. a block header missing after a 200 response.
	ContractViolation

	// NotFound covers a queried resource (block, date partition) that does
	// not exist yet.
	NotFound

	// FatalStartup covers conditions that should stop the process before it
	// does any work: unreachable DB, missing required configuration.
	FatalStartup

	// FatalMidRun covers conditions that should stop the process after
	// flushing in-flight writes: schema mismatch, invariant violation on
	// write.
	FatalMidRun
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case DataFormat:
		return "data_format"
	case ContractViolation:
		return "contract_violation"
	case NotFound:
		return "not_found"
	case FatalStartup:
		return "fatal_startup"
	case FatalMidRun:
		return "fatal_mid_run"
	default:
		return "unknown"
	}
}

// Error wraps a causal error with its Kind and the component that raised it.
type Error struct {
	Kind    Kind
	Stage   string // e.g. "rpc", "relay:ultrasound", "aggregator"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Stage, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Stage, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, stage, message string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Cause: cause}
}

func Transientf(stage, format string, args ...interface{}) *Error {
	return &Error{Kind: Transient, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether an error should be retried under an outbound
// call's retry policy. RateLimited errors are excluded: they are governed
// by the caller's token bucket, not the retry budget.
func Retryable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == Transient
}

// Fatal reports whether an error should stop the process.
func Fatal(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == FatalStartup || e.Kind == FatalMidRun
}

// UnitFailed reports whether an error should mark the current unit of work
// (block, date, slot) as failed without advancing its checkpoint, while the
// stream continues with other units.
func UnitFailed(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return true
	}
	switch e.Kind {
	case DataFormat, ContractViolation, NotFound, Transient:
		return true
	default:
		return false
	}
}
