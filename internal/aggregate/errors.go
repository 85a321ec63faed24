package aggregate

import "errors"

// Error taxonomy (sentinels). Every fallible surface in this module wraps
// one of these with fmt.Errorf("op=...: %w", err) at the call site.
var (
	ErrInvalidEntityID     = errors.New("invalid entity id")
	ErrInvalidKey          = errors.New("invalid key")
	ErrInvalidCommand      = errors.New("invalid command")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidEvent        = errors.New("invalid event")
	ErrApply               = errors.New("apply failed")
	ErrStorage             = errors.New("storage error")
	ErrConnection          = errors.New("connection error")
	ErrConnectionRetrieval = errors.New("connection retrieval error")
	ErrBroker              = errors.New("broker error")
	ErrDecoding            = errors.New("decoding error")
	ErrMailbox             = errors.New("mailbox closed")
)

// Kind classifies an error for the dispatcher's commit decision: Terminal
// errors are safe to commit past (the command was rejected on its merits,
// redelivering it would not help); Retryable errors must leave the
// consumer offset uncommitted so the next poll redelivers the chunk.
type Kind int

const (
	// KindTerminal marks an error that will not be fixed by redelivery.
	KindTerminal Kind = iota
	// KindRetryable marks an error caused by a transient resource failure.
	KindRetryable
)

// Classify reports whether err should block the dispatcher's offset commit.
// Storage, connection, and broker failures are retryable; everything else
// (malformed commands, failed validation, a refused apply) is terminal,
// mirroring the non-retryable/retryable split the worker's retry
// classification draws between domain errors and transport errors.
func Classify(err error) Kind {
	if err == nil {
		return KindTerminal
	}
	switch {
	case errors.Is(err, ErrStorage),
		errors.Is(err, ErrConnection),
		errors.Is(err, ErrConnectionRetrieval),
		errors.Is(err, ErrBroker):
		return KindRetryable
	default:
		return KindTerminal
	}
}
