package video

import (
	"errors"
	"fmt"
)

// ErrorKind classifies stage failures independently of their source. The
// retry policy engine decides on kinds, never on message text.
type ErrorKind string

const (
	// KindInputInvalid rejects a submission synchronously; no job is created.
	KindInputInvalid ErrorKind = "input_invalid"
	// KindTransient marks failures the worker declared retryable.
	KindTransient ErrorKind = "transient"
	// KindTimeout is synthesized by the executor when a stage outlives its deadline.
	KindTimeout ErrorKind = "timeout"
	// KindContractViolation marks missing or unexpected artifact keys.
	KindContractViolation ErrorKind = "contract_violation"
	// KindResourceExhausted marks quota/memory/disk failures; retried with a longer ceiling.
	KindResourceExhausted ErrorKind = "resource_exhausted"
	// KindNonRetryable marks failures the worker declared unrecoverable.
	KindNonRetryable ErrorKind = "non_retryable"
	// KindCancelled marks an externally cancelled stage.
	KindCancelled ErrorKind = "cancelled"
	// KindLeaseLost marks a claim whose lease expired mid-run; requeued
	// without consuming attempts.
	KindLeaseLost ErrorKind = "lease_lost"
	// KindInternal marks a core invariant violation (unknown stage id and the like).
	KindInternal ErrorKind = "internal"
)

// Valid reports whether k is one of the declared kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindInputInvalid, KindTransient, KindTimeout, KindContractViolation,
		KindResourceExhausted, KindNonRetryable, KindCancelled, KindLeaseLost, KindInternal:
		return true
	}
	return false
}

// StageError is the structured failure a stage worker reports (or the
// executor synthesizes). It travels with the stage state and the event
// ledger; nothing downstream ever re-parses message text.
type StageError struct {
	Kind            ErrorKind `json:"kind"`
	Message         string    `json:"message,omitempty"`
	Retryable       bool      `json:"retryable,omitempty"`
	SuggestFallback bool      `json:"suggest_fallback,omitempty"`
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewStageError(kind ErrorKind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsStageError unwraps err to a *StageError if one is in the chain.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) && se != nil {
		return se, true
	}
	return nil, false
}

func (e *StageError) clone() *StageError {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}
