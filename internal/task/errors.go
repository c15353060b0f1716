package task

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies failures for retry and escalation decisions.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindFatal     ErrorKind = "fatal"
	KindEngine    ErrorKind = "engine"
	KindCancelled ErrorKind = "cancelled"
)

// Retryable reports whether another attempt may be made.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// Error carries an explicit classification.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient marks a failure as retryable (timeouts, rate limits, flaky network).
func Transient(reason string, err error) error {
	return &Error{Kind: KindTransient, Reason: reason, Err: err}
}

// Fatal marks a failure as non-retryable (bad input, auth, policy violations).
func Fatal(reason string, err error) error {
	return &Error{Kind: KindFatal, Reason: reason, Err: err}
}

// Engine marks an engine-side failure such as an unreachable manifest store.
func Engine(reason string, err error) error {
	return &Error{Kind: KindEngine, Reason: reason, Err: err}
}

// Cancelled marks work aborted by job cancellation.
func Cancelled(reason string, err error) error {
	return &Error{Kind: KindCancelled, Reason: reason, Err: err}
}

// Classifier maps an error onto a kind.
type Classifier func(error) ErrorKind

// KindOf returns the explicit kind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var typed *Error
	if errors.As(err, &typed) && typed.Kind != "" {
		return typed.Kind, true
	}
	return "", false
}

var transientMarkers = []string{
	"rate limit",
	"429",
	"too many requests",
	"server error",
	"503",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
}

// DefaultClassifier honours explicit *Error kinds, treats deadlines, network
// failures and throttling responses as transient, and everything else as fatal.
func DefaultClassifier(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if kind, ok := KindOf(err); ok {
		return kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return KindTransient
		}
	}
	return KindFatal
}
