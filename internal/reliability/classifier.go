// Package reliability classifies external-tool failures and computes
// retry backoff. ffmpeg, whisper.cpp and the synthesis worker all fail in
// distinguishable ways; only some of them are worth retrying.
package reliability

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// FailureKind labels a subprocess failure for metrics and retry decisions.
type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureCanceled  FailureKind = "canceled"
	FailureCrash     FailureKind = "crash"
	FailureBadInput  FailureKind = "bad_input"
	FailureTransient FailureKind = "transient"
)

// Classify maps a subprocess error to a failure kind. Unrecognized errors
// are treated as transient so a retry gets a chance.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled):
		return FailureCanceled
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timed out"):
		return FailureTimeout
	case strings.Contains(msg, "no such file"),
		strings.Contains(msg, "invalid data"),
		strings.Contains(msg, "invalid argument"),
		strings.Contains(msg, "does not contain any stream"):
		return FailureBadInput
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if !exitErr.Exited() {
			return FailureCrash
		}
		return FailureTransient
	}
	return FailureTransient
}

// Retryable reports whether a failure of this kind may succeed on retry.
// Timeouts count: a segment that timed out once often fits the budget at a
// different length scale.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTransient, FailureCrash, FailureTimeout:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
