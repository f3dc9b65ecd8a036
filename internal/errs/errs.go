// Package errs defines the error taxonomy shared by the memory engines and
// the tool layer.
package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Sentinels. Every error produced by the engines wraps exactly one of these.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrTransient    = errors.New("transient failure")
	ErrPartial      = errors.New("partial failure")
	ErrFatal        = errors.New("fatal failure")
)

// Kind is the coarse classification of an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidInput
	KindTransient
	KindPartial
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindTransient:
		return "transient"
	case KindPartial:
		return "partial"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// KindOf classifies err. Unclassified errors that look transient are reported
// as KindTransient; everything else unclassified is KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrPartial):
		return KindPartial
	case errors.Is(err, ErrFatal):
		return KindFatal
	case IsTransient(err):
		return KindTransient
	}
	return KindUnknown
}

// NotFound returns an error wrapping ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Invalid returns an error wrapping ErrInvalidInput.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

// Transient wraps err so that IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Fatal wraps err as a structural failure (store unreachable, schema missing).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

var transientMarkers = []string{
	"resource exhausted",
	"resource_exhausted",
	"too many requests",
	"rate limit",
	"overloaded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"service unavailable",
}

// IsTransient reports whether err is worth retrying: explicit ErrTransient,
// deadline expiry, network timeouts and refused/reset connections.
// Cancellation and invalid input are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// StageError records a failure of one independently-failing enrichment stage.
type StageError struct {
	Stage string `json:"stage"`
	Err   error  `json:"-"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error { return []error{ErrPartial, e.Err} }

func (e *StageError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Stage string `json:"stage"`
		Error string `json:"error"`
	}{e.Stage, msg})
}

// Partial builds a StageError for stage.
func Partial(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}
