package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"not found", NotFound("memory %q", "abc"), KindNotFound},
		{"invalid", Invalid("threshold %v out of range", 2.0), KindInvalidInput},
		{"transient", Transient(errors.New("boom")), KindTransient},
		{"fatal", Fatal(errors.New("no such table")), KindFatal},
		{"partial", Partial("associations", errors.New("x")), KindPartial},
		{"deadline", fmt.Errorf("embed: %w", context.DeadlineExceeded), KindTransient},
		{"plain", errors.New("something else"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		Transient(errors.New("x")),
		context.DeadlineExceeded,
		fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
		fmt.Errorf("read: %w", syscall.ECONNRESET),
		errors.New("429 Too Many Requests"),
		errors.New("rpc error: RESOURCE_EXHAUSTED"),
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("IsTransient(%v) = false, want true", err)
		}
	}

	permanent := []error{
		nil,
		context.Canceled,
		Invalid("empty content"),
		errors.New("400 bad request"),
	}
	for _, err := range permanent {
		if IsTransient(err) {
			t.Errorf("IsTransient(%v) = true, want false", err)
		}
	}
}

func TestNotFound_WrapsSentinel(t *testing.T) {
	err := fmt.Errorf("store: get: %w", NotFound("memory %q", "m1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected errors.Is(err, ErrNotFound)")
	}
	if got := err.Error(); got != `store: get: memory "m1": not found` {
		t.Errorf("message = %q", got)
	}
}

func TestStageError(t *testing.T) {
	inner := errors.New("graph down")
	err := error(Partial("associations", inner))
	if !errors.Is(err, ErrPartial) {
		t.Error("stage error should match ErrPartial")
	}
	if !errors.Is(err, inner) {
		t.Error("stage error should unwrap to inner error")
	}

	b, err := json.Marshal(Partial("chains", inner))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := string(b); got != `{"stage":"chains","error":"graph down"}` {
		t.Errorf("json = %s", got)
	}
}
