// Package daq acquires fluorescence traces from the acquisition board.
// Two backends share one interface: a remote HTTP board and a local spool
// served by a DAQ process on the same machine. Errors are classified as
// transient (worth retrying within the step) or fatal (the step is lost).
package daq

import (
	"context"
	"errors"
	"time"
)

// baseSampleInterval is the board's native sample spacing; the effective
// interval is this times the decimation factor.
const baseSampleInterval = 8 * time.Nanosecond

// ErrDeviceUnreachable reports a hard trigger failure: the board cannot be
// reached at all, so continuing the run would waste every remaining step.
var ErrDeviceUnreachable = errors.New("acquisition device unreachable")

// TransientError marks a failure that a retry within the same step may
// clear: timeouts, connection resets, a spool file not yet written.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot clear; the step is
// recorded as failed and the run moves on.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Handle identifies one armed acquisition; the consumer redeems it with
// Fetch once the sequencer has fired.
type Handle struct {
	Index       int
	TriggeredAt time.Time
}

// RawStep carries the two channel traces for one shot.
type RawStep struct {
	Handle         Handle
	TriggerTime    time.Time
	SampleInterval time.Duration
	Up             []float64 // F=2 detection channel
	Dw             []float64 // F=1 detection channel
}

// Times builds the time axis for a trace of n samples.
func (r RawStep) Times(n int) []float64 {
	ts := make([]float64, n)
	dt := r.SampleInterval.Seconds()
	for i := range ts {
		ts[i] = float64(i) * dt
	}
	return ts
}

// Status reports the board's readiness.
type Status string

const (
	StatusIdle  Status = "idle"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

// Backend is the acquisition driver contract. Trigger arms the board for
// one shot; Fetch blocks until the traces for that shot are readable.
type Backend interface {
	Trigger(ctx context.Context, index int) (Handle, error)
	Fetch(ctx context.Context, h Handle) (RawStep, error)
	Status(ctx context.Context) (Status, error)
}

// SampleInterval converts a decimation factor to the time between samples.
func SampleInterval(decimation int) time.Duration {
	if decimation < 1 {
		decimation = 1
	}
	return time.Duration(decimation) * baseSampleInterval
}
