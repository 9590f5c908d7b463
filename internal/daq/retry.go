package daq

import (
	"context"
	"fmt"
	"time"

	"github.com/coldlab-data/fountain/internal/timeutil"
)

// RetryPolicy wraps a Backend and retries transient failures with
// exponential backoff. An exhausted budget escalates to a FatalError for
// that step only; fatal errors and ErrDeviceUnreachable pass straight
// through untouched.
type RetryPolicy struct {
	Backend  Backend
	Attempts int            // total tries per call, minimum 1
	Delay    time.Duration  // first backoff
	Backoff  float64        // multiplier, 1.0 means constant
	MaxDelay time.Duration  // backoff ceiling, 0 means uncapped
	Clock    timeutil.Clock // nil means the real clock
}

func (p *RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p *RetryPolicy) clock() timeutil.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return timeutil.RealClock{}
}

func (p *RetryPolicy) Trigger(ctx context.Context, index int) (Handle, error) {
	var h Handle
	err := p.retry(ctx, "trigger", func() error {
		var err error
		h, err = p.Backend.Trigger(ctx, index)
		return err
	})
	return h, err
}

func (p *RetryPolicy) Fetch(ctx context.Context, h Handle) (RawStep, error) {
	var step RawStep
	err := p.retry(ctx, "fetch", func() error {
		var err error
		step, err = p.Backend.Fetch(ctx, h)
		return err
	})
	return step, err
}

func (p *RetryPolicy) Status(ctx context.Context) (Status, error) {
	return p.Backend.Status(ctx)
}

func (p *RetryPolicy) retry(ctx context.Context, op string, fn func() error) error {
	delay := p.Delay
	var lastErr error
	for attempt := 1; attempt <= p.attempts(); attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.attempts() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock().After(delay):
		}
		if p.Backoff > 1 {
			delay = time.Duration(float64(delay) * p.Backoff)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}
	return Fatal(fmt.Errorf("%s: %d attempts exhausted: %w", op, p.attempts(), lastErr))
}
