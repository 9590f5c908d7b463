package daq

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// MockBackend synthesises plausible fluorescence traces without hardware.
// Each shot yields two Gaussian pulses with a little noise, so the full
// analysis chain runs end to end in development mode.
type MockBackend struct {
	Samples    int     // trace length, defaults to 2048
	Decimation int     // defaults to 64
	Noise      float64 // noise amplitude in volts
	Seed       int64

	mu  sync.Mutex
	rng *rand.Rand
}

func (b *MockBackend) randLocked() *rand.Rand {
	if b.rng == nil {
		seed := b.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		b.rng = rand.New(rand.NewSource(seed))
	}
	return b.rng
}

func (b *MockBackend) Trigger(ctx context.Context, index int) (Handle, error) {
	return Handle{Index: index, TriggeredAt: time.Now()}, nil
}

func (b *MockBackend) Fetch(ctx context.Context, h Handle) (RawStep, error) {
	n := b.Samples
	if n == 0 {
		n = 2048
	}
	dec := b.Decimation
	if dec == 0 {
		dec = 64
	}

	interval := SampleInterval(dec)
	span := float64(n) * interval.Seconds()

	b.mu.Lock()
	rng := b.randLocked()

	// Slight shot-to-shot variation keeps the fitter honest.
	upAmp := 1.2 + 0.1*rng.NormFloat64()
	dwAmp := 0.4 + 0.05*rng.NormFloat64()
	center := span * (0.5 + 0.02*rng.NormFloat64())
	sigma := span * 0.08

	up := make([]float64, n)
	dw := make([]float64, n)
	for i := 0; i < n; i++ {
		t := float64(i) * interval.Seconds()
		d := t - center
		g := math.Exp(-d * d / (2 * sigma * sigma))
		up[i] = upAmp*g + b.Noise*rng.NormFloat64()
		dw[i] = dwAmp*g + b.Noise*rng.NormFloat64()
	}
	b.mu.Unlock()

	return RawStep{
		Handle:         h,
		TriggerTime:    h.TriggeredAt,
		SampleInterval: interval,
		Up:             up,
		Dw:             dw,
	}, nil
}

func (b *MockBackend) Status(ctx context.Context) (Status, error) {
	return StatusIdle, nil
}
