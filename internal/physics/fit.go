package physics

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/optimize"
)

// ErrShortTrace is returned when a trace has too few samples to fit.
var ErrShortTrace = errors.New("trace too short to fit")

// FitResult holds the fitted Gaussian parameters for one channel's trace.
type FitResult struct {
	Amplitude float64 `json:"amplitude"`
	Center    float64 `json:"center"`
	Sigma     float64 `json:"sigma"`
	Baseline  float64 `json:"baseline"`
	// Converged is false when the optimiser failed; metrics derived from a
	// non-converged fit are withheld, not zeroed.
	Converged bool `json:"converged"`
}

// Gaussian evaluates A*exp(-(x-x0)^2/(2*sigma^2)) + baseline.
func Gaussian(x, amp, center, sigma, baseline float64) float64 {
	d := x - center
	return amp*math.Exp(-d*d/(2*sigma*sigma)) + baseline
}

// FitGaussian fits a Gaussian to the trace (t, v) by least squares using
// Nelder-Mead, seeded from the raw peak and an FWHM width estimate. A failed
// optimisation returns the seed parameters with Converged=false rather than
// an error, so the step is still recorded.
func FitGaussian(t, v []float64) (FitResult, error) {
	if len(t) != len(v) {
		return FitResult{}, errors.New("time and voltage slices differ in length")
	}
	if len(t) < 5 {
		return FitResult{}, ErrShortTrace
	}

	peakIdx := floats.MaxIdx(v)
	seed := FitResult{
		Amplitude: v[peakIdx] - floats.Min(v),
		Center:    t[peakIdx],
		Sigma:     SigmaFWHM(t, v),
		Baseline:  floats.Min(v),
	}
	if seed.Sigma <= 0 {
		seed.Sigma = 1e-4
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			amp, center, sigma, baseline := x[0], x[1], x[2], x[3]
			var sum float64
			for i := range t {
				r := Gaussian(t[i], amp, center, sigma, baseline) - v[i]
				sum += r * r
			}
			return sum
		},
	}

	x0 := []float64{seed.Amplitude, seed.Center, seed.Sigma, seed.Baseline}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil || result == nil {
		seed.Converged = false
		return seed, nil
	}

	return FitResult{
		Amplitude: result.X[0],
		Center:    result.X[1],
		Sigma:     result.X[2],
		Baseline:  result.X[3],
		Converged: true,
	}, nil
}

// SigmaFWHM estimates the Gaussian width from the half-maximum crossing to
// the right of the peak. Cheap and robust enough to seed the optimiser.
func SigmaFWHM(t, v []float64) float64 {
	if len(v) < 3 {
		return 0
	}
	min := floats.Min(v)
	peakIdx := floats.MaxIdx(v)
	peak := v[peakIdx] - min
	if peak <= 0 {
		return 0
	}

	target := peak / 2
	idx := peakIdx
	for idx < len(v)-2 && v[idx]-min > target {
		idx++
	}
	hwhm := t[idx] - t[peakIdx]
	sigma := hwhm / math.Sqrt(2*math.Log(2))
	if sigma <= 0 {
		return 1e-4
	}
	return sigma
}

// SigmaMoment estimates the width from the first and second statistical
// moments of the baseline-subtracted trace. Used for the no-fit metrics.
func SigmaMoment(t, v []float64) float64 {
	if len(t) != len(v) || len(t) < 2 {
		return 0
	}
	shifted := make([]float64, len(v))
	min := floats.Min(v)
	for i, y := range v {
		shifted[i] = y - min
	}
	norm := integrate.Trapezoidal(t, shifted)
	if norm == 0 {
		return 0
	}

	weighted := make([]float64, len(t))
	for i := range t {
		weighted[i] = t[i] * shifted[i] / norm
	}
	ex := integrate.Trapezoidal(t, weighted)
	for i := range t {
		weighted[i] = t[i] * t[i] * shifted[i] / norm
	}
	ex2 := integrate.Trapezoidal(t, weighted)

	variance := ex2 - ex*ex
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// NoFitEstimate derives peak-based parameters without an optimiser: raw
// maximum, its position, and moment width. Recorded alongside the fitted
// metrics so saturated or odd-shaped clouds still yield usable numbers.
func NoFitEstimate(t, v []float64) FitResult {
	if len(t) == 0 || len(t) != len(v) {
		return FitResult{}
	}
	peakIdx := floats.MaxIdx(v)
	return FitResult{
		Amplitude: v[peakIdx],
		Center:    t[peakIdx],
		Sigma:     SigmaMoment(t, v),
		Baseline:  floats.Min(v),
		Converged: false,
	}
}

// TrapezoidArea integrates the trace directly; the no-fit counterpart of
// Area for the crosstalk decoupling.
func TrapezoidArea(t, v []float64) float64 {
	if len(t) != len(v) || len(t) < 2 {
		return 0
	}
	return math.Abs(integrate.Trapezoidal(t, v))
}
