// Package physics converts fitted waveform parameters into atom numbers,
// transition probabilities and time-of-flight temperatures. Every function
// here is pure: no I/O, no shared state. The live pipeline and the archive
// re-analyzer call the same code with different calibration snapshots.
package physics

import "math"

// Physical constants for the Rb-87 fountain.
const (
	massRb87  = 1.443e-25 // kg
	boltzmann = 1.38e-23  // J/K
	gravity   = 9.81      // m/s^2
)

// Constants is a versionable calibration snapshot. A run captures one copy
// at start; re-analysis supplies an alternate copy without mutating the
// run's stored snapshot.
type Constants struct {
	// Alpha corrects the down channel's leakage into the F=2 number;
	// Beta corrects the up channel's leakage into the F=1 number. The two
	// are deliberately independent: the channel pairing is a calibration
	// decision, not a symmetry.
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	// Ratio (R) corrects the relative detection efficiency of the two
	// channels; Coeff (K) scales integrated signal to atom count.
	Ratio float64 `json:"ratio"`
	Coeff float64 `json:"coeff"`
	// LaunchVelocity is the initial upward velocity of the cloud in m/s.
	LaunchVelocity float64 `json:"launch_velocity"`
	// MaxLimit and MinThreshold bound the accepted signal band: above
	// MaxLimit the detector is saturated, below MinThreshold the trace is
	// noise floor. Both are in the fitted-area units.
	MaxLimit     float64 `json:"max_limit"`
	MinThreshold float64 `json:"min_threshold"`
}

// DefaultConstants returns the calibration values the apparatus shipped with.
func DefaultConstants() Constants {
	return Constants{
		Alpha:          0.0151,
		Beta:           0.0188,
		Ratio:          1.1,
		Coeff:          7000.0,
		LaunchVelocity: 4.05,
		MaxLimit:       9.5,
		MinThreshold:   0.0001,
	}
}

// Area returns the integral of a Gaussian with amplitude a and width sigma.
// Negative fitted widths are a sign convention artifact, so the area is
// always non-negative for positive amplitudes.
func Area(a, sigma float64) float64 {
	return a * math.Abs(sigma) * math.Sqrt(2*math.Pi)
}

// RejectReason classifies why the validation filter rejected a step.
type RejectReason string

const (
	RejectNone       RejectReason = ""
	RejectSaturated  RejectReason = "saturated"
	RejectNoiseFloor RejectReason = "noise_floor"
	RejectNoFit      RejectReason = "fit_not_converged"
)

// CheckSignal applies the validation filter to a step's fitted area (or raw
// peak). Rejected steps contribute no derived metrics and are flagged, never
// silently zeroed.
func CheckSignal(v float64, c Constants) RejectReason {
	if v > c.MaxLimit {
		return RejectSaturated
	}
	if v < c.MinThreshold {
		return RejectNoiseFloor
	}
	return RejectNone
}

// AtomNumbers decouples the two detection channels' crosstalk and scales the
// areas to atom counts in the F=2 and F=1 hyperfine states.
func AtomNumbers(areaUp, areaDw float64, c Constants) (nF2, nF1 float64) {
	nF2 = (areaUp - areaDw*c.Alpha) * c.Coeff
	nF1 = (areaDw - areaUp*c.Beta) * c.Ratio * c.Coeff
	return nF2, nF1
}

// Probabilities returns the F=2 and F=1 transition probabilities in percent.
// When the total atom number is zero the probability is undefined and ok is
// false; callers must not substitute zero.
func Probabilities(nF2, nF1 float64) (pF2, pF1 float64, ok bool) {
	total := nF2 + nF1
	if total == 0 {
		return 0, 0, false
	}
	return 100 * nF2 / total, 100 * nF1 / total, true
}

// Temperature returns the cloud temperature in microkelvin from the fitted
// temporal width sigma (seconds), the flight time (seconds) and the launch
// velocity. Undefined (ok false) for non-positive flight times.
func Temperature(sigma, tFlight, vLaunch float64) (uK float64, ok bool) {
	if tFlight <= 1e-6 {
		return 0, false
	}
	expansion := vLaunch/tFlight - gravity
	kelvin := (massRb87 / boltzmann) * expansion * expansion * sigma * sigma
	return kelvin * 1e6, true
}

// ArrivalTime returns the ballistic arrival time at height z for a cloud
// launched upward at vLaunch. directionSign selects the upward (+1) or
// downward (-1) crossing. Undefined when the cloud never reaches z.
func ArrivalTime(vLaunch, z float64, directionSign int) (float64, bool) {
	disc := vLaunch*vLaunch - 2*gravity*z
	if disc < 0 {
		return 0, false
	}
	return (vLaunch + float64(directionSign)*math.Sqrt(disc)) / gravity, true
}
