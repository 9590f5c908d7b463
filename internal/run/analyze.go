package run

import (
	"fmt"
	"math"

	"github.com/coldlab-data/fountain/internal/config"
	"github.com/coldlab-data/fountain/internal/physics"
)

// minTraceForBaseline is the shortest trace whose tail is trusted as a
// baseline estimate; shorter traces get no offset removal.
const minTraceForBaseline = 300

// Analyzer turns one raw shot into fitted metrics. It holds the per-run
// snapshot of conditioning settings and physics constants, so a config
// change mid-run cannot skew later steps.
type Analyzer struct {
	Constants       physics.Constants
	GainUp          float64
	GainDw          float64
	VoltageLimit    float64
	BaselineSamples int
	WindowUp        config.FitWindow
	WindowDw        config.FitWindow
}

// Condition removes the baseline offset, enforces the amplitude limit and
// normalises by channel gain. The limit check runs on the offset-corrected
// signal before gain, where it is a real voltage. A non-empty reject
// reason means the traces are unusable.
func (a *Analyzer) Condition(up, dw []float64) (cu, cd []float64, rejected string) {
	cu = offsetCorrected(up, a.BaselineSamples)
	cd = offsetCorrected(dw, a.BaselineSamples)

	maxUp := maxAbs(cu)
	maxDw := maxAbs(cd)
	if a.VoltageLimit > 0 && (maxUp > a.VoltageLimit || maxDw > a.VoltageLimit) {
		return nil, nil, fmt.Sprintf("signal amplitude > %.2fV (up=%.2fV, dw=%.2fV)",
			a.VoltageLimit, maxUp, maxDw)
	}

	applyGain(cu, a.GainUp)
	applyGain(cd, a.GainDw)
	return cu, cd, ""
}

func offsetCorrected(v []float64, tail int) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	if tail <= 0 || len(v) <= minTraceForBaseline {
		return out
	}
	if tail > len(v) {
		tail = len(v)
	}
	var sum float64
	for _, s := range v[len(v)-tail:] {
		sum += s
	}
	offset := sum / float64(tail)
	for i := range out {
		out[i] -= offset
	}
	return out
}

func maxAbs(v []float64) float64 {
	var m float64
	for _, s := range v {
		if a := math.Abs(s); a > m {
			m = a
		}
	}
	return m
}

func applyGain(v []float64, gain float64) {
	if gain == 0 {
		gain = 1
	}
	for i := range v {
		v[i] /= gain
	}
}

// StepAnalysis is the outcome of analysing one conditioned shot. The NoFit
// fields carry the optimiser-free estimates, which are filled in even when
// the fitted metrics are withheld.
type StepAnalysis struct {
	FitUp     physics.FitResult
	FitDw     physics.FitResult
	Derived   physics.Derived
	NoFitUp   physics.FitResult
	NoFitDw   physics.FitResult
	DerivedNF physics.Derived
	WindowUp  [2]float64
	WindowDw  [2]float64
	Rejected  string
}

// Analyze fits both channels inside their windows on the time-of-flight
// axis and derives the physics metrics. Saturated or noise-floor signals
// come back flagged with empty metrics.
func (a *Analyzer) Analyze(tof, up, dw []float64) StepAnalysis {
	var out StepAnalysis

	tUp, vUp, winUp := windowed(tof, up, a.WindowUp)
	tDw, vDw, winDw := windowed(tof, dw, a.WindowDw)
	out.WindowUp = winUp
	out.WindowDw = winDw

	out.NoFitUp, out.NoFitDw, out.DerivedNF =
		physics.ComputeDerivedNoFit(tUp, vUp, tDw, vDw, a.Constants)

	fitUp, errUp := physics.FitGaussian(tUp, vUp)
	fitDw, errDw := physics.FitGaussian(tDw, vDw)
	if errUp != nil || errDw != nil {
		out.Rejected = "trace too short to fit"
		return out
	}
	out.FitUp = fitUp
	out.FitDw = fitDw

	if r := a.checkSignals(fitUp, fitDw); r != "" {
		out.Rejected = r
		return out
	}

	out.Derived = physics.ComputeDerived(fitUp, fitDw, fitUp.Center, a.Constants)
	return out
}

// checkSignals gates the derived metrics. A non-converged fit withholds
// them: the recorded parameters are just the optimiser's seed, not a
// measurement. Then the amplitude-band validation: either channel saturated
// rejects the step, both channels under the noise floor rejects it too. One
// quiet channel alone is a legitimate all-atoms-in-one-state measurement.
func (a *Analyzer) checkSignals(up, dw physics.FitResult) string {
	if !up.Converged || !dw.Converged {
		return string(physics.RejectNoFit)
	}
	rUp := physics.CheckSignal(math.Abs(up.Amplitude), a.Constants)
	rDw := physics.CheckSignal(math.Abs(dw.Amplitude), a.Constants)
	if rUp == physics.RejectSaturated || rDw == physics.RejectSaturated {
		return string(physics.RejectSaturated)
	}
	if rUp == physics.RejectNoiseFloor && rDw == physics.RejectNoiseFloor {
		return string(physics.RejectNoiseFloor)
	}
	return ""
}

// windowed masks the trace to the configured window on the TOF axis.
// A zero-width window, or one that misses every sample, yields the whole
// trace.
func windowed(t, v []float64, w config.FitWindow) ([]float64, []float64, [2]float64) {
	if w.WidthMs <= 0 {
		return t, v, [2]float64{}
	}
	center := w.CenterMs * 1e-3
	half := w.WidthMs * 1e-3 / 2
	start, end := center-half, center+half

	var mt, mv []float64
	for i := range t {
		if t[i] >= start && t[i] <= end {
			mt = append(mt, t[i])
			mv = append(mv, v[i])
		}
	}
	if len(mt) == 0 {
		return t, v, [2]float64{}
	}
	return mt, mv, [2]float64{start, end}
}
