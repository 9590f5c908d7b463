package physics

// Derived holds the per-step physical quantities computed from a validated
// pair of channel fits plus a calibration snapshot.
type Derived struct {
	AreaUp float64 `json:"area_up"`
	AreaDw float64 `json:"area_dw"`
	NF1    float64 `json:"n_f1"`
	NF2    float64 `json:"n_f2"`
	// PF1/PF2 are percentages; nil when the total atom number is zero.
	PF1 *float64 `json:"p_f1,omitempty"`
	PF2 *float64 `json:"p_f2,omitempty"`
	// TemperatureUK is nil when the flight time is non-positive.
	TemperatureUK *float64 `json:"temperature_uk,omitempty"`
}

// ComputeDerived runs the full analysis chain for one step: Gaussian areas,
// crosstalk decoupling, transition probabilities and TOF temperature.
// tFlight is the per-step flight time in seconds, already corrected by the
// timing calibrator's offset.
func ComputeDerived(up, dw FitResult, tFlight float64, c Constants) Derived {
	return deriveFromAreas(Area(up.Amplitude, up.Sigma), Area(dw.Amplitude, dw.Sigma),
		up.Sigma, tFlight, c)
}

// ComputeDerivedNoFit runs the same chain without the optimiser: peak and
// moment estimates for the parameters, direct trapezoidal integration for
// the areas. Recorded next to the fitted metrics on every step, so a cloud
// the Gaussian model does not describe still yields numbers.
func ComputeDerivedNoFit(tUp, vUp, tDw, vDw []float64, c Constants) (up, dw FitResult, d Derived) {
	up = NoFitEstimate(tUp, vUp)
	dw = NoFitEstimate(tDw, vDw)
	d = deriveFromAreas(TrapezoidArea(tUp, vUp), TrapezoidArea(tDw, vDw),
		up.Sigma, up.Center, c)
	return up, dw, d
}

func deriveFromAreas(areaUp, areaDw, sigmaUp, tFlight float64, c Constants) Derived {
	d := Derived{AreaUp: areaUp, AreaDw: areaDw}
	d.NF2, d.NF1 = AtomNumbers(d.AreaUp, d.AreaDw, c)

	if pF2, pF1, ok := Probabilities(d.NF2, d.NF1); ok {
		d.PF2 = &pF2
		d.PF1 = &pF1
	}
	if uK, ok := Temperature(sigmaUp, tFlight, c.LaunchVelocity); ok {
		d.TemperatureUK = &uK
	}
	return d
}
