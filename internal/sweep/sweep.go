// Package sweep expands a sweep specification into the ordered list of
// per-step parameter sets that drive one experimental run. Expansion is pure
// and deterministic: the run pipeline, the dry-run preview and the archive
// re-analyzer all call the same Expand and get the same answer.
package sweep

import "fmt"

// Mode selects how multiple value axes combine.
type Mode string

const (
	// ModeCartesian expands independent axes into their full cross product.
	ModeCartesian Mode = "cartesian"
	// ModeZipped pairs axes element-wise; all value axes must have equal length.
	ModeZipped Mode = "zipped"
)

// Axis is one dimension of a sweep. Exactly one of the three forms must be
// set: a half-open range (Start + i*(Stop-Start)/Count for i < Count), an
// explicit value list, or a formula over other axes.
type Axis struct {
	Name string `json:"name"`

	// Range form
	Start *float64 `json:"start,omitempty"`
	Stop  *float64 `json:"stop,omitempty"`
	Count *int     `json:"count,omitempty"`

	// Explicit form
	Values []float64 `json:"values,omitempty"`

	// Formula form: a scalar expression over other parameters and a fixed
	// set of math builtins. DependsOn declares evaluation order.
	Formula   string   `json:"formula,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// IsFormula reports whether the axis is derived from other axes.
func (a Axis) IsFormula() bool { return a.Formula != "" }

// Spec is a full sweep specification as submitted by the caller of a run.
type Spec struct {
	Axes []Axis `json:"axes"`
	Mode Mode   `json:"mode,omitempty"` // defaults to cartesian

	// Averages repeats the whole expanded list N times (N >= 1).
	Averages int `json:"averages,omitempty"`

	// Randomize shuffles the expanded list using Seed, so that slow drifts
	// in the apparatus do not alias onto the swept parameter. The seed is
	// part of the spec to keep expansion reproducible.
	Randomize bool  `json:"randomize,omitempty"`
	Seed      int64 `json:"seed,omitempty"`
}

// StepParams is one resolved point of the sweep. Immutable once produced.
type StepParams struct {
	// Index is the step's position in acquisition order, starting at 0.
	Index int `json:"index"`
	// Values maps axis name to resolved scalar value.
	Values map[string]float64 `json:"values"`
	// Ordered lists the values in spec axis order, for template substitution.
	Ordered []float64 `json:"ordered"`
}

// SpecMismatchError reports a structurally invalid sweep specification:
// zipped axes of unequal length, a dependency cycle, a malformed axis.
// These are configuration errors raised before any hardware access.
type SpecMismatchError struct {
	Reason string
}

func (e *SpecMismatchError) Error() string {
	return fmt.Sprintf("sweep spec mismatch: %s", e.Reason)
}

// UnresolvedReferenceError reports a formula axis that references a variable
// no other axis (and no builtin) provides.
type UnresolvedReferenceError struct {
	Axis string
	Ref  string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("axis %q references unresolved variable %q", e.Axis, e.Ref)
}
