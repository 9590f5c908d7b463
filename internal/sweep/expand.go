package sweep

import (
	"fmt"
	"math"
	"math/rand"
)

// maxSteps bounds the expanded list to prevent a malformed spec from
// allocating an unbounded amount of memory before the run even starts.
const maxSteps = 100000

// Expand resolves a Spec into its ordered list of StepParams.
//
// templateVars, when non-nil, is the set of variable names the sequence
// template declares; every axis must map to a declared variable. Pass nil to
// skip the check (dry-run previews without a template).
//
// Expand is deterministic: calling it twice on identical input, including the
// shuffle seed, yields identical output.
func Expand(spec Spec, templateVars []string) ([]StepParams, error) {
	if len(spec.Axes) == 0 {
		return nil, &SpecMismatchError{Reason: "spec has no axes"}
	}

	declared := map[string]bool{}
	for _, v := range templateVars {
		declared[v] = true
	}

	var valueAxes []Axis
	var formulaAxes []Axis
	seen := map[string]bool{}
	for _, a := range spec.Axes {
		if a.Name == "" {
			return nil, &SpecMismatchError{Reason: "axis with empty name"}
		}
		if seen[a.Name] {
			return nil, &SpecMismatchError{Reason: fmt.Sprintf("duplicate axis %q", a.Name)}
		}
		seen[a.Name] = true
		if templateVars != nil && !declared[a.Name] {
			return nil, &SpecMismatchError{Reason: fmt.Sprintf("axis %q is not a template variable", a.Name)}
		}
		if err := checkAxisForm(a); err != nil {
			return nil, err
		}
		if a.IsFormula() {
			formulaAxes = append(formulaAxes, a)
		} else {
			valueAxes = append(valueAxes, a)
		}
	}
	if len(valueAxes) == 0 {
		return nil, &SpecMismatchError{Reason: "spec has no value axes"}
	}

	orderedFormulas, err := sortFormulaAxes(formulaAxes, seen)
	if err != nil {
		return nil, err
	}
	compiled := make([]*compiledFormula, len(orderedFormulas))
	for i, a := range orderedFormulas {
		if compiled[i], err = compileFormula(a); err != nil {
			return nil, err
		}
	}

	combos, err := expandValues(spec, valueAxes)
	if err != nil {
		return nil, err
	}

	averages := spec.Averages
	if averages < 1 {
		averages = 1
	}
	if len(combos)*averages > maxSteps {
		return nil, &SpecMismatchError{Reason: fmt.Sprintf("expansion would exceed %d steps", maxSteps)}
	}

	steps := make([]StepParams, 0, len(combos)*averages)
	for rep := 0; rep < averages; rep++ {
		for _, combo := range combos {
			values := make(map[string]float64, len(spec.Axes))
			for i, a := range valueAxes {
				values[a.Name] = combo[i]
			}
			for i, cf := range compiled {
				v, err := cf.eval(values)
				if err != nil {
					return nil, err
				}
				values[orderedFormulas[i].Name] = round6(v)
			}
			ordered := make([]float64, len(spec.Axes))
			for i, a := range spec.Axes {
				ordered[i] = values[a.Name]
			}
			steps = append(steps, StepParams{Values: values, Ordered: ordered})
		}
	}

	if spec.Randomize {
		rng := rand.New(rand.NewSource(spec.Seed))
		rng.Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })
	}
	for i := range steps {
		steps[i].Index = i
	}
	return steps, nil
}

// checkAxisForm verifies the axis declares exactly one of its three forms.
func checkAxisForm(a Axis) error {
	forms := 0
	if a.Start != nil || a.Stop != nil || a.Count != nil {
		if a.Start == nil || a.Stop == nil || a.Count == nil {
			return &SpecMismatchError{Reason: fmt.Sprintf("axis %q: range needs start, stop and count", a.Name)}
		}
		if *a.Count < 1 {
			return &SpecMismatchError{Reason: fmt.Sprintf("axis %q: count must be >= 1, got %d", a.Name, *a.Count)}
		}
		forms++
	}
	if len(a.Values) > 0 {
		forms++
	}
	if a.Formula != "" {
		forms++
	}
	if forms != 1 {
		return &SpecMismatchError{Reason: fmt.Sprintf("axis %q must declare exactly one of range, values or formula", a.Name)}
	}
	return nil
}

// axisValues materialises a value axis.
func axisValues(a Axis) []float64 {
	if len(a.Values) > 0 {
		out := make([]float64, len(a.Values))
		for i, v := range a.Values {
			out[i] = round6(v)
		}
		return out
	}
	n := *a.Count
	step := (*a.Stop - *a.Start) / float64(n)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = round6(*a.Start + float64(i)*step)
	}
	return out
}

// expandValues combines the value axes into per-step combinations, either as
// a cartesian product or zipped element-wise.
func expandValues(spec Spec, valueAxes []Axis) ([][]float64, error) {
	values := make([][]float64, len(valueAxes))
	total := 1
	for i, a := range valueAxes {
		values[i] = axisValues(a)
		total *= len(values[i])
		if total > maxSteps {
			return nil, &SpecMismatchError{Reason: fmt.Sprintf("cartesian expansion would exceed %d steps", maxSteps)}
		}
	}

	if spec.Mode == ModeZipped {
		n := len(values[0])
		for i, v := range values {
			if len(v) != n {
				return nil, &SpecMismatchError{Reason: fmt.Sprintf(
					"zipped axes must have equal length: axis %q has %d values, axis %q has %d",
					valueAxes[0].Name, n, valueAxes[i].Name, len(v))}
			}
		}
		combos := make([][]float64, n)
		for i := 0; i < n; i++ {
			row := make([]float64, len(values))
			for dim := range values {
				row[dim] = values[dim][i]
			}
			combos[i] = row
		}
		return combos, nil
	}

	// Cartesian product: rightmost axis cycles fastest.
	combos := make([][]float64, total)
	for i := range combos {
		combos[i] = make([]float64, len(valueAxes))
	}
	repeat := 1
	for dim := len(valueAxes) - 1; dim >= 0; dim-- {
		dimValues := values[dim]
		cycle := len(dimValues)
		for i := 0; i < total; i++ {
			combos[i][dim] = dimValues[(i/repeat)%cycle]
		}
		repeat *= cycle
	}
	return combos, nil
}

// sortFormulaAxes orders formula axes so every axis is evaluated after the
// axes it declares in DependsOn. A dependency on an unknown axis is an
// unresolved reference; a dependency cycle is a spec mismatch. Both are
// detected here, before any step runs.
func sortFormulaAxes(formulaAxes []Axis, axisNames map[string]bool) ([]Axis, error) {
	byName := make(map[string]Axis, len(formulaAxes))
	for _, a := range formulaAxes {
		byName[a.Name] = a
	}

	indegree := make(map[string]int, len(formulaAxes))
	dependents := make(map[string][]string)
	for _, a := range formulaAxes {
		indegree[a.Name] = 0
	}
	for _, a := range formulaAxes {
		for _, dep := range a.DependsOn {
			if !axisNames[dep] {
				return nil, &UnresolvedReferenceError{Axis: a.Name, Ref: dep}
			}
			if _, isFormula := byName[dep]; isFormula {
				indegree[a.Name]++
				dependents[dep] = append(dependents[dep], a.Name)
			}
			// Value-axis dependencies are always resolved first.
		}
	}

	// Kahn's algorithm, seeded in declaration order for stable output.
	var queue []string
	for _, a := range formulaAxes {
		if indegree[a.Name] == 0 {
			queue = append(queue, a.Name)
		}
	}
	ordered := make([]Axis, 0, len(formulaAxes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byName[name])
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(ordered) != len(formulaAxes) {
		return nil, &SpecMismatchError{Reason: "cyclic dependency between formula axes"}
	}
	return ordered, nil
}

// round6 rounds to 6 decimal places, matching the precision written into
// rendered sequence files so resolved values round-trip exactly.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
