package sweep

import (
	"fmt"
	"math"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// mathBuiltins is the fixed whitelist of functions a formula axis may call.
// Formulas never see process state beyond these and the resolved parameters,
// so an operator-supplied expression cannot reach the filesystem or network.
func mathBuiltins() map[string]interface{} {
	return map[string]interface{}{
		"sqrt":  math.Sqrt,
		"abs":   math.Abs,
		"sin":   math.Sin,
		"cos":   math.Cos,
		"tan":   math.Tan,
		"exp":   math.Exp,
		"log":   math.Log,
		"log10": math.Log10,
		"pow":   math.Pow,
		"min":   math.Min,
		"max":   math.Max,
		"floor": math.Floor,
		"ceil":  math.Ceil,
		"round": math.Round,
		"pi":    math.Pi,
	}
}

// compiledFormula is one formula axis compiled ahead of expansion so a bad
// expression fails before any step runs.
type compiledFormula struct {
	axis    Axis
	program *vm.Program
}

func compileFormula(a Axis) (*compiledFormula, error) {
	program, err := expr.Compile(a.Formula, expr.Env(map[string]interface{}{}))
	if err != nil {
		return nil, &SpecMismatchError{Reason: fmt.Sprintf("axis %q: invalid formula %q: %v", a.Name, a.Formula, err)}
	}
	return &compiledFormula{axis: a, program: program}, nil
}

// eval runs the formula against the resolved parameters for one step.
// A reference to a variable absent from params (and not a builtin) surfaces
// as UnresolvedReferenceError.
func (f *compiledFormula) eval(params map[string]float64) (float64, error) {
	env := mathBuiltins()
	for k, v := range params {
		env[k] = v
	}
	out, err := expr.Run(f.program, env)
	if err != nil {
		if ref, ok := missingReference(f.program, env); ok {
			return 0, &UnresolvedReferenceError{Axis: f.axis.Name, Ref: ref}
		}
		return 0, &SpecMismatchError{Reason: fmt.Sprintf("axis %q: formula %q: %v", f.axis.Name, f.axis.Formula, err)}
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, &SpecMismatchError{Reason: fmt.Sprintf("axis %q: formula %q evaluated to non-numeric %T", f.axis.Name, f.axis.Formula, out)}
	}
}

// missingReference reports the first identifier the program needs that the
// environment does not define. Identifiers are recovered from the compiled
// program's constant pool, which holds every fetch key.
func missingReference(p *vm.Program, env map[string]interface{}) (string, bool) {
	var missing []string
	for _, c := range p.Constants {
		name, ok := c.(string)
		if !ok {
			continue
		}
		if _, defined := env[name]; !defined {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return "", false
	}
	sort.Strings(missing)
	return missing[0], true
}
