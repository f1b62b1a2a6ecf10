// Package condition evaluates step visibility predicates and option guard
// expressions against a session's variable context.
package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/stegvis/stegvis/model"
)

// Resolve turns an operand into a numeric value: either its literal or the
// referenced variable coerced to a number. ok is false when the variable is
// missing or its value is not numeric.
func Resolve(op *model.Operand, vars map[string]any) (float64, bool) {
	if op == nil {
		return 0, false
	}
	if op.Num != nil {
		return *op.Num, true
	}
	value, present := vars[op.Var]
	if !present {
		return 0, false
	}
	return Coerce(value)
}

// Coerce converts a variable value to a comparable number. Strings are
// parsed after stripping grouping spaces so that stored display amounts
// still compare correctly.
func Coerce(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\u00a0', '\u202f':
				return -1
			case ',':
				return '.'
			default:
				return r
			}
		}, strings.TrimSpace(v))
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// EvalPredicate checks the value bound to name in vars against every
// comparison the predicate declares. All declared comparisons must hold.
// A missing or non-numeric value fails the predicate rather than erroring;
// visibility rules are deliberately fail-closed.
func EvalPredicate(name string, pred model.Predicate, vars map[string]any) bool {
	left, ok := Coerce(vars[name])
	if _, present := vars[name]; !present || !ok {
		return false
	}
	check := func(op *model.Operand, cmp func(a, b float64) bool) bool {
		if op == nil {
			return true
		}
		right, ok := Resolve(op, vars)
		if !ok {
			return false
		}
		return cmp(left, right)
	}
	return check(pred.Gt, func(a, b float64) bool { return a > b }) &&
		check(pred.Gte, func(a, b float64) bool { return a >= b }) &&
		check(pred.Lt, func(a, b float64) bool { return a < b }) &&
		check(pred.Lte, func(a, b float64) bool { return a <= b }) &&
		check(pred.Eq, func(a, b float64) bool { return a == b }) &&
		check(pred.Ne, func(a, b float64) bool { return a != b })
}

// Visible reports whether a step should be shown: every show_condition
// entry must pass. Steps without conditions are always visible.
func Visible(step *model.Step, vars map[string]any) bool {
	for name, pred := range step.ShowConditions {
		if !EvalPredicate(name, pred, vars) {
			return false
		}
	}
	return true
}

// EvalGuard evaluates an option guard expression. An empty guard always
// passes. The expression sees session variables as its environment and must
// produce a bool; anything else is a definition error surfaced at load time
// by CheckGuard, so here it simply fails the guard.
func EvalGuard(guard string, vars map[string]any) (bool, error) {
	guard = strings.TrimSpace(guard)
	if guard == "" {
		return true, nil
	}
	env := vars
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Eval(guard, env)
	if err != nil {
		return false, fmt.Errorf("guard %q: %w", guard, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q evaluated to %T, want bool", guard, out)
	}
	return b, nil
}

// CheckGuard compiles a guard expression without evaluating it, used by the
// definition validator to reject malformed guards before a flow is served.
func CheckGuard(guard string) error {
	guard = strings.TrimSpace(guard)
	if guard == "" {
		return nil
	}
	if _, err := expr.Compile(guard, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
		return fmt.Errorf("guard %q: %w", guard, err)
	}
	return nil
}
