package pipeline

import (
	"errors"
	"fmt"

	"github.com/kittynXR/maowbot-sub000/internal/condition"
	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
)

// Condition gates whether an action runs. run.Previous() is the final
// result of the preceding action, nil for the first action.
type Condition interface {
	Allow(run *execution.Context) (bool, error)
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(run *execution.Context) (bool, error)

func (f ConditionFunc) Allow(run *execution.Context) (bool, error) { return f(run) }

// Built-in condition types.
const (
	CondPreviousSuccess = "previous_success"
	CondPreviousFailure = "previous_failure"
	CondAlways          = "always"
	CondExpression      = "expression"
)

// ConditionTypes lists the condition types CompileCondition accepts.
func ConditionTypes() []string {
	return []string{CondAlways, CondExpression, CondPreviousFailure, CondPreviousSuccess}
}

// CompileCondition builds the condition for an action. An empty type means
// the action always runs and yields a nil Condition.
func CompileCondition(kind string, cfg map[string]interface{}) (Condition, error) {
	switch kind {
	case "":
		return nil, nil
	case CondAlways:
		return ConditionFunc(func(*execution.Context) (bool, error) { return true, nil }), nil
	case CondPreviousSuccess:
		// nothing ran before: allow
		return ConditionFunc(func(run *execution.Context) (bool, error) {
			prev := run.Previous()
			return prev == nil || prev.Succeeded(), nil
		}), nil
	case CondPreviousFailure:
		// nothing ran before: nothing failed
		return ConditionFunc(func(run *execution.Context) (bool, error) {
			prev := run.Previous()
			return prev != nil && prev.Ran() && !prev.Succeeded(), nil
		}), nil
	case CondExpression:
		src, _ := cfg["expression"].(string)
		if src == "" {
			return nil, errs.Errorf(errs.ErrConfig, "condition expression", "expression is required")
		}
		prog, err := condition.Compile(src)
		if err != nil {
			return nil, errs.Wrap(errs.ErrConfig, "condition expression", err)
		}
		return ConditionFunc(func(run *execution.Context) (bool, error) {
			ok, err := prog.Eval(run)
			if errors.Is(err, condition.ErrUnresolved) {
				return false, nil
			}
			return ok, err
		}), nil
	default:
		return nil, errs.Wrap(errs.ErrConfig, "condition", fmt.Errorf("unknown condition type %q", kind))
	}
}
