package graph

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/oltfleet/coordinator/pkg/types"
)

// maxConditionLength bounds stored conditions so a runaway template
// cannot stall the completion callback on compilation.
const maxConditionLength = 1024

// ConditionEvaluator evaluates edge trigger conditions. Programs are
// compiled once per distinct condition and cached.
type ConditionEvaluator struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

// NewConditionEvaluator creates an evaluator with an empty cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{compiled: make(map[string]*vm.Program)}
}

// EvaluateBool evaluates a condition against the completion
// environment. Non-boolean results are coerced: numbers by non-zero,
// strings by non-empty, nil to false.
func (e *ConditionEvaluator) EvaluateBool(condition string, env map[string]interface{}) (bool, error) {
	if len(condition) > maxConditionLength {
		return false, fmt.Errorf("condition exceeds %d characters", maxConditionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[condition]
	e.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(condition, expr.Env(env))
		if err != nil {
			return false, fmt.Errorf("compile condition %q: %w", condition, err)
		}
		e.mu.Lock()
		e.compiled[condition] = prog
		e.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("condition %q returned %T, expected bool", condition, result)
	}
}

// conditionEnv builds the evaluation environment a completed master
// exposes to its chain conditions.
func conditionEnv(status types.ExecutionStatus, durationMS int64, summary types.ResultSummary) map[string]interface{} {
	env := map[string]interface{}{
		"status":      string(status),
		"duration_ms": durationMS,
	}
	if summary != nil {
		env["summary"] = map[string]interface{}(summary)
	} else {
		env["summary"] = map[string]interface{}{}
	}
	return env
}
