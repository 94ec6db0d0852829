// Package condition evaluates decision-edge expressions against instance metadata.
package condition

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultCacheSize is the number of compiled programs an Evaluator keeps. Expressions come from
// published definitions, so the set is small in practice.
const DefaultCacheSize = 1024

// Evaluator compiles each distinct expression once and caches the program. A full cache is
// emptied before the next program is added.
type Evaluator struct {
	cache map[string]*vm.Program
	limit int
	mu    sync.RWMutex
}

func NewEvaluator() *Evaluator {
	return NewEvaluatorWithLimit(DefaultCacheSize)
}

func NewEvaluatorWithLimit(limit int) *Evaluator {
	if limit < 1 {
		limit = 1
	}
	return &Evaluator{cache: make(map[string]*vm.Program), limit: limit}
}

// Check compiles the expression without an environment and reports syntax errors.
func Check(expression string) error {
	_, err := compile(expression)
	return err
}

func compile(expression string) (*vm.Program, error) {
	return expr.Compile(expression, expr.AllowUndefinedVariables())
}

// Evaluate runs the expression with metadata as its environment. Missing keys evaluate to nil.
// The expression must produce a boolean.
func (e *Evaluator) Evaluate(expression string, metadata map[string]any) (bool, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = compile(expression)
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			if len(e.cache) >= e.limit {
				clear(e.cache)
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	env := metadata
	if env == nil {
		env = map[string]any{}
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
