// Package exprmatch wraps JMESPath expression evaluation, adapted from the
// teacher's pkg/expressions.Evaluator. Where the teacher used it to gate
// HTTP workflow steps on response bodies, here the catalog's capability
// check uses it to filter live engine instances by declared capability
// (spec §4.4, §4.5).
package exprmatch

import (
	"fmt"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Evaluator compiles and caches JMESPath expressions.
type Evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*jmespath.JMESPath)}
}

func (e *Evaluator) Evaluate(expression string, data any) (any, error) {
	compiled, err := e.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// EvaluateBool evaluates a predicate expression to a boolean.
func (e *Evaluator) EvaluateBool(expression string, data any) (bool, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	case []any:
		return len(v) > 0, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}

// EvaluateSlice evaluates a projection expression and returns a slice,
// used to filter live instances down to the ones declaring a capability.
func (e *Evaluator) EvaluateSlice(expression string, data any) ([]any, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	slice, ok := result.([]any)
	if !ok {
		return []any{result}, nil
	}
	return slice, nil
}

func (e *Evaluator) getOrCompile(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	if compiled, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()
	return compiled, nil
}
