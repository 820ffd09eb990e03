package expressions

import (
	"sync"

	"github.com/rendis/flowmaster/pkg/schema"
)

// maxPrograms bounds each engine's cache. Conditions come from workflow
// definitions, so the working set is small; a full cache is simply reset.
const maxPrograms = 1024

// programs caches compiled conditions by source text.
type programs[P any] struct {
	mu    sync.RWMutex
	byKey map[string]P
}

func (c *programs[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.byKey[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byKey[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	if c.byKey == nil || len(c.byKey) >= maxPrograms {
		c.byKey = make(map[string]P)
	}
	c.byKey[expression] = p
	return p, nil
}

func (c *programs[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

func compileError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: evaluating %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty condition", engine)
}
