// Package jq evaluates jq expressions against JSON documents. The map
// phase uses it to select work items out of an input file (the
// `json_path` field), and step output capture uses it to pull named
// variables out of a command's JSON stdout.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds a single expression evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize bounds the JSON document an expression may
	// be applied to (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor evaluates jq expressions with a timeout and an input size cap.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor returns an Executor; zero arguments select the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}

	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
	}
}

// Execute runs an expression against data. An empty expression is the
// identity. A single result is returned directly; multiple results come
// back as a slice.
func (e *Executor) Execute(ctx context.Context, expression string, data interface{}) (interface{}, error) {
	if expression == "" {
		return data, nil
	}

	if err := e.validateInputSize(data); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}

	var results []interface{}
	iter := code.RunWithContext(execCtx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if execCtx.Err() != nil {
				return nil, fmt.Errorf("execution timeout after %v", e.timeout)
			}
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// SelectList runs an expression and coerces the result to a flat list:
// an array result yields its elements, a single non-array result yields
// a one-element list, nil yields an empty list. This is the shape the
// map phase wants when turning a selection into work items.
func (e *Executor) SelectList(ctx context.Context, expression string, data interface{}) ([]interface{}, error) {
	result, err := e.Execute(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch v := result.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return v, nil
	default:
		return []interface{}{v}, nil
	}
}

// Validate compiles an expression without running it, so a workflow's
// json_path and output-capture expressions fail at load time rather than
// mid-phase.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}

	_, err = gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}

	return nil
}

// validateInputSize rejects documents over the configured cap. Size is
// estimated by re-marshaling, which also catches non-JSON-able values
// before gojq sees them.
func (e *Executor) validateInputSize(data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if int64(len(jsonData)) > e.maxInputSize {
		return fmt.Errorf("data size (%d bytes) exceeds maximum (%d bytes)",
			len(jsonData), e.maxInputSize)
	}

	return nil
}
