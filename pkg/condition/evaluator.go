// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package condition implements the boolean "when" expression grammar:
// literals, "${...}" variable references, comparison/logical operators,
// and parentheses, evaluated over the same variable context the
// interpolation engine resolves against.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/prodigyhq/prodigy/pkg/interp"
)

// Evaluator evaluates "when" expressions against an interp.Context.
// Compiled programs are cached by the post-substitution expression string
// so that a step whose variables resolve to the same values across
// map-phase agents does not recompile.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// ParseError reports a syntax or evaluation problem in a "when"
// expression, with a remediation suggestion.
type ParseError struct {
	Expression string
	Suggestion string
	Cause      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("condition: failed to parse %q: %v", e.Expression, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Evaluate evaluates expression against ctx. An empty expression is
// vacuously true (the "when" clause is absent). Variable substitution
// goes through pkg/interp so ${PATH}/${PATH:-DEFAULT} resolve exactly as
// they do for step field interpolation; in non-strict mode an undefined
// variable substitutes as `nil` (falsy) rather than failing.
func (e *Evaluator) Evaluate(expression string, ctx *interp.Context) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	substituted, err := substituteVariables(expression, ctx)
	if err != nil {
		return false, err
	}

	program, err := e.compile(substituted)
	if err != nil {
		return false, &ParseError{
			Expression: expression,
			Suggestion: "check operator syntax (==, !=, <, <=, >, >=, &&, ||, !) and parenthesization",
			Cause:      err,
		}
	}

	result, err := expr.Run(program, conditionEnv())
	if err != nil {
		return false, &ParseError{
			Expression: expression,
			Suggestion: "verify referenced variables exist or provide a ${PATH:-DEFAULT}",
			Cause:      err,
		}
	}

	return toBool(result), nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	p, err := expr.Compile(expression, expr.Env(conditionEnv()), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = p
	e.mu.Unlock()
	return p, nil
}

// ClearCache empties the compiled-program cache. Exposed for tests.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*vm.Program)
}

func conditionEnv() map[string]any {
	return map[string]any{
		"has":      hasFunc,
		"includes": hasFunc,
		"length":   lenFunc,
	}
}

func hasFunc(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, v := range h {
			if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", needle) {
				return true
			}
		}
		return false
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	default:
		return false
	}
}

func lenFunc(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 0
	}
}

// toBool implements the when-clause truthiness rule: a bare variable (or any
// non-bool expression result) is truthy unless it is empty string,
// `false`, `0`/`0.0`, or nil.
func toBool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// substituteVariables replaces every "${...}" occurrence in expression
// with an expr-lang literal resolved from ctx, reusing pkg/interp's
// parser so the grammar stays in lock-step with step-field interpolation.
func substituteVariables(expression string, ctx *interp.Context) (string, error) {
	tmpl, err := interp.Parse(expression)
	if err != nil {
		return "", &ParseError{Expression: expression, Cause: err}
	}

	var b strings.Builder
	inString := false
	for _, seg := range tmpl.Segments {
		if !seg.IsVariable {
			b.WriteString(seg.Literal)
			for i := 0; i < len(seg.Literal); i++ {
				switch seg.Literal[i] {
				case '\\':
					i++
				case '"':
					inString = !inString
				}
			}
			continue
		}
		val, err := interp.ResolveValue(seg, ctx)
		if err != nil {
			if _, ok := interp.UndefinedErr(err); ok && !ctx.Strict {
				if !inString {
					b.WriteString("nil")
				}
				continue
			}
			return "", err
		}
		lit := valueToLiteral(val)
		if inString && strings.HasPrefix(lit, "\"") {
			// Inside a quoted literal, splice the escaped text without its quotes.
			lit = lit[1 : len(lit)-1]
		}
		b.WriteString(lit)
	}
	return b.String(), nil
}

func valueToLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		escaped := strings.ReplaceAll(t, "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		return "\"" + escaped + "\""
	default:
		s := fmt.Sprintf("%v", t)
		escaped := strings.ReplaceAll(s, "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		return "\"" + escaped + "\""
	}
}
