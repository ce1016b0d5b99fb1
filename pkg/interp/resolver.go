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

package interp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"

	"github.com/prodigyhq/prodigy/pkg/varctx"
)

// MaxExpansionDepth bounds recursive expansion of variable values that
// themselves contain further "${...}" references.
const MaxExpansionDepth = 16

// EnvReader reads an external environment variable. Never the process's
// global environment directly — callers inject a reader (typically
// backed by os.LookupEnv) so tests can substitute a fake one.
type EnvReader func(name string) (string, bool)

// OSEnvReader is the production EnvReader backed by os.LookupEnv.
func OSEnvReader(name string) (string, bool) {
	return os.LookupEnv(name)
}

// FileReader reads the content of a file for "${file:PATH}" computed
// variables.
type FileReader func(path string) ([]byte, error)

// CommandRunner executes a shell command and returns its trimmed stdout,
// for "${cmd:CMD}" computed variables. Backed in production by
// pkg/subprocess, injected here to keep pkg/interp free of a direct
// dependency on the subprocess layer.
type CommandRunner func(cmd string) (string, error)

// Context carries everything Resolve needs beyond the parsed Template:
// the variable stack, the injected capability readers, and strictness.
type Context struct {
	Stack   *varctx.Stack
	Env     EnvReader
	ReadFile FileReader
	RunCmd  CommandRunner
	Strict  bool

	cache     map[string]string
	resolving map[string]bool
}

// NewContext creates a resolution Context over the given variable stack,
// reading the environment through OSEnvReader. ReadFile and RunCmd are
// left nil, so ${file:...}, ${json:...} and ${cmd:...} fail until they
// are set.
func NewContext(stack *varctx.Stack, strict bool) *Context {
	return &Context{
		Stack:     stack,
		Env:       OSEnvReader,
		Strict:    strict,
		cache:     make(map[string]string),
		resolving: make(map[string]bool),
	}
}

// Render expands every variable segment of tmpl against ctx and
// concatenates the result. Variable values are NOT shell-escaped; use
// RenderShell for strings destined for a shell command line.
func Render(tmpl *Template, ctx *Context) (string, error) {
	return render(tmpl, ctx, false)
}

// RenderShell expands tmpl exactly like Render, except every resolved
// variable's string value is shell-escaped before concatenation. Literal
// template text is emitted verbatim.
func RenderShell(tmpl *Template, ctx *Context) (string, error) {
	return render(tmpl, ctx, true)
}

func render(tmpl *Template, ctx *Context, escape bool) (string, error) {
	var b strings.Builder
	for _, seg := range tmpl.Segments {
		if !seg.IsVariable {
			b.WriteString(seg.Literal)
			continue
		}
		val, err := resolveSegment(seg, ctx, 0)
		if err != nil {
			return "", err
		}
		str := stringify(val, seg)
		if escape {
			str = shellescape.Quote(str)
		}
		b.WriteString(str)
	}
	return b.String(), nil
}

// Render parses and expands s against ctx, a convenience wrapper around
// Parse+Render for callers that only have a raw string (most step
// fields).
func (ctx *Context) Render(s string) (string, error) {
	tmpl, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Render(tmpl, ctx)
}

// RenderShell is Render's shell-escaping counterpart, for fields
// destined for "sh -c".
func (ctx *Context) RenderShell(s string) (string, error) {
	tmpl, err := Parse(s)
	if err != nil {
		return "", err
	}
	return RenderShell(tmpl, ctx)
}

// WithStack returns a shallow copy of ctx bound to a different variable
// stack, sharing the same capability readers and strictness but starting
// with a fresh computed-variable cache and resolving set — used when
// fanning out concurrent foreach items, each of which must not share
// cache/resolving state with its siblings.
func (ctx *Context) WithStack(stack *varctx.Stack) *Context {
	return &Context{
		Stack:    stack,
		Env:      ctx.Env,
		ReadFile: ctx.ReadFile,
		RunCmd:   ctx.RunCmd,
		Strict:   ctx.Strict,

		cache:     make(map[string]string),
		resolving: make(map[string]bool),
	}
}

// ResolveValue resolves a single already-parsed variable Segment against
// ctx, returning its raw (non-stringified) value. Exposed so that callers
// needing the typed value rather than its rendered string form — such as
// the condition evaluator's expr-lang literal substitution — can reuse
// the same resolution logic as Render/RenderShell.
func ResolveValue(seg Segment, ctx *Context) (any, error) {
	return resolveSegment(seg, ctx, 0)
}

func resolveSegment(seg Segment, ctx *Context, depth int) (any, error) {
	if depth > MaxExpansionDepth {
		return nil, &DepthExceededError{Path: seg.RawPath, Depth: MaxExpansionDepth}
	}

	switch {
	case seg.RawPath == "uuid":
		return cached(ctx, "uuid:"+seg.Raw, func() (string, error) { return uuid.NewString(), nil })
	case strings.HasPrefix(seg.RawPath, "date:"):
		format := strings.TrimPrefix(seg.RawPath, "date:")
		return cached(ctx, "date:"+format, func() (string, error) { return time.Now().Format(format), nil })
	case strings.HasPrefix(seg.RawPath, "file:"):
		path := strings.TrimPrefix(seg.RawPath, "file:")
		return cached(ctx, "file:"+path, func() (string, error) {
			if ctx.ReadFile == nil {
				return "", fmt.Errorf("interp: ${file:%s}: no file reader configured", path)
			}
			data, err := ctx.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("interp: ${file:%s}: %w", path, err)
			}
			return strings.TrimRight(string(data), "\n"), nil
		})
	case strings.HasPrefix(seg.RawPath, "cmd:"):
		cmd := strings.TrimPrefix(seg.RawPath, "cmd:")
		return cached(ctx, "cmd:"+cmd, func() (string, error) {
			if ctx.RunCmd == nil {
				return "", fmt.Errorf("interp: ${cmd:%s}: no command runner configured", cmd)
			}
			out, err := ctx.RunCmd(cmd)
			if err != nil {
				return "", fmt.Errorf("interp: ${cmd:%s}: %w", cmd, err)
			}
			return strings.TrimRight(out, "\n"), nil
		})
	case strings.HasPrefix(seg.RawPath, "json:"):
		path := strings.TrimPrefix(seg.RawPath, "json:")
		return cached(ctx, "json:"+path, func() (string, error) {
			if ctx.ReadFile == nil {
				return "", fmt.Errorf("interp: ${json:%s}: no file reader configured", path)
			}
			data, err := ctx.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("interp: ${json:%s}: %w", path, err)
			}
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return "", fmt.Errorf("interp: ${json:%s}: invalid JSON: %w", path, err)
			}
			out, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("interp: ${json:%s}: %w", path, err)
			}
			return string(out), nil
		})
	}

	if seg.Path[0].Ident == "env" && len(seg.Path) >= 2 {
		name := seg.Path[1].Ident
		if v, ok := ctx.Env(name); ok {
			return maybeExpand(v, seg, ctx, depth)
		}
		return applyDefault(seg, ctx, "env."+name)
	}

	full := PathString(seg.Path)
	if v, ok := ctx.Stack.Lookup(full); ok {
		return maybeExpand(v, seg, ctx, depth)
	}

	base, ok := ctx.Stack.Lookup(seg.Path[0].Ident)
	if !ok {
		return applyDefault(seg, ctx, full)
	}
	v, err := descend(base, seg.Path[1:], full)
	if err != nil {
		return applyDefault(seg, ctx, full)
	}
	return maybeExpand(v, seg, ctx, depth)
}

// maybeExpand recursively re-interpolates a resolved value if it is a
// string containing further "${...}" references, detecting cycles via
// the path currently being resolved.
func maybeExpand(v any, seg Segment, ctx *Context, depth int) (any, error) {
	s, ok := v.(string)
	if !ok || !strings.Contains(s, "${") {
		return v, nil
	}
	full := PathString(seg.Path)
	if ctx.resolving[full] {
		return nil, &CircularReferenceError{Path: full, Chain: resolvingChain(ctx)}
	}
	ctx.resolving[full] = true
	defer delete(ctx.resolving, full)

	inner, err := Parse(s)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, innerSeg := range inner.Segments {
		if !innerSeg.IsVariable {
			b.WriteString(innerSeg.Literal)
			continue
		}
		iv, err := resolveSegment(innerSeg, ctx, depth+1)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(iv, innerSeg))
	}
	return b.String(), nil
}

func resolvingChain(ctx *Context) []string {
	chain := make([]string, 0, len(ctx.resolving))
	for k := range ctx.resolving {
		chain = append(chain, k)
	}
	return chain
}

func descend(base any, rest []PathPart, full string) (any, error) {
	cur := base
	for _, part := range rest {
		if part.IsIdx {
			arr, ok := cur.([]any)
			if !ok || part.Index < 0 || part.Index >= len(arr) {
				return nil, fmt.Errorf("path not found: %s", full)
			}
			cur = arr[part.Index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path not found: %s (cannot index into %T)", full, cur)
		}
		v, ok := m[part.Ident]
		if !ok {
			return nil, fmt.Errorf("path not found: %s (missing key %q)", full, part.Ident)
		}
		cur = v
	}
	return cur, nil
}

func applyDefault(seg Segment, ctx *Context, full string) (any, error) {
	if seg.HasDefault {
		return seg.Default, nil
	}
	if ctx.Strict {
		return nil, &UndefinedVariableError{Path: full}
	}
	return "", nil
}

func cached(ctx *Context, key string, compute func() (string, error)) (any, error) {
	if v, ok := ctx.cache[key]; ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return nil, err
	}
	ctx.cache[key] = v
	return v, nil
}

// stringify converts a resolved value to its template-output string per
// the JSON-like conversion rules: strings pass through, numbers render
// canonically, booleans as true/false, null resolves to empty (or the
// segment's default, already substituted upstream), objects/arrays
// serialize as JSON.
func stringify(v any, seg Segment) string {
	switch t := v.(type) {
	case nil:
		if seg.HasDefault {
			return seg.Default
		}
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(out)
	}
}

// UndefinedErr reports whether err is (or wraps) an UndefinedVariableError,
// used by strict-mode callers to distinguish "truly undefined" from other
// resolution failures.
func UndefinedErr(err error) (*UndefinedVariableError, bool) {
	var e *UndefinedVariableError
	ok := errors.As(err, &e)
	return e, ok
}
