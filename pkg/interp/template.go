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

// Package interp implements the ${PATH} / ${PATH:-DEFAULT} template
// grammar: parsing into a cached Template of Segments, and resolution of
// variable paths against a varctx.Stack plus the well-known and computed
// variable namespaces.
package interp

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// PathPart is one segment of a dotted/indexed variable path: either a
// map-key identifier or an array index.
type PathPart struct {
	Ident string
	Index int
	IsIdx bool
}

// Segment is one piece of a parsed Template.
type Segment struct {
	Literal    string
	IsVariable bool
	Path       []PathPart
	RawPath    string // the path text before the ":-default" split and before dot-parsing; used to detect computed-variable prefixes (file:, cmd:, json:, date:)
	Default    string
	HasDefault bool
	Raw        string // original "${...}" text, used for error messages
}

// Template is a parsed interpolation string: a flat sequence of literal
// and variable segments.
type Template struct {
	Segments []Segment
	Source   string
}

var (
	parseCacheMu sync.RWMutex
	parseCache   = make(map[string]*Template)
)

// Parse parses s into a Template, caching the result by string identity
// so that repeated interpolation of the same step field does not re-parse.
func Parse(s string) (*Template, error) {
	parseCacheMu.RLock()
	if t, ok := parseCache[s]; ok {
		parseCacheMu.RUnlock()
		return t, nil
	}
	parseCacheMu.RUnlock()

	t, err := parse(s)
	if err != nil {
		return nil, err
	}

	parseCacheMu.Lock()
	parseCache[s] = t
	parseCacheMu.Unlock()
	return t, nil
}

// ClearCache empties the parse cache. Exposed for tests.
func ClearCache() {
	parseCacheMu.Lock()
	defer parseCacheMu.Unlock()
	parseCache = make(map[string]*Template)
}

func parse(s string) (*Template, error) {
	tmpl := &Template{Source: s}
	var lit strings.Builder

	flushLiteral := func() {
		if lit.Len() > 0 {
			tmpl.Segments = append(tmpl.Segments, Segment{Literal: lit.String()})
			lit.Reset()
		}
	}

	i := 0
	for i < len(s) {
		c := s[i]
		if c == '$' && i+1 < len(s) && s[i+1] == '$' {
			lit.WriteByte('$')
			i += 2
			continue
		}
		if c == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := findMatchingBrace(s, i+1)
			if end < 0 {
				return nil, fmt.Errorf("interp: unterminated \"${\" at position %d in %q", i, s)
			}
			raw := s[i : end+1]
			inner := s[i+2 : end]
			path, def, hasDef, err := splitPathDefault(inner)
			if err != nil {
				return nil, fmt.Errorf("interp: %w (in %q)", err, raw)
			}
			parts, err := parsePath(path)
			if err != nil {
				return nil, fmt.Errorf("interp: %w (in %q)", err, raw)
			}
			flushLiteral()
			tmpl.Segments = append(tmpl.Segments, Segment{
				IsVariable: true,
				Path:       parts,
				RawPath:    path,
				Default:    def,
				HasDefault: hasDef,
				Raw:        raw,
			})
			i = end + 1
			continue
		}
		lit.WriteByte(c)
		i++
	}
	flushLiteral()
	return tmpl, nil
}

// findMatchingBrace returns the index of the "}" matching the "{" at
// braceIdx, or -1 if unterminated. Does not handle nested braces since
// the grammar's DEFAULT clause is "any character sequence up to the
// matching }" — i.e. the first closing brace terminates it; there is no
// escape for "}" inside a variable.
func findMatchingBrace(s string, braceIdx int) int {
	for i := braceIdx + 1; i < len(s); i++ {
		if s[i] == '}' {
			return i
		}
	}
	return -1
}

func splitPathDefault(inner string) (path string, def string, hasDefault bool, err error) {
	if idx := strings.Index(inner, ":-"); idx >= 0 {
		return inner[:idx], inner[idx+2:], true, nil
	}
	return inner, "", false, nil
}

func parsePath(path string) ([]PathPart, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty variable path")
	}

	var parts []PathPart
	var ident strings.Builder
	flush := func() error {
		if ident.Len() == 0 {
			return fmt.Errorf("invalid variable path %q: empty segment", path)
		}
		parts = append(parts, PathPart{Ident: ident.String()})
		ident.Reset()
		return nil
	}

	i := 0
	for i < len(path) {
		c := path[i]
		switch c {
		case '.':
			if ident.Len() == 0 && len(parts) > 0 && parts[len(parts)-1].IsIdx {
				// A dot right after "[N]" separates the index from the next key.
				i++
				continue
			}
			if err := flush(); err != nil {
				return nil, err
			}
			i++
		case '[':
			if ident.Len() > 0 {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("invalid variable path %q: unterminated \"[\"", path)
			}
			numStr := path[i+1 : i+end]
			n, convErr := strconv.Atoi(strings.TrimSpace(numStr))
			if convErr != nil {
				return nil, fmt.Errorf("invalid variable path %q: non-integer index %q", path, numStr)
			}
			parts = append(parts, PathPart{Index: n, IsIdx: true})
			i += end + 1
		default:
			ident.WriteByte(c)
			i++
		}
	}
	if ident.Len() > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// PathString reconstructs a path as a dotted/indexed string, e.g. "item[0].id".
func PathString(parts []PathPart) string {
	return joinPath(parts)
}

func joinPath(parts []PathPart) string {
	var b strings.Builder
	for i, p := range parts {
		if p.IsIdx {
			fmt.Fprintf(&b, "[%d]", p.Index)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p.Ident)
	}
	return b.String()
}
