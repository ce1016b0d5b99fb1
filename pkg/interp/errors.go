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

import "fmt"

// UndefinedVariableError is returned in strict mode when a variable path
// cannot be resolved and no default was given.
type UndefinedVariableError struct {
	Path string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variable: %s", e.Path)
}

// CircularReferenceError is returned when resolving a variable's value
// would require resolving itself, directly or transitively.
type CircularReferenceError struct {
	Path  string
	Chain []string
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("circular variable reference: %s (chain: %v)", e.Path, e.Chain)
}

// DepthExceededError is returned when recursive expansion exceeds the
// configured maximum depth.
type DepthExceededError struct {
	Path  string
	Depth int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("variable expansion of %s exceeded max depth %d", e.Path, e.Depth)
}
