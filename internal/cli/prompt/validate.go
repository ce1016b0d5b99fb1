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

package prompt

import (
	"fmt"
	"strings"
	"unicode"

	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
)

// MaxArgumentSize caps a single argument value. Arguments are
// interpolated into shell commands as ${ARG}, so something pasted by
// accident (a whole file, a binary blob) should fail here, not inside a
// step.
const MaxArgumentSize = 65536

// ValidateArgument rejects values that cannot safely become ${ARG}:
// oversized input, interior NUL bytes, or control characters other than
// tab, newline and carriage return.
func ValidateArgument(value string) error {
	if len(value) > MaxArgumentSize {
		return &pkgerrors.ValidationError{
			Field:      "argument",
			Message:    fmt.Sprintf("value is %d bytes, maximum is %d", len(value), MaxArgumentSize),
			Suggestion: "Pass large inputs by path and read them inside the workflow",
		}
	}
	if strings.ContainsRune(value, 0) {
		return &pkgerrors.ValidationError{
			Field:   "argument",
			Message: "value contains a NUL byte",
		}
	}
	for _, r := range value {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return &pkgerrors.ValidationError{
				Field:      "argument",
				Message:    fmt.Sprintf("value contains control character %q", r),
				Suggestion: "Remove terminal escape sequences from the value",
			}
		}
	}
	return nil
}

// ValidateSelection rejects selected ids not present in the known set.
func ValidateSelection(selected, known []string) error {
	knownSet := make(map[string]bool, len(known))
	for _, id := range known {
		knownSet[id] = true
	}
	for _, id := range selected {
		if !knownSet[id] {
			return &pkgerrors.ValidationError{
				Field:      "items",
				Message:    fmt.Sprintf("unknown item id %q", id),
				Suggestion: "Run 'prodigy dlq show' to list the dead-lettered item ids",
			}
		}
	}
	return nil
}
