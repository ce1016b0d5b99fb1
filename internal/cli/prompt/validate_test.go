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
	"errors"
	"strings"
	"testing"

	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
)

func TestValidateArgument(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "plain path", value: "src/main.go"},
		{name: "value with spaces and tabs", value: "fix the\tparser"},
		{name: "multiline value", value: "line one\nline two"},
		{name: "NUL byte", value: "a\x00b", wantErr: true},
		{name: "escape sequence", value: "\x1b[31mred", wantErr: true},
		{name: "oversized", value: strings.Repeat("x", MaxArgumentSize+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgument(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateArgument() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var ve *pkgerrors.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("error should be a ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestValidateSelection(t *testing.T) {
	known := []string{"item-1", "item-2"}

	if err := ValidateSelection([]string{"item-2"}, known); err != nil {
		t.Errorf("known selection should pass: %v", err)
	}
	if err := ValidateSelection(nil, known); err != nil {
		t.Errorf("empty selection should pass: %v", err)
	}

	err := ValidateSelection([]string{"item-9"}, known)
	if err == nil {
		t.Fatal("unknown id should fail")
	}
	var ve *pkgerrors.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("error should be a ValidationError, got %T", err)
	}
	if !strings.Contains(err.Error(), "item-9") {
		t.Errorf("error should name the unknown id: %v", err)
	}
}
