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
	"context"
	"strings"
	"testing"
)

func TestArgumentCollector_Collect(t *testing.T) {
	t.Run("collects until empty value", func(t *testing.T) {
		mock := &MockPrompter{
			Interactive:    true,
			InputResponses: []string{"src/a.go", "src/b.go", ""},
		}
		got, err := NewArgumentCollector(mock).Collect(context.Background(), "refactor")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0] != "src/a.go" || got[1] != "src/b.go" {
			t.Errorf("Collect() = %v", got)
		}
		if !strings.Contains(mock.Messages[0], "refactor") {
			t.Errorf("prompt should name the workflow: %q", mock.Messages[0])
		}
	})

	t.Run("rejects zero arguments", func(t *testing.T) {
		mock := &MockPrompter{Interactive: true, InputResponses: []string{""}}
		if _, err := NewArgumentCollector(mock).Collect(context.Background(), "refactor"); err == nil {
			t.Error("expected an error for zero collected arguments")
		}
	})

	t.Run("non-interactive is an error", func(t *testing.T) {
		mock := &MockPrompter{Interactive: false}
		_, err := NewArgumentCollector(mock).Collect(context.Background(), "refactor")
		if err == nil || !strings.Contains(err.Error(), "--args") {
			t.Errorf("expected a suggestion to pass --args, got %v", err)
		}
	})

	t.Run("invalid value aborts", func(t *testing.T) {
		mock := &MockPrompter{
			Interactive:    true,
			InputResponses: []string{"ok", "bad\x00value", ""},
		}
		if _, err := NewArgumentCollector(mock).Collect(context.Background(), "refactor"); err == nil {
			t.Error("expected validation error for NUL byte")
		}
	})
}

func TestSelectItems(t *testing.T) {
	ctx := context.Background()

	t.Run("empty id list yields nil without prompting", func(t *testing.T) {
		mock := &MockPrompter{Interactive: true}
		got, err := SelectItems(ctx, mock, "retry which items?", nil)
		if err != nil || got != nil {
			t.Errorf("SelectItems() = %v, %v", got, err)
		}
		if len(mock.Messages) != 0 {
			t.Error("should not prompt with nothing to select")
		}
	})

	t.Run("non-interactive selects everything", func(t *testing.T) {
		mock := &MockPrompter{Interactive: false}
		got, err := SelectItems(ctx, mock, "retry which items?", []string{"a", "b"})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Errorf("SelectItems() = %v, want all ids", got)
		}
	})

	t.Run("interactive returns the prompted subset", func(t *testing.T) {
		mock := &MockPrompter{
			Interactive:     true,
			SelectResponses: [][]string{{"b"}},
		}
		got, err := SelectItems(ctx, mock, "retry which items?", []string{"a", "b"})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0] != "b" {
			t.Errorf("SelectItems() = %v", got)
		}
	})
}

func TestMockPrompter_ExhaustedResponses(t *testing.T) {
	mock := &MockPrompter{Interactive: true}
	if _, err := mock.Input(context.Background(), "q", ""); err == nil {
		t.Error("exhausted mock should error, not hang")
	}
	if _, err := mock.Confirm(context.Background(), "q", false); err == nil {
		t.Error("exhausted mock should error, not hang")
	}
	if _, err := mock.MultiSelect(context.Background(), "q", []string{"a"}); err == nil {
		t.Error("exhausted mock should error, not hang")
	}
}

func TestSurveyPrompter_NonInteractive(t *testing.T) {
	sp := NewSurveyPrompter(false)
	ctx := context.Background()

	if _, err := sp.Input(ctx, "q", ""); err == nil {
		t.Error("non-interactive Input should error")
	}
	if _, err := sp.Confirm(ctx, "q", false); err == nil {
		t.Error("non-interactive Confirm should error")
	}
	if _, err := sp.MultiSelect(ctx, "q", []string{"a"}); err == nil {
		t.Error("non-interactive MultiSelect should error")
	}
	if sp.IsInteractive() {
		t.Error("IsInteractive() should be false")
	}
}
