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

package shared

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveWorkflowPath(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(rel string) string {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("name: x\nsteps: []\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("existing file is returned as-is", func(t *testing.T) {
		path := mustWrite("cleanup.yaml")
		got, err := ResolveWorkflowPath(path)
		if err != nil {
			t.Fatal(err)
		}
		if got != path {
			t.Errorf("ResolveWorkflowPath() = %q, want %q", got, path)
		}
	})

	t.Run("directory resolves to its workflow.yaml", func(t *testing.T) {
		mustWrite("proj/workflow.yaml")
		got, err := ResolveWorkflowPath(filepath.Join(dir, "proj"))
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Base(got) != "workflow.yaml" {
			t.Errorf("ResolveWorkflowPath() = %q", got)
		}
	})

	t.Run("directory without workflow.yaml is an error", func(t *testing.T) {
		empty := filepath.Join(dir, "empty")
		if err := os.MkdirAll(empty, 0o755); err != nil {
			t.Fatal(err)
		}
		if _, err := ResolveWorkflowPath(empty); err == nil {
			t.Error("expected an error for a directory with no workflow.yaml")
		}
	})

	t.Run("bare name tries name.yaml", func(t *testing.T) {
		mustWrite("nightly.yaml")
		cwd, _ := os.Getwd()
		if err := os.Chdir(dir); err != nil {
			t.Fatal(err)
		}
		defer os.Chdir(cwd)

		got, err := ResolveWorkflowPath("nightly")
		if err != nil {
			t.Fatal(err)
		}
		if got != "nightly.yaml" {
			t.Errorf("ResolveWorkflowPath() = %q, want nightly.yaml", got)
		}
	})

	t.Run("nothing found names every candidate", func(t *testing.T) {
		_, err := ResolveWorkflowPath(filepath.Join(dir, "missing"))
		if err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestMatchJobGlob(t *testing.T) {
	tests := []struct {
		pattern string
		jobID   string
		want    bool
	}{
		{"", "anything", true},
		{"nightly-*", "nightly-2026-08-01", true},
		{"nightly-*", "release-1", false},
		{"job-?", "job-7", true},
		{"job-?", "job-42", false},
	}

	for _, tt := range tests {
		got, err := MatchJobGlob(tt.pattern, tt.jobID)
		if err != nil {
			t.Fatalf("MatchJobGlob(%q, %q) error: %v", tt.pattern, tt.jobID, err)
		}
		if got != tt.want {
			t.Errorf("MatchJobGlob(%q, %q) = %v, want %v", tt.pattern, tt.jobID, got, tt.want)
		}
	}

	if _, err := MatchJobGlob("[", "x"); err == nil {
		t.Error("malformed glob should return an error")
	}
}
