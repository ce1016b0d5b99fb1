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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *pkgerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &pkgerrors.ValidationError{
				Field:      "max_parallel",
				Message:    "must be a positive integer",
				Suggestion: "Pass a number, e.g. --max-parallel 4",
			},
			wantMsg: "validation failed on max_parallel: must be a positive integer",
		},
		{
			name: "without field",
			err: &pkgerrors.ValidationError{
				Message: "invalid JSON",
			},
			wantMsg: "validation failed: invalid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &pkgerrors.NotFoundError{Resource: "checkpoint", ID: "job-42"}
	if got := err.Error(); got != "checkpoint not found: job-42" {
		t.Errorf("NotFoundError.Error() = %q", got)
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *pkgerrors.ConfigError
		wantMsg string
	}{
		{
			name:    "with key",
			err:     &pkgerrors.ConfigError{Key: "map.input", Reason: "missing required field"},
			wantMsg: "config error at map.input: missing required field",
		},
		{
			name:    "without key",
			err:     &pkgerrors.ConfigError{Reason: "unknown step kind"},
			wantMsg: "config error: unknown step kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("yaml: line 3: mapping values are not allowed")
	err := &pkgerrors.ConfigError{Key: "steps", Reason: "parse failure", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the YAML cause through ConfigError")
	}
}

func TestConfigError_UserVisible(t *testing.T) {
	err := &pkgerrors.ConfigError{
		Key:    "mode",
		Reason: "unknown mode \"mapreduec\"",
		Remedy: "Valid modes are: sequential, mapreduce",
	}

	var visible pkgerrors.UserVisibleError = err
	if !visible.IsUserVisible() {
		t.Error("config errors should be user visible")
	}
	if visible.Suggestion() != "Valid modes are: sequential, mapreduce" {
		t.Errorf("Suggestion() = %q", visible.Suggestion())
	}
	if visible.UserMessage() != err.Error() {
		t.Errorf("UserMessage() = %q, want %q", visible.UserMessage(), err.Error())
	}
}

func TestLockBusyError_UserVisible(t *testing.T) {
	err := &pkgerrors.LockBusyError{JobID: "job-7", HolderPID: 4242}

	var visible pkgerrors.UserVisibleError = err
	if !visible.IsUserVisible() {
		t.Error("lock-busy errors should be user visible")
	}
	if !strings.Contains(visible.Suggestion(), "job-7") || !strings.Contains(visible.Suggestion(), "4242") {
		t.Errorf("Suggestion() should name the job and holder pid, got %q", visible.Suggestion())
	}
}

func TestSubprocessError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *pkgerrors.SubprocessError
		want string
	}{
		{
			name: "spawn failure",
			err:  &pkgerrors.SubprocessError{Program: "sh", Cause: errors.New("executable file not found")},
			want: "subprocess sh failed: executable file not found",
		},
		{
			name: "nonzero exit",
			err:  &pkgerrors.SubprocessError{Program: "git", ExitCode: 128, Stderr: "fatal: not a git repository"},
			want: "subprocess git exited 128: fatal: not a git repository",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("SubprocessError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNoCommitError_NamesStep(t *testing.T) {
	err := &pkgerrors.NoCommitError{StepID: "apply-fix"}
	if !strings.Contains(err.Error(), "apply-fix") {
		t.Errorf("NoCommitError should name the step, got %q", err.Error())
	}
}

func TestMergeConflictError_Error(t *testing.T) {
	err := &pkgerrors.MergeConflictError{
		Branch:        "prodigy-agent-j1-item-3",
		ConflictFiles: []string{"a.go", "b.go"},
		Strategy:      "fail_on_conflict",
	}
	got := err.Error()
	for _, want := range []string{"prodigy-agent-j1-item-3", "fail_on_conflict", "2 file(s)"} {
		if !strings.Contains(got, want) {
			t.Errorf("MergeConflictError.Error() = %q, missing %q", got, want)
		}
	}
}

func TestCheckpointCorruptError_Unwrap(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &pkgerrors.CheckpointCorruptError{JobDir: "/state/jobs/j1", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the JSON cause")
	}
}

func TestErrorWrapping_ThroughFmt(t *testing.T) {
	inner := &pkgerrors.NotFoundError{Resource: "job", ID: "missing"}
	wrapped := fmt.Errorf("loading resume state: %w", inner)

	var nf *pkgerrors.NotFoundError
	if !errors.As(wrapped, &nf) {
		t.Fatal("expected errors.As to find NotFoundError through fmt wrapping")
	}
	if nf.ID != "missing" {
		t.Errorf("unwrapped ID = %q", nf.ID)
	}
}

func TestDLQFullError_Error(t *testing.T) {
	err := &pkgerrors.DLQFullError{JobID: "job-9", Capacity: 500}
	if !strings.Contains(err.Error(), "job-9") || !strings.Contains(err.Error(), "500") {
		t.Errorf("DLQFullError.Error() = %q", err.Error())
	}
}
