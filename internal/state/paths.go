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

// Package state resolves the filesystem layout rooted at ${HOME}/.prodigy
// (overridable via PRODIGY_STATE_ROOT for tests and sandboxed invocations)
// that the CLI command layer shares with pkg/checkpoint, pkg/dlq,
// pkg/events, and pkg/resume: sequential session directories, MapReduce
// job directories, and the worktree pool root. No library in the
// retrieved examples wraps well-known-directory resolution for a
// project-local dotfolder the way this package needs; filepath.Join over
// os.UserHomeDir is the idiomatic standard-library primitive for it.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Root returns the root of prodigy's persisted state, honoring
// PRODIGY_STATE_ROOT for tests and CI before falling back to
// ${HOME}/.prodigy.
func Root() string {
	if v := os.Getenv("PRODIGY_STATE_ROOT"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".prodigy")
}

// RepoName derives the stable per-repository directory name used under
// state/ and worktrees/, from the repository's absolute path.
func RepoName(repoPath string) string {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		abs = repoPath
	}
	return filepath.Base(abs)
}

// SessionDir returns the directory holding one sequential-workflow
// session's checkpoint files.
func SessionDir(repoPath, sessionID string) string {
	return filepath.Join(Root(), "state", RepoName(repoPath), "sessions", sessionID)
}

// SessionsRoot returns the directory under which all of a repository's
// sequential sessions live, for sessions list/clean.
func SessionsRoot(repoPath string) string {
	return filepath.Join(Root(), "state", RepoName(repoPath), "sessions")
}

// JobDir returns the directory holding one MapReduce job's checkpoints,
// DLQ, and event log.
func JobDir(jobID string) string {
	return filepath.Join(Root(), "mapreduce", "jobs", jobID)
}

// JobsRoot returns the directory under which all MapReduce job
// directories live.
func JobsRoot() string {
	return filepath.Join(Root(), "mapreduce", "jobs")
}

// ResumeLockDir returns the directory resume.Acquire uses to hold the
// lock file for jobID: keyed by both repo and job so two repos can never
// collide on a job id coined independently.
func ResumeLockDir(repoPath, jobID string) string {
	return filepath.Join(Root(), "state", RepoName(repoPath), "resume_locks", jobID)
}

// WorktreeRoot returns the root directory the worktree pool creates
// session-${UUID} directories under for a given repository.
func WorktreeRoot(repoPath string) string {
	return filepath.Join(Root(), "worktrees", RepoName(repoPath))
}

// EventsPath returns the path to a job's append-only event log.
func EventsPath(jobID string) string {
	return filepath.Join(JobDir(jobID), "events.jsonl")
}

// JobMetadata is the minimal pointer a MapReduce job's checkpoint needs
// to be resumable without a workflow path argument on "resume": the
// source document path and the CLI arguments it was invoked with. It is
// stored as mapreduce.JobState's ConfigSnapshot. Deliberately NOT a
// serialized copy of the normalized MapReduceSpec (whose Step.Command
// field is a tagged interface with no JSON encoding defined): resume
// re-loads and re-normalizes from SourcePath so an edit to the workflow
// file between a job's interruption and its resume takes effect, which
// is the behavior the dead-letter-queue retry scenario in the test plan
// depends on.
type JobMetadata struct {
	SourcePath string   `json:"source_path"`
	Args       []string `json:"args,omitempty"`
}

// Marshal encodes m for storage in JobState.ConfigSnapshot.
func (m JobMetadata) Marshal() []byte {
	data, _ := json.Marshal(m)
	return data
}

// DecodeJobMetadata parses a ConfigSnapshot payload written by Marshal.
func DecodeJobMetadata(raw []byte) (JobMetadata, error) {
	var m JobMetadata
	if len(raw) == 0 {
		return m, fmt.Errorf("state: empty config snapshot")
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("state: decode config snapshot: %w", err)
	}
	return m, nil
}

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create %s: %w", dir, err)
	}
	return nil
}
