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

// Package checkpoint implements the per-job checkpoint directory: atomic
// versioned writes, corrupt-latest-falls-back-to-prior reads, and
// retention pruning. The filesystem is the durable source of truth; an
// in-memory per-job lock only serializes writers within one process —
// cross-process exclusion is the Resume Manager's resume lock, not this
// package's concern.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
	"github.com/prodigyhq/prodigy/pkg/varctx"
)

// KeepVersions is the default retention count for Prune.
const KeepVersions = 3

// SequentialState is the checkpoint payload for a sequential (or
// with-arguments / foreach-wrapper) workflow run.
type SequentialState struct {
	WorkflowPos         int            `json:"workflow_pos"`
	LastCompletedStepID string         `json:"last_completed_step_id"`
	VariableContext     []varctx.Frame `json:"variable_context"`
	IterationIndex      int            `json:"iteration_index"`
}

var versionFilePattern = regexp.MustCompile(`^checkpoint-v(\d+)\.json$`)

// Store manages the checkpoint-v${N}.json files under one job directory.
type Store struct {
	mu      sync.Mutex
	jobDir  string
	counter uint64
}

// Open returns a Store rooted at jobDir, creating the directory if
// necessary and seeding the in-memory version counter from whatever
// checkpoint files already exist on disk (so a process restart resumes
// version numbering correctly).
func Open(jobDir string) (*Store, error) {
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "checkpoint: create job dir")
	}
	s := &Store{jobDir: jobDir}
	versions, err := s.listVersions()
	if err != nil {
		return nil, err
	}
	if len(versions) > 0 {
		s.counter = versions[len(versions)-1]
	}
	return s, nil
}

func (s *Store) path(version uint64) string {
	return filepath.Join(s.jobDir, fmt.Sprintf("checkpoint-v%d.json", version))
}

// listVersions returns the version numbers present on disk, ascending.
func (s *Store) listVersions() ([]uint64, error) {
	entries, err := os.ReadDir(s.jobDir)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "checkpoint: read job dir")
	}
	var versions []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := versionFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// Save writes state as the next checkpoint version, via temp-file +
// atomic rename, then prunes old versions beyond keep. A checkpoint on
// disk is therefore always either a complete prior version or the
// newly-renamed one — never a partial write.
func (s *Store) Save(state any, keep int) (version uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	version = s.counter

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return 0, pkgerrors.Wrap(err, "checkpoint: marshal")
	}

	tmp, err := os.CreateTemp(s.jobDir, "checkpoint-*.tmp")
	if err != nil {
		return 0, pkgerrors.Wrap(err, "checkpoint: create temp")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, pkgerrors.Wrap(err, "checkpoint: write temp")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, pkgerrors.Wrap(err, "checkpoint: sync temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, pkgerrors.Wrap(err, "checkpoint: close temp")
	}
	if err := os.Rename(tmpName, s.path(version)); err != nil {
		os.Remove(tmpName)
		return 0, pkgerrors.Wrap(err, "checkpoint: rename")
	}

	if keep <= 0 {
		keep = KeepVersions
	}
	if err := s.prune(keep); err != nil {
		return version, err
	}
	return version, nil
}

// prune removes all but the keep most recent checkpoint versions. Must
// be called with s.mu held.
func (s *Store) prune(keep int) error {
	versions, err := s.listVersions()
	if err != nil {
		return err
	}
	if len(versions) <= keep {
		return nil
	}
	for _, v := range versions[:len(versions)-keep] {
		if err := os.Remove(s.path(v)); err != nil && !os.IsNotExist(err) {
			return pkgerrors.Wrapf(err, "checkpoint: prune v%d", v)
		}
	}
	return nil
}

// Load deserializes the latest valid checkpoint into dest, falling back
// to successively older versions if the latest is corrupt. Returns the
// version loaded. If no version deserializes, returns
// pkgerrors.CheckpointCorruptError.
func (s *Store) Load(dest any) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.listVersions()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, &pkgerrors.NotFoundError{Resource: "checkpoint", ID: s.jobDir}
	}

	var lastErr error
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		data, err := os.ReadFile(s.path(v))
		if err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal(data, dest); err != nil {
			lastErr = err
			continue
		}
		return v, nil
	}
	return 0, &pkgerrors.CheckpointCorruptError{JobDir: s.jobDir, Cause: lastErr}
}

// LatestVersion returns the highest checkpoint version on disk, or 0 if
// none exists.
func (s *Store) LatestVersion() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, err := s.listVersions()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1], nil
}
