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

// Package dlq implements the per-job dead-letter queue: a JSONL file of
// permanently (or provisionally) failed work items, keyed by item id,
// with full failure history for telemetry and manual/automatic retry.
package dlq

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
)

// DefaultCapacity bounds how many distinct items a job's DLQ holds before
// the oldest (by insertion order) is evicted to make room for a new one.
// Updates to an item already in the queue never count against it.
const DefaultCapacity = 500

// FailureDetail records one failed attempt against a work item.
type FailureDetail struct {
	AttemptNumber   uint32     `json:"attempt_number"`
	Timestamp       time.Time  `json:"timestamp"`
	ErrorType       string     `json:"error_type"`
	ErrorMessage    string     `json:"error_message"`
	StackTrace      *string    `json:"stack_trace,omitempty"`
	AgentID         string     `json:"agent_id"`
	StepFailed      string     `json:"step_failed"`
	DurationMS      int64      `json:"duration_ms"`
	JSONLogLocation *string    `json:"json_log_location,omitempty"`
}

// WorktreeArtifacts preserves enough of a failed agent's worktree to
// support manual inspection after the worktree itself is reclaimed.
type WorktreeArtifacts struct {
	BranchName    string   `json:"branch_name"`
	WorktreePath  string   `json:"worktree_path"`
	ConflictFiles []string `json:"conflict_files,omitempty"`
}

// Item is one dead-lettered work item.
type Item struct {
	ItemID               string             `json:"item_id"`
	ItemData             json.RawMessage    `json:"item_data"`
	FirstAttempt         time.Time          `json:"first_attempt"`
	LastAttempt          time.Time          `json:"last_attempt"`
	FailureCount         uint32             `json:"failure_count"`
	FailureHistory       []FailureDetail    `json:"failure_history"`
	ErrorSignature       string             `json:"error_signature"`
	WorktreeArtifacts    *WorktreeArtifacts `json:"worktree_artifacts,omitempty"`
	ReprocessEligible    bool               `json:"reprocess_eligible"`
	ManualReviewRequired bool               `json:"manual_review_required"`
}

// ErrorSignature returns the 16-hex-character prefix of SHA-256(message),
// used to group recurring failures of the same underlying cause.
func ErrorSignature(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])[:16]
}

// permanentErrorTypes are never eligible for automatic reprocessing.
var permanentErrorTypes = map[string]bool{
	"permission_error":       true,
	"manual_review_required": true,
}

// AgentOutcome is the subset of an agent result the DLQ needs to decide
// whether, and how, to record a failure. Kept independent of
// pkg/mapreduce's richer AgentResult type to avoid an import cycle: the
// orchestrator converts its own result type into this one at the call
// site.
type AgentOutcome struct {
	ItemID          string
	ItemData        json.RawMessage
	Status          string // "success" | "failed" | "timeout"
	ErrorType       string
	ErrorMessage    string
	AgentID         string
	StepFailed      string
	DurationMS      int64
	JSONLogLocation string
	BranchName      string
	WorktreePath    string
	ConflictFiles   []string
}

// FromAgentOutcome converts a failed or timed-out agent outcome into a
// fresh FailureDetail, pure and side-effect free. attemptNumber is the
// caller-supplied item_retry_counts[item_id]+1 at the moment of
// recording. Success outcomes return (nil, false).
func FromAgentOutcome(o AgentOutcome, attemptNumber uint32, now time.Time) (*FailureDetail, bool) {
	if o.Status == "success" {
		return nil, false
	}
	var logLoc *string
	if o.JSONLogLocation != "" {
		logLoc = &o.JSONLogLocation
	}
	return &FailureDetail{
		AttemptNumber:   attemptNumber,
		Timestamp:       now,
		ErrorType:       o.ErrorType,
		ErrorMessage:    o.ErrorMessage,
		AgentID:         o.AgentID,
		StepFailed:      o.StepFailed,
		DurationMS:      o.DurationMS,
		JSONLogLocation: logLoc,
	}, true
}

// Queue manages one job's dlq.jsonl file.
type Queue struct {
	mu         sync.Mutex
	path       string
	jobID      string
	capacity   int
	log        *slog.Logger
	onEviction func(evicted Item, full *pkgerrors.DLQFullError)
}

// Open returns a Queue backed by jobDir/dlq.jsonl, capped at
// DefaultCapacity distinct items.
func Open(jobDir string) (*Queue, error) {
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("dlq: create job dir: %w", err)
	}
	return &Queue{
		path:     filepath.Join(jobDir, "dlq.jsonl"),
		jobID:    filepath.Base(jobDir),
		capacity: DefaultCapacity,
		log:      slog.Default(),
	}, nil
}

// SetCapacity overrides the queue's default eviction threshold. n <= 0
// disables the cap entirely.
func (q *Queue) SetCapacity(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = n
}

// OnEviction registers a callback invoked whenever Add evicts the oldest
// item to stay within capacity. full carries the DLQFullError describing
// the condition that triggered it; callers typically log it and emit a
// warning event. A nil fn (the default) just logs.
func (q *Queue) OnEviction(fn func(evicted Item, full *pkgerrors.DLQFullError)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onEviction = fn
}

// Add records a failure against itemID, creating a new Item on first
// failure or appending a FailureDetail and bumping failure_count on
// subsequent ones. error_signature is recomputed from the latest
// failure's message.
func (q *Queue) Add(outcome AgentOutcome, detail FailureDetail) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.readAll()
	if err != nil {
		return err
	}

	permanent := permanentErrorTypes[outcome.ErrorType]
	idx := -1
	for i, it := range items {
		if it.ItemID == outcome.ItemID {
			idx = i
			break
		}
	}

	var artifacts *WorktreeArtifacts
	if outcome.BranchName != "" || outcome.WorktreePath != "" {
		artifacts = &WorktreeArtifacts{
			BranchName:    outcome.BranchName,
			WorktreePath:  outcome.WorktreePath,
			ConflictFiles: outcome.ConflictFiles,
		}
	}

	var evicted *Item
	if idx >= 0 {
		it := &items[idx]
		it.FailureHistory = append(it.FailureHistory, detail)
		it.FailureCount++
		it.LastAttempt = detail.Timestamp
		it.ErrorSignature = ErrorSignature(detail.ErrorMessage)
		it.ReprocessEligible = !permanent
		it.ManualReviewRequired = permanent
		if artifacts != nil {
			it.WorktreeArtifacts = artifacts
		}
	} else {
		items = append(items, Item{
			ItemID:               outcome.ItemID,
			ItemData:             outcome.ItemData,
			FirstAttempt:         detail.Timestamp,
			LastAttempt:          detail.Timestamp,
			FailureCount:         1,
			FailureHistory:       []FailureDetail{detail},
			ErrorSignature:       ErrorSignature(detail.ErrorMessage),
			WorktreeArtifacts:    artifacts,
			ReprocessEligible:    !permanent,
			ManualReviewRequired: permanent,
		})
		if q.capacity > 0 && len(items) > q.capacity {
			ev := items[0]
			items = items[1:]
			evicted = &ev
		}
	}

	if err := q.writeAll(items); err != nil {
		return err
	}

	if evicted != nil {
		full := &pkgerrors.DLQFullError{JobID: q.jobID, Capacity: q.capacity}
		if q.onEviction != nil {
			q.onEviction(*evicted, full)
		} else {
			q.log.Warn(full.Error(), "evicted_item_id", evicted.ItemID)
		}
	}

	return nil
}

// List returns every item currently in the queue, optionally filtered to
// a set of item ids (nil/empty means all).
func (q *Queue) List(itemIDs ...string) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.readAll()
	if err != nil {
		return nil, err
	}
	if len(itemIDs) == 0 {
		return items, nil
	}
	want := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		want[id] = true
	}
	var out []Item
	for _, it := range items {
		if want[it.ItemID] {
			out = append(out, it)
		}
	}
	return out, nil
}

// Remove deletes the item with the given id, rewriting the file without
// it. Returns false if no such item existed.
func (q *Queue) Remove(itemID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.readAll()
	if err != nil {
		return false, err
	}
	out := items[:0]
	found := false
	for _, it := range items {
		if it.ItemID == itemID {
			found = true
			continue
		}
		out = append(out, it)
	}
	if !found {
		return false, nil
	}
	return true, q.writeAll(out)
}

// Clear empties the queue entirely.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writeAll(nil)
}

// Retry removes the named items from the queue and returns them,
// preserving their FailureDetail history, for the caller (the Resume
// Manager) to resubmit as fresh work items.
func (q *Queue) Retry(itemIDs []string) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.readAll()
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		want[id] = true
	}
	var retried, remaining []Item
	for _, it := range items {
		if want[it.ItemID] {
			retried = append(retried, it)
		} else {
			remaining = append(remaining, it)
		}
	}
	if err := q.writeAll(remaining); err != nil {
		return nil, err
	}
	return retried, nil
}

func (q *Queue) readAll() ([]Item, error) {
	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dlq: open %s: %w", q.path, err)
	}
	defer f.Close()

	var items []Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var it Item
		if err := json.Unmarshal(line, &it); err != nil {
			return nil, fmt.Errorf("dlq: corrupt entry in %s: %w", q.path, err)
		}
		items = append(items, it)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dlq: scan %s: %w", q.path, err)
	}
	return items, nil
}

// writeAll rewrites the whole file via temp-file + atomic rename, so a
// crash mid-rewrite never leaves a partially-written dlq.jsonl.
func (q *Queue) writeAll(items []Item) error {
	tmp, err := os.CreateTemp(filepath.Dir(q.path), "dlq-*.tmp")
	if err != nil {
		return fmt.Errorf("dlq: create temp: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("dlq: marshal: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("dlq: rename: %w", err)
	}
	return nil
}
