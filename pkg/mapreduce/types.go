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

// Package mapreduce implements the MapReduce Orchestrator: setup, map,
// reduce, and final-merge phases over a pool of isolated worktrees.
// Runtime state types (JobState, AgentResult, FailureRecord) live here,
// one-directionally importing the static configuration types
// (MapReduceSpec, MapPhase, ErrorPolicy) from pkg/workflow, to avoid an
// import cycle between the data model and the orchestrator that drives
// it — a deliberate split from the naming used when the system was
// first sketched, recorded in DESIGN.md.
package mapreduce

import (
	"encoding/json"
	"sort"
	"time"
)

// Status is an agent's terminal outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// WorkItem is one unit of map-phase work.
type WorkItem struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// AgentResult is the outcome of running the agent template for one
// WorkItem.
type AgentResult struct {
	ItemID          string   `json:"item_id"`
	Status          Status   `json:"status"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	StepFailed      string   `json:"step_failed,omitempty"`
	Output          string   `json:"output"`
	Commits         []string `json:"commits,omitempty"`
	DurationMS      int64    `json:"duration_ms"`
	WorktreePath    string   `json:"worktree_path,omitempty"`
	BranchName      string   `json:"branch_name,omitempty"`
	JSONLogLocation string   `json:"json_log_location,omitempty"`
}

// WorktreeInfo preserves a failed agent's worktree identity for
// debugging and DLQ artifact linkage.
type WorktreeInfo struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// FailureRecord tracks the failure history of one item across retries.
type FailureRecord struct {
	Attempts     uint32        `json:"attempts"`
	LastError    string        `json:"last_error"`
	LastAttempt  time.Time     `json:"last_attempt"`
	WorktreeInfo *WorktreeInfo `json:"worktree_info,omitempty"`
}

// ReduceState captures reduce-phase progress for resumability.
type ReduceState struct {
	Started   bool `json:"started"`
	StepIndex int  `json:"step_index"`
}

// Phase tags which stage of the job a checkpoint was taken in.
type Phase string

const (
	PhaseSetup  Phase = "setup"
	PhaseMap    Phase = "map"
	PhaseReduce Phase = "reduce"
	PhaseMerge  Phase = "merge"
	PhaseDone   Phase = "done"
)

// JobState is the full durable state of a MapReduce job.
type JobState struct {
	JobID             string                   `json:"job_id"`
	Phase             Phase                    `json:"phase"`
	ConfigSnapshot    json.RawMessage          `json:"config_snapshot,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
	PendingItems      []string                 `json:"pending_items"`
	ItemData          map[string]json.RawMessage `json:"item_data,omitempty"`
	AgentResults      map[string]AgentResult   `json:"agent_results"`
	CompletedAgents   map[string]struct{}      `json:"completed_agents"`
	FailedAgents      map[string]FailureRecord `json:"failed_agents"`
	ItemRetryCounts   map[string]uint32        `json:"item_retry_counts"`
	CheckpointVersion uint64                   `json:"checkpoint_version"`
	ReducePhaseState  *ReduceState             `json:"reduce_phase_state,omitempty"`
	ParentWorktree    string                   `json:"parent_worktree,omitempty"`
}

// NewJobState returns a freshly initialized JobState for jobID with the
// given pending item ids.
func NewJobState(jobID string, items []string, now time.Time) *JobState {
	return &JobState{
		JobID:           jobID,
		Phase:           PhaseSetup,
		StartedAt:       now,
		UpdatedAt:       now,
		PendingItems:    items,
		AgentResults:    make(map[string]AgentResult),
		CompletedAgents: make(map[string]struct{}),
		FailedAgents:    make(map[string]FailureRecord),
		ItemRetryCounts: make(map[string]uint32),
	}
}

// ReduceVariables computes the ${map.*} aggregate variables, populated
// once every agent has reached a terminal state.
func ReduceVariables(js *JobState, duration time.Duration) map[string]any {
	total := len(js.CompletedAgents) + len(js.FailedAgents)
	successRate := 0.0
	if total > 0 {
		successRate = float64(len(js.CompletedAgents)) / float64(total)
	}
	results := make([]AgentResult, 0, len(js.AgentResults))
	for _, id := range sortedKeys(js.AgentResults) {
		results = append(results, js.AgentResults[id])
	}
	return map[string]any{
		"map.total":        total,
		"map.successful":   len(js.CompletedAgents),
		"map.failed":       len(js.FailedAgents),
		"map.results":      results,
		"map.duration":     duration.Seconds(),
		"map.success_rate": successRate,
	}
}

func sortedKeys(m map[string]AgentResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
