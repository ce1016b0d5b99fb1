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

// Package events implements the append-only JSONL event stream: one file
// per job, resumable after a crash since it is only ever appended to.
package events

import "time"

// Kind identifies an event's type.
type Kind string

const (
	JobStarted      Kind = "JobStarted"
	StepStarted     Kind = "StepStarted"
	StepCompleted   Kind = "StepCompleted"
	AgentStarted    Kind = "AgentStarted"
	AgentFailed     Kind = "AgentFailed"
	AgentCompleted  Kind = "AgentCompleted"
	CheckpointSaved Kind = "CheckpointSaved"
	DLQAdded        Kind = "DLQAdded"
	DLQEvicted      Kind = "DLQEvicted"
	ResumeStarted   Kind = "ResumeStarted"
	JobCompleted    Kind = "JobCompleted"
)

// Event is one entry in a job's event log.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	JobID         string         `json:"job_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Kind          Kind           `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// New builds an Event with the given kind and payload. Timestamp is the
// caller's responsibility via clock.Now(), not time.Now() directly, to
// keep event emission deterministic under test.
func New(clock func() time.Time, jobID, correlationID string, kind Kind, payload map[string]any) Event {
	return Event{
		Timestamp:     clock(),
		JobID:         jobID,
		CorrelationID: correlationID,
		Kind:          kind,
		Payload:       payload,
	}
}
