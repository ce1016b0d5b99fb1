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

package dlq_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodigyhq/prodigy/pkg/dlq"
)

func TestFromAgentOutcome_SuccessReturnsNil(t *testing.T) {
	detail, ok := dlq.FromAgentOutcome(dlq.AgentOutcome{Status: "success"}, 1, time.Now())
	assert.False(t, ok)
	assert.Nil(t, detail)
}

func TestFromAgentOutcome_FailurePopulatesDetail(t *testing.T) {
	now := time.Now()
	detail, ok := dlq.FromAgentOutcome(dlq.AgentOutcome{
		Status:          "failed",
		ErrorType:       "subprocess_error",
		ErrorMessage:    "exit status 1",
		AgentID:         "agent-1",
		StepFailed:      "run-tests",
		DurationMS:      1500,
		JSONLogLocation: "logs/agent-1.jsonl",
	}, 2, now)

	require.True(t, ok)
	assert.Equal(t, uint32(2), detail.AttemptNumber)
	assert.Equal(t, "subprocess_error", detail.ErrorType)
	assert.Equal(t, "exit status 1", detail.ErrorMessage)
	require.NotNil(t, detail.JSONLogLocation)
	assert.Equal(t, "logs/agent-1.jsonl", *detail.JSONLogLocation)
}

func TestErrorSignature_IsStableAndSixteenHex(t *testing.T) {
	sig1 := dlq.ErrorSignature("connection refused")
	sig2 := dlq.ErrorSignature("connection refused")
	sig3 := dlq.ErrorSignature("timeout exceeded")

	assert.Len(t, sig1, 16)
	assert.Equal(t, sig1, sig2)
	assert.NotEqual(t, sig1, sig3)
}

func TestQueue_AddCreatesNewItemOnFirstFailure(t *testing.T) {
	dir := t.TempDir()
	q, err := dlq.Open(dir)
	require.NoError(t, err)

	outcome := dlq.AgentOutcome{ItemID: "item-1", Status: "failed", ErrorType: "tool_error"}
	detail := dlq.FailureDetail{AttemptNumber: 1, Timestamp: time.Now(), ErrorMessage: "boom"}
	require.NoError(t, q.Add(outcome, detail))

	items, err := q.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "item-1", items[0].ItemID)
	assert.Equal(t, uint32(1), items[0].FailureCount)
	assert.True(t, items[0].ReprocessEligible)
}

func TestQueue_AddAppendsHistoryOnRepeatFailure(t *testing.T) {
	dir := t.TempDir()
	q, err := dlq.Open(dir)
	require.NoError(t, err)

	outcome := dlq.AgentOutcome{ItemID: "item-1", Status: "failed", ErrorType: "tool_error"}
	require.NoError(t, q.Add(outcome, dlq.FailureDetail{AttemptNumber: 1, Timestamp: time.Now(), ErrorMessage: "boom"}))
	require.NoError(t, q.Add(outcome, dlq.FailureDetail{AttemptNumber: 2, Timestamp: time.Now(), ErrorMessage: "boom again"}))

	items, err := q.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint32(2), items[0].FailureCount)
	assert.Len(t, items[0].FailureHistory, 2)
}

func TestQueue_AddMarksPermanentErrorsForManualReview(t *testing.T) {
	tests := []struct {
		name   string
		status string
	}{
		{name: "failed with permanent error", status: "failed"},
		{name: "timeout with permanent error", status: "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			q, err := dlq.Open(dir)
			require.NoError(t, err)

			outcome := dlq.AgentOutcome{ItemID: "item-1", Status: tt.status, ErrorType: "permission_error"}
			require.NoError(t, q.Add(outcome, dlq.FailureDetail{AttemptNumber: 1, Timestamp: time.Now(), ErrorMessage: "denied"}))

			items, err := q.List()
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.True(t, items[0].ManualReviewRequired)
			assert.False(t, items[0].ReprocessEligible,
				"a permanent error type is never reprocess-eligible, whatever the terminal status")
		})
	}
}

func TestQueue_AddTimeoutWithTransientErrorStaysEligible(t *testing.T) {
	dir := t.TempDir()
	q, err := dlq.Open(dir)
	require.NoError(t, err)

	outcome := dlq.AgentOutcome{ItemID: "item-1", Status: "timeout", ErrorType: "timeout"}
	require.NoError(t, q.Add(outcome, dlq.FailureDetail{AttemptNumber: 1, Timestamp: time.Now(), ErrorMessage: "agent timed out"}))

	items, err := q.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].ReprocessEligible)
	assert.False(t, items[0].ManualReviewRequired)
}

func TestQueue_ListFiltersByItemIDs(t *testing.T) {
	dir := t.TempDir()
	q, err := dlq.Open(dir)
	require.NoError(t, err)

	require.NoError(t, q.Add(dlq.AgentOutcome{ItemID: "a", Status: "failed"}, dlq.FailureDetail{Timestamp: time.Now()}))
	require.NoError(t, q.Add(dlq.AgentOutcome{ItemID: "b", Status: "failed"}, dlq.FailureDetail{Timestamp: time.Now()}))

	items, err := q.List("b")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ItemID)
}

func TestQueue_RemoveDeletesAndReportsPresence(t *testing.T) {
	dir := t.TempDir()
	q, err := dlq.Open(dir)
	require.NoError(t, err)

	require.NoError(t, q.Add(dlq.AgentOutcome{ItemID: "a", Status: "failed"}, dlq.FailureDetail{Timestamp: time.Now()}))

	found, err := q.Remove("a")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = q.Remove("a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueue_ClearEmptiesQueue(t *testing.T) {
	dir := t.TempDir()
	q, err := dlq.Open(dir)
	require.NoError(t, err)

	require.NoError(t, q.Add(dlq.AgentOutcome{ItemID: "a", Status: "failed"}, dlq.FailureDetail{Timestamp: time.Now()}))
	require.NoError(t, q.Clear())

	items, err := q.List()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueue_RetryRemovesAndReturnsItems(t *testing.T) {
	dir := t.TempDir()
	q, err := dlq.Open(dir)
	require.NoError(t, err)

	require.NoError(t, q.Add(dlq.AgentOutcome{ItemID: "a", Status: "failed"}, dlq.FailureDetail{Timestamp: time.Now()}))
	require.NoError(t, q.Add(dlq.AgentOutcome{ItemID: "b", Status: "failed"}, dlq.FailureDetail{Timestamp: time.Now()}))

	retried, err := q.Retry([]string{"a"})
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, "a", retried[0].ItemID)

	remaining, err := q.List()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].ItemID)
}

func TestQueue_ListOnEmptyQueueReturnsNoError(t *testing.T) {
	dir := t.TempDir()
	q, err := dlq.Open(dir)
	require.NoError(t, err)

	items, err := q.List()
	require.NoError(t, err)
	assert.Empty(t, items)
}
