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

package resume_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodigyhq/prodigy/pkg/dlq"
	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
	"github.com/prodigyhq/prodigy/pkg/mapreduce"
	"github.com/prodigyhq/prodigy/pkg/resume"
)

func TestAcquire_FreshLockSucceeds(t *testing.T) {
	dir := t.TempDir()
	lock, wasStale, err := resume.Acquire(dir, "job-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, wasStale)
	require.NoError(t, lock.Release())
}

func TestAcquire_AlreadyHeldByLiveProcessIsBusy(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "resume.lock")
	content := itoaPID(os.Getpid()) + "\n" + time.Now().Format(time.RFC3339) + "\n"
	require.NoError(t, os.WriteFile(lockPath, []byte(content), 0o644))

	_, _, err := resume.Acquire(dir, "job-1", time.Hour)
	require.Error(t, err)
	var busy *pkgerrors.LockBusyError
	assert.ErrorAs(t, err, &busy)
	assert.Equal(t, os.Getpid(), busy.HolderPID)
}

func TestAcquire_StaleLockPastTTLIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "resume.lock")
	content := itoaPID(os.Getpid()) + "\n" + time.Now().Add(-2*time.Hour).Format(time.RFC3339) + "\n"
	require.NoError(t, os.WriteFile(lockPath, []byte(content), 0o644))
	oldTime := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(lockPath, oldTime, oldTime))

	lock, wasStale, err := resume.Acquire(dir, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, wasStale)
	require.NoError(t, lock.Release())
}

func TestAcquire_DeadHolderIsReclaimedRegardlessOfTTL(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "resume.lock")
	// Pid 999999 is extremely unlikely to be a live process in any test
	// environment.
	content := "999999\n" + time.Now().Format(time.RFC3339) + "\n"
	require.NoError(t, os.WriteFile(lockPath, []byte(content), 0o644))

	lock, wasStale, err := resume.Acquire(dir, "job-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, wasStale)
	require.NoError(t, lock.Release())
}

func TestRelease_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lock, _, err := resume.Acquire(dir, "job-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}

func TestResume_ComputesPlanFromPendingItems(t *testing.T) {
	dir := t.TempDir()
	js := mapreduce.NewJobState("job-1", []string{"a", "b"}, time.Now())
	loadCheckpoint := func() (*mapreduce.JobState, error) { return js, nil }

	plan, lock, err := resume.Resume(dir, "job-1", loadCheckpoint, nil, resume.Options{LockTTL: time.Hour}, nil)
	require.NoError(t, err)
	defer lock.Release()

	assert.ElementsMatch(t, []string{"a", "b"}, plan.RemainingItems)
}

func TestResume_ResetFailedAgentsAddsBackFailedItems(t *testing.T) {
	dir := t.TempDir()
	js := mapreduce.NewJobState("job-1", []string{"a"}, time.Now())
	js.FailedAgents["b"] = mapreduce.FailureRecord{Attempts: 2, LastError: "boom"}
	loadCheckpoint := func() (*mapreduce.JobState, error) { return js, nil }

	plan, lock, err := resume.Resume(dir, "job-1", loadCheckpoint, nil, resume.Options{
		LockTTL:           time.Hour,
		ResetFailedAgents: true,
	}, nil)
	require.NoError(t, err)
	defer lock.Release()

	assert.ElementsMatch(t, []string{"a", "b"}, plan.RemainingItems)
	assert.Equal(t, uint32(2), plan.JobState.ItemRetryCounts["b"])
}

func TestResume_IncludeDLQItemsRetriesAndDedups(t *testing.T) {
	dir := t.TempDir()
	queue, err := dlq.Open(dir)
	require.NoError(t, err)
	require.NoError(t, queue.Add(dlq.AgentOutcome{ItemID: "c", Status: "failed"}, dlq.FailureDetail{Timestamp: time.Now()}))

	js := mapreduce.NewJobState("job-1", []string{"a"}, time.Now())
	loadCheckpoint := func() (*mapreduce.JobState, error) { return js, nil }

	plan, lock, err := resume.Resume(dir, "job-1", loadCheckpoint, queue, resume.Options{
		LockTTL:         time.Hour,
		IncludeDLQItems: true,
	}, nil)
	require.NoError(t, err)
	defer lock.Release()

	assert.ElementsMatch(t, []string{"a", "c"}, plan.RemainingItems)
	require.Len(t, plan.RetriedDLQItems, 1)
	assert.Equal(t, "c", plan.RetriedDLQItems[0].ItemID)

	remaining, err := queue.List()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestResume_PendingItemTakesPriorityOverFailedAndDLQ(t *testing.T) {
	dir := t.TempDir()
	queue, err := dlq.Open(dir)
	require.NoError(t, err)
	require.NoError(t, queue.Add(dlq.AgentOutcome{ItemID: "a", Status: "failed"}, dlq.FailureDetail{Timestamp: time.Now()}))

	js := mapreduce.NewJobState("job-1", []string{"a"}, time.Now())
	js.FailedAgents["a"] = mapreduce.FailureRecord{Attempts: 1}
	loadCheckpoint := func() (*mapreduce.JobState, error) { return js, nil }

	plan, lock, err := resume.Resume(dir, "job-1", loadCheckpoint, queue, resume.Options{
		LockTTL:           time.Hour,
		ResetFailedAgents: true,
		IncludeDLQItems:   true,
	}, nil)
	require.NoError(t, err)
	defer lock.Release()

	assert.Equal(t, []string{"a"}, plan.RemainingItems)
	assert.Equal(t, uint32(1), plan.JobState.ItemRetryCounts["a"])

	// The item reruns via the pending path, so its DLQ entry must not be
	// left behind.
	leftover, err := queue.List()
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func itoaPID(pid int) string {
	if pid == 0 {
		return "0"
	}
	var digits []byte
	for pid > 0 {
		digits = append([]byte{byte('0' + pid%10)}, digits...)
		pid /= 10
	}
	return string(digits)
}
