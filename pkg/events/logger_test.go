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

package events_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodigyhq/prodigy/pkg/events"
)

func TestLogger_AppendAndReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job", "events.jsonl")
	logger, err := events.Open(path)
	require.NoError(t, err)

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, logger.Append(events.New(func() time.Time { return fixed }, "job-1", "corr-1", events.JobStarted, map[string]any{"foo": "bar"})))
	require.NoError(t, logger.Close())

	got, err := events.Read(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "job-1", got[0].JobID)
	assert.Equal(t, events.JobStarted, got[0].Kind)
	assert.Equal(t, "bar", got[0].Payload["foo"])
	assert.True(t, fixed.Equal(got[0].Timestamp))
}

func TestLogger_EmitAppendsMultipleEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	logger, err := events.Open(path)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Emit("job-1", "", events.StepStarted, nil))
	require.NoError(t, logger.Emit("job-1", "", events.StepCompleted, nil))

	got, err := events.Read(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, events.StepStarted, got[0].Kind)
	assert.Equal(t, events.StepCompleted, got[1].Kind)
}

func TestRead_MissingFileReturnsEmptyNotError(t *testing.T) {
	got, err := events.Read(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSince_FiltersByTimestamp(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)

	all := []events.Event{
		{Timestamp: t0, Kind: events.JobStarted},
		{Timestamp: t1, Kind: events.StepStarted},
		{Timestamp: t2, Kind: events.JobCompleted},
	}

	got := events.Since(all, t1)
	require.Len(t, got, 2)
	assert.Equal(t, events.StepStarted, got[0].Kind)
	assert.Equal(t, events.JobCompleted, got[1].Kind)
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "events.jsonl")
	logger, err := events.Open(path)
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	_, err = events.Read(path)
	require.NoError(t, err)
}

func TestPartition_SplitsAtCutoff(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	cutoff := t0.Add(events.DefaultRetention)
	all := []events.Event{
		{Timestamp: t0, Kind: events.JobStarted},
		{Timestamp: cutoff.Add(-time.Second), Kind: events.StepStarted},
		{Timestamp: cutoff, Kind: events.StepCompleted},
		{Timestamp: cutoff.Add(time.Hour), Kind: events.JobCompleted},
	}

	expired, kept := events.Partition(all, cutoff)
	require.Len(t, expired, 2)
	require.Len(t, kept, 2)
	assert.Equal(t, events.StepCompleted, kept[0].Kind)
}

func TestRewrite_ReplacesLogAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	logger, err := events.Open(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Emit("job-1", "", events.StepCompleted, map[string]any{"n": i}))
	}
	require.NoError(t, logger.Close())

	all, err := events.Read(path)
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, events.Rewrite(path, all[1:]))

	kept, err := events.Read(path)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.EqualValues(t, 1, kept[0].Payload["n"])
}
