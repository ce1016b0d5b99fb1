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

package checkpoint_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodigyhq/prodigy/pkg/checkpoint"
	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
)

func TestStore_SaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir)
	require.NoError(t, err)

	state := checkpoint.SequentialState{WorkflowPos: 2, LastCompletedStepID: "step-2"}
	version, err := store.Save(state, checkpoint.KeepVersions)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	var loaded checkpoint.SequentialState
	v, err := store.Load(&loaded)
	require.NoError(t, err)
	assert.Equal(t, version, v)
	assert.Equal(t, state, loaded)
}

func TestStore_VersionsIncrementAcrossSaves(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, err := store.Save(checkpoint.SequentialState{WorkflowPos: i}, checkpoint.KeepVersions)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), v)
	}
}

func TestStore_PruneKeepsOnlyRecentVersions(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.Save(checkpoint.SequentialState{WorkflowPos: i}, 2)
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var checkpointFiles int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			checkpointFiles++
		}
	}
	assert.Equal(t, 2, checkpointFiles)
}

func TestStore_LoadFallsBackPastCorruptLatest(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir)
	require.NoError(t, err)

	_, err = store.Save(checkpoint.SequentialState{WorkflowPos: 1}, checkpoint.KeepVersions)
	require.NoError(t, err)
	v2, err := store.Save(checkpoint.SequentialState{WorkflowPos: 2}, checkpoint.KeepVersions)
	require.NoError(t, err)

	corruptPath := filepath.Join(dir, "checkpoint-v"+itoa(v2)+".json")
	require.NoError(t, os.WriteFile(corruptPath, []byte("{not valid json"), 0o644))

	var loaded checkpoint.SequentialState
	v, err := store.Load(&loaded)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, 1, loaded.WorkflowPos)
}

func TestStore_LoadOnEmptyDirReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir)
	require.NoError(t, err)

	var loaded checkpoint.SequentialState
	_, err = store.Load(&loaded)
	require.Error(t, err)
	var nfErr *pkgerrors.NotFoundError
	assert.ErrorAs(t, err, &nfErr)
}

func TestStore_LoadWhenAllVersionsCorruptReturnsCheckpointCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir)
	require.NoError(t, err)

	_, err = store.Save(checkpoint.SequentialState{WorkflowPos: 1}, checkpoint.KeepVersions)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, os.WriteFile(filepath.Join(dir, e.Name()), []byte("{broken"), 0o644))
	}

	var loaded checkpoint.SequentialState
	_, err = store.Load(&loaded)
	require.Error(t, err)
	var corruptErr *pkgerrors.CheckpointCorruptError
	assert.ErrorAs(t, err, &corruptErr)
}

func TestOpen_SeedsCounterFromExistingFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir)
	require.NoError(t, err)
	_, err = store.Save(checkpoint.SequentialState{WorkflowPos: 1}, checkpoint.KeepVersions)
	require.NoError(t, err)
	_, err = store.Save(checkpoint.SequentialState{WorkflowPos: 2}, checkpoint.KeepVersions)
	require.NoError(t, err)

	reopened, err := checkpoint.Open(dir)
	require.NoError(t, err)
	v, err := reopened.Save(checkpoint.SequentialState{WorkflowPos: 3}, checkpoint.KeepVersions)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}
