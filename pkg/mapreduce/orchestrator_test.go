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

package mapreduce

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodigyhq/prodigy/pkg/checkpoint"
	"github.com/prodigyhq/prodigy/pkg/condition"
	"github.com/prodigyhq/prodigy/pkg/dlq"
	"github.com/prodigyhq/prodigy/pkg/interp"
	"github.com/prodigyhq/prodigy/pkg/stepexec"
	"github.com/prodigyhq/prodigy/pkg/varctx"
	"github.com/prodigyhq/prodigy/pkg/workflow"
	"github.com/prodigyhq/prodigy/pkg/worktree"
)

// newFakeGitBinary writes a stand-in "git" executable that accepts a
// worktree pool's calls without a real repository: "worktree add"
// creates the target directory, everything else is a no-op success.
// Prepending its directory to PATH lets a real worktree.Pool run
// unmodified so Handle.Release stays safe to call.
func newFakeGitBinary(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := `#!/bin/sh
case "$1 $2" in
  "worktree add")
    mkdir -p "$5"
    ;;
esac
exit 0
`
	path := filepath.Join(dir, "git")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return dir
}

// fakeMerger leases real worktree.Handles from a Pool backed by a fake
// git binary (so Release stays safe to call), but fakes Merge and
// HeadCommit directly rather than shelling out to a real merge.
type fakeMerger struct {
	pool      *worktree.Pool
	failMerge bool
}

func newFakeMerger(t *testing.T) *fakeMerger {
	t.Helper()
	t.Setenv("PATH", newFakeGitBinary(t)+":"+os.Getenv("PATH"))
	pool := worktree.New(worktree.Config{
		RepoPath:          t.TempDir(),
		StateRoot:         t.TempDir(),
		RepoName:          "repo",
		ParentBranch:      "main",
		ParallelWorktrees: 4,
	})
	return &fakeMerger{pool: pool}
}

func (f *fakeMerger) Acquire(ctx context.Context, req worktree.Request) (*worktree.Handle, error) {
	return f.pool.Acquire(ctx, req)
}

func (f *fakeMerger) Merge(ctx context.Context, targetDir, sourceBranch string, strategy workflow.MergeStrategy, resolve func(context.Context, string, []string) error) (worktree.MergeResult, error) {
	if f.failMerge {
		return worktree.MergeResult{}, fmt.Errorf("simulated merge failure")
	}
	return worktree.MergeResult{Merged: true}, nil
}

func (f *fakeMerger) HeadCommit(ctx context.Context, dir string) (string, error) {
	return "deadbeef", nil
}

func newTestOrchestrator(t *testing.T, spec *workflow.MapReduceSpec, merger Merger) (*Orchestrator, *checkpoint.Store, *dlq.Queue) {
	t.Helper()
	jobDir := t.TempDir()
	store, err := checkpoint.Open(jobDir)
	require.NoError(t, err)
	queue, err := dlq.Open(jobDir)
	require.NoError(t, err)

	newExec := func(stack *varctx.Stack, workDir string) *stepexec.Executor {
		return stepexec.New(&stepexec.Env{
			WorkingDir: workDir,
			Interp:     interp.NewContext(stack, false),
			Condition:  condition.New(),
		})
	}

	o := New(Config{
		Spec:        spec,
		Worktrees:   merger,
		Checkpoint:  store,
		DLQ:         queue,
		NewExecutor: newExec,
		JobID:       "job1",
		ParentDir:   t.TempDir(),
	})
	return o, store, queue
}

func shellStep(id, line string) workflow.Step {
	return workflow.Step{ID: id, Command: workflow.ShellCommand{Line: line}}
}

func TestRun_AllItemsSucceedReachesDonePhase(t *testing.T) {
	spec := &workflow.MapReduceSpec{
		Map: workflow.MapPhase{
			MaxParallel:   2,
			AgentTemplate: []workflow.Step{shellStep("agent", "exit 0")},
		},
	}
	o, store, _ := newTestOrchestrator(t, spec, newFakeMerger(t))

	js := NewJobState("job1", []string{"a", "b", "c"}, time.Now())
	require.NoError(t, o.Run(context.Background(), varctx.New(), js))
	assert.Equal(t, PhaseDone, js.Phase)
	assert.Len(t, js.CompletedAgents, 3)
	assert.Empty(t, js.FailedAgents)

	var state JobState
	_, err := store.Load(&state)
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, state.Phase)
}

func TestRun_FailingAgentIsRecordedAndAddedToDLQ(t *testing.T) {
	spec := &workflow.MapReduceSpec{
		Map: workflow.MapPhase{
			MaxParallel:   1,
			AgentTemplate: []workflow.Step{shellStep("agent", "exit 1")},
		},
	}
	o, _, queue := newTestOrchestrator(t, spec, newFakeMerger(t))

	js := NewJobState("job1", []string{"only"}, time.Now())
	require.NoError(t, o.Run(context.Background(), varctx.New(), js))
	assert.Empty(t, js.CompletedAgents)
	require.Contains(t, js.FailedAgents, "only")
	assert.Equal(t, uint32(1), js.FailedAgents["only"].Attempts)

	items, err := queue.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "only", items[0].ItemID)
}

func TestRun_MergeFailureIsRecordedAsAgentFailure(t *testing.T) {
	spec := &workflow.MapReduceSpec{
		Map: workflow.MapPhase{
			MaxParallel:   1,
			AgentTemplate: []workflow.Step{shellStep("agent", "exit 0")},
		},
	}
	merger := newFakeMerger(t)
	merger.failMerge = true
	o, _, _ := newTestOrchestrator(t, spec, merger)

	js := NewJobState("job1", []string{"a"}, time.Now())
	require.NoError(t, o.Run(context.Background(), varctx.New(), js))
	assert.Contains(t, js.FailedAgents, "a")
}

func TestRun_ReduceVariablesAreAvailableToReduceSteps(t *testing.T) {
	outDir := t.TempDir()
	outFile := filepath.Join(outDir, "summary")
	spec := &workflow.MapReduceSpec{
		Map: workflow.MapPhase{
			MaxParallel:   2,
			AgentTemplate: []workflow.Step{shellStep("agent", "exit 0")},
		},
		Reduce: []workflow.Step{
			shellStep("summarize", fmt.Sprintf("echo ${map.successful} > %s", outFile)),
		},
	}
	o, _, _ := newTestOrchestrator(t, spec, newFakeMerger(t))

	js := NewJobState("job1", []string{"a", "b"}, time.Now())
	require.NoError(t, o.Run(context.Background(), varctx.New(), js))

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(data))
}

func TestRun_SetupFailureAbortsBeforeMapPhase(t *testing.T) {
	spec := &workflow.MapReduceSpec{
		Setup: []workflow.Step{shellStep("bad-setup", "exit 1")},
		Map: workflow.MapPhase{
			MaxParallel:   1,
			AgentTemplate: []workflow.Step{shellStep("agent", "exit 0")},
		},
	}
	o, _, _ := newTestOrchestrator(t, spec, newFakeMerger(t))

	js := NewJobState("job1", []string{"a"}, time.Now())
	err := o.Run(context.Background(), varctx.New(), js)
	require.Error(t, err)
	assert.Equal(t, PhaseSetup, js.Phase)
}

func TestRun_EmptyFinalMergeIsANoOp(t *testing.T) {
	spec := &workflow.MapReduceSpec{
		Map: workflow.MapPhase{
			MaxParallel:   1,
			AgentTemplate: []workflow.Step{shellStep("agent", "exit 0")},
		},
	}
	o, _, _ := newTestOrchestrator(t, spec, newFakeMerger(t))

	js := NewJobState("job1", []string{"a"}, time.Now())
	require.NoError(t, o.Run(context.Background(), varctx.New(), js))
	assert.Equal(t, PhaseDone, js.Phase)
}

func TestRun_ItemFieldInterpolationUsesParsedWorkItemData(t *testing.T) {
	spec := &workflow.MapReduceSpec{
		Map: workflow.MapPhase{
			MaxParallel:   2,
			AgentTemplate: []workflow.Step{shellStep("agent", "test ${item.id} != b")},
		},
	}
	o, _, _ := newTestOrchestrator(t, spec, newFakeMerger(t))

	js := NewJobState("job1", []string{"a", "b"}, time.Now())
	js.ItemData = map[string]json.RawMessage{
		"a": json.RawMessage(`{"id":"a"}`),
		"b": json.RawMessage(`{"id":"b"}`),
	}
	require.NoError(t, o.Run(context.Background(), varctx.New(), js))
	assert.Contains(t, js.CompletedAgents, "a")
	assert.Contains(t, js.FailedAgents, "b")
}

func TestRun_MaxFailuresStopsDispatchingNewAgents(t *testing.T) {
	spec := &workflow.MapReduceSpec{
		Map: workflow.MapPhase{
			MaxParallel:   1,
			AgentTemplate: []workflow.Step{shellStep("agent", "exit 1")},
		},
		ErrorPolicy: workflow.ErrorPolicy{MaxFailures: 1},
	}
	o, _, _ := newTestOrchestrator(t, spec, newFakeMerger(t))

	js := NewJobState("job1", []string{"a", "b", "c"}, time.Now())
	require.NoError(t, o.Run(context.Background(), varctx.New(), js))
	assert.Len(t, js.FailedAgents, 1)
	assert.ElementsMatch(t, []string{"b", "c"}, js.PendingItems)
}

func TestRun_OnItemFailureFailAbortsMapPhase(t *testing.T) {
	spec := &workflow.MapReduceSpec{
		Map: workflow.MapPhase{
			MaxParallel:   1,
			AgentTemplate: []workflow.Step{shellStep("agent", "exit 1")},
		},
		ErrorPolicy: workflow.ErrorPolicy{OnItemFailure: workflow.OnItemFailureFail},
	}
	o, _, _ := newTestOrchestrator(t, spec, newFakeMerger(t))

	js := NewJobState("job1", []string{"a", "b", "c"}, time.Now())
	err := o.Run(context.Background(), varctx.New(), js)
	require.Error(t, err)
	assert.Equal(t, PhaseMap, js.Phase)
	assert.Len(t, js.FailedAgents, 1)
	assert.ElementsMatch(t, []string{"b", "c"}, js.PendingItems)
}

func TestRun_OnItemFailureRetryRecoversInPlace(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempted")
	spec := &workflow.MapReduceSpec{
		Map: workflow.MapPhase{
			MaxParallel:   1,
			AgentTemplate: []workflow.Step{shellStep("agent", fmt.Sprintf("test -f %s && exit 0 || { touch %s; exit 1; }", marker, marker))},
		},
		ErrorPolicy: workflow.ErrorPolicy{OnItemFailure: workflow.OnItemFailureRetry, MaxRetryAttempts: 2},
	}
	o, _, _ := newTestOrchestrator(t, spec, newFakeMerger(t))

	js := NewJobState("job1", []string{"only"}, time.Now())
	require.NoError(t, o.Run(context.Background(), varctx.New(), js))
	assert.Contains(t, js.CompletedAgents, "only")
	assert.Empty(t, js.FailedAgents)
}
