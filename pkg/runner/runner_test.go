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

package runner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodigyhq/prodigy/pkg/checkpoint"
	"github.com/prodigyhq/prodigy/pkg/condition"
	"github.com/prodigyhq/prodigy/pkg/interp"
	"github.com/prodigyhq/prodigy/pkg/stepexec"
	"github.com/prodigyhq/prodigy/pkg/varctx"
	"github.com/prodigyhq/prodigy/pkg/workflow"
)

func newTestExecutor(t *testing.T, stack *varctx.Stack) *stepexec.Executor {
	t.Helper()
	return stepexec.New(&stepexec.Env{
		WorkingDir: t.TempDir(),
		Interp:     interp.NewContext(stack, false),
		Condition:  condition.New(),
	})
}

func shellStep(id, line string) workflow.Step {
	return workflow.Step{ID: id, Command: workflow.ShellCommand{Line: line}}
}

func TestRun_ExecutesStepsInOrderAndCheckpointsEachOne(t *testing.T) {
	stack := varctx.New()
	exec := newTestExecutor(t, stack)
	store, err := checkpoint.Open(t.TempDir())
	require.NoError(t, err)

	r := New(exec, store, nil, "job1", nil)
	wf := &workflow.Workflow{
		Name: "seq",
		Mode: workflow.ModeSequential,
		Steps: []workflow.Step{
			shellStep("step-a", "exit 0"),
			shellStep("step-b", "exit 0"),
		},
	}

	require.NoError(t, r.Run(context.Background(), wf, stack, Resume{}))

	var state checkpoint.SequentialState
	version, err := store.Load(&state)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
	assert.Equal(t, 1, state.WorkflowPos)
	assert.Equal(t, "step-b", state.LastCompletedStepID)
}

func TestRun_StopsOnFailureByDefault(t *testing.T) {
	stack := varctx.New()
	exec := newTestExecutor(t, stack)
	store, err := checkpoint.Open(t.TempDir())
	require.NoError(t, err)

	r := New(exec, store, nil, "job1", nil)
	wf := &workflow.Workflow{
		Mode: workflow.ModeSequential,
		Steps: []workflow.Step{
			shellStep("step-a", "exit 1"),
			shellStep("step-b", "exit 0"),
		},
	}

	err = r.Run(context.Background(), wf, stack, Resume{})
	require.Error(t, err)

	var state checkpoint.SequentialState
	_, loadErr := store.Load(&state)
	assert.Error(t, loadErr, "no checkpoint should exist for a step that never completed")
}

func TestRun_ContinuesPastFailureWhenPolicySaysSo(t *testing.T) {
	stack := varctx.New()
	exec := newTestExecutor(t, stack)
	store, err := checkpoint.Open(t.TempDir())
	require.NoError(t, err)

	r := New(exec, store, nil, "job1", nil)
	failing := shellStep("step-a", "exit 1")
	failing.Handlers.OnFailure = &workflow.Handler{Policy: workflow.PolicyContinue}
	wf := &workflow.Workflow{
		Mode:  workflow.ModeSequential,
		Steps: []workflow.Step{failing, shellStep("step-b", "exit 0")},
	}

	require.NoError(t, r.Run(context.Background(), wf, stack, Resume{}))

	var state checkpoint.SequentialState
	_, err = store.Load(&state)
	require.NoError(t, err)
	assert.Equal(t, "step-b", state.LastCompletedStepID)
}

func TestRun_ResumesFromGivenIndex(t *testing.T) {
	stack := varctx.New()
	exec := newTestExecutor(t, stack)

	touched := filepath.Join(t.TempDir(), "touched")
	r := New(exec, nil, nil, "job1", nil)
	wf := &workflow.Workflow{
		Mode: workflow.ModeSequential,
		Steps: []workflow.Step{
			shellStep("step-a", "echo should-not-run >> "+touched),
			shellStep("step-b", "exit 0"),
		},
	}

	require.NoError(t, r.Run(context.Background(), wf, stack, Resume{FromIndex: 1}))
	assert.NoFileExists(t, touched)
}

func TestRun_WithArgumentsModeIteratesOncePerArg(t *testing.T) {
	stack := varctx.New()
	exec := newTestExecutor(t, stack)
	store, err := checkpoint.Open(t.TempDir())
	require.NoError(t, err)

	r := New(exec, store, nil, "job1", nil)
	wf := &workflow.Workflow{
		Mode:  workflow.ModeWithArguments,
		Env:   map[string]any{"args": []string{"one", "two", "three"}},
		Steps: []workflow.Step{shellStep("only-step", "exit 0")},
	}

	require.NoError(t, r.Run(context.Background(), wf, stack, Resume{}))

	var state checkpoint.SequentialState
	version, err := store.Load(&state)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)
	assert.Equal(t, 2, state.IterationIndex)
}

func TestRun_WithArgumentsResumesMidIteration(t *testing.T) {
	stack := varctx.New()
	exec := newTestExecutor(t, stack)
	store, err := checkpoint.Open(t.TempDir())
	require.NoError(t, err)

	r := New(exec, store, nil, "job1", nil)
	wf := &workflow.Workflow{
		Mode: workflow.ModeWithArguments,
		Env:  map[string]any{"args": []string{"one", "two", "three"}},
		Steps: []workflow.Step{
			shellStep("step-a", "exit 0"),
			shellStep("step-b", "exit 0"),
		},
	}

	require.NoError(t, r.Run(context.Background(), wf, stack, Resume{IterationIndex: 2, FromIndex: 1}))

	var state checkpoint.SequentialState
	_, err = store.Load(&state)
	require.NoError(t, err)
	assert.Equal(t, 2, state.IterationIndex)
	assert.Equal(t, "step-b", state.LastCompletedStepID)
}

func TestRun_PublishesStepResultsForLaterConditions(t *testing.T) {
	stack := varctx.New()
	exec := newTestExecutor(t, stack)

	r := New(exec, nil, nil, "job1", nil)
	failing := shellStep("step_1", "false")
	failing.Handlers.OnFailure = &workflow.Handler{Policy: workflow.PolicyContinue}
	gated := shellStep("step_2", "echo ok")
	gated.When = "${step_1.success}"
	wf := &workflow.Workflow{
		Name:  "conditional",
		Mode:  workflow.ModeSequential,
		Steps: []workflow.Step{failing, gated},
	}

	require.NoError(t, r.Run(context.Background(), wf, stack, Resume{}))

	v, ok := stack.Lookup("step_1")
	require.True(t, ok, "step_1 result should be published to the global frame")
	result := v.(map[string]any)
	assert.Equal(t, false, result["success"])

	v, ok = stack.Lookup("step_2")
	require.True(t, ok)
	result = v.(map[string]any)
	assert.Equal(t, true, result["skipped"], "step_2 should be skipped because step_1 failed")
	assert.Equal(t, true, result["success"], "a skipped step reads as success")
}

func TestRun_ShellOutputSurvivesAcrossSteps(t *testing.T) {
	stack := varctx.New()
	exec := newTestExecutor(t, stack)

	r := New(exec, nil, nil, "job1", nil)
	wf := &workflow.Workflow{
		Name: "pipeline",
		Mode: workflow.ModeSequential,
		Steps: []workflow.Step{
			shellStep("produce", "echo hello"),
			shellStep("consume", "test \"${shell.output}\" = hello"),
		},
	}

	require.NoError(t, r.Run(context.Background(), wf, stack, Resume{}))

	// "consume" read "hello" (its test passed); as the last shell step it
	// then republished shell.output with its own empty output.
	v, ok := stack.Lookup("shell.output")
	require.True(t, ok)
	assert.Equal(t, "", v)
}

func TestRun_OnStepHookSeesEveryStep(t *testing.T) {
	stack := varctx.New()
	exec := newTestExecutor(t, stack)

	r := New(exec, nil, nil, "job1", nil)
	var seen []string
	r.OnStep = func(stepID string, index, total int, result *stepexec.StepResult) {
		seen = append(seen, stepID)
		assert.Equal(t, 2, total)
	}
	wf := &workflow.Workflow{
		Name: "hooked",
		Mode: workflow.ModeSequential,
		Steps: []workflow.Step{
			shellStep("one", "true"),
			shellStep("two", "true"),
		},
	}

	require.NoError(t, r.Run(context.Background(), wf, stack, Resume{}))
	assert.Equal(t, []string{"one", "two"}, seen)
}
