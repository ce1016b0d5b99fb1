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

// Package runner implements the sequential workflow runner: iterating a
// normalized workflow's step list with a push/execute/pop frame cycle
// per step, checkpointing after each one, and driving the
// with-arguments and foreach-wrapper execution modes.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prodigyhq/prodigy/pkg/checkpoint"
	"github.com/prodigyhq/prodigy/pkg/events"
	"github.com/prodigyhq/prodigy/pkg/stepexec"
	"github.com/prodigyhq/prodigy/pkg/varctx"
	"github.com/prodigyhq/prodigy/pkg/workflow"
)

// Runner drives a sequential (or with-arguments / foreach-wrapper)
// workflow to completion.
type Runner struct {
	executor   *stepexec.Executor
	checkpoint *checkpoint.Store
	events     *events.Logger
	jobID      string
	log        *slog.Logger

	// OnStep, when set, is invoked after every executed step with its
	// position and result. The CLI uses it to drive progress output.
	OnStep func(stepID string, index, total int, result *stepexec.StepResult)
}

// New returns a Runner. checkpoints and evts may be nil (e.g. a dry-run
// invocation with no durable job directory).
func New(executor *stepexec.Executor, checkpoints *checkpoint.Store, evts *events.Logger, jobID string, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{executor: executor, checkpoint: checkpoints, events: evts, jobID: jobID, log: log}
}

// Resume describes where to pick up a sequential run, loaded from a
// checkpoint.SequentialState.
type Resume struct {
	FromIndex      int
	IterationIndex int
	Frames         []varctx.Frame
}

// Run executes wf's step list (or, for with-arguments mode, once per
// argument) starting from resume (zero value runs from the beginning).
func (r *Runner) Run(ctx context.Context, wf *workflow.Workflow, stack *varctx.Stack, resume Resume) error {
	if r.events != nil {
		r.events.Emit(r.jobID, "", events.JobStarted, map[string]any{"workflow": wf.Name, "mode": string(wf.Mode)})
	}

	switch wf.Mode {
	case workflow.ModeWithArguments:
		return r.runWithArguments(ctx, wf, stack, resume)
	default:
		if err := r.runSteps(ctx, wf.Steps, stack, resume.FromIndex, resume.IterationIndex); err != nil {
			return err
		}
	}

	if r.events != nil {
		r.events.Emit(r.jobID, "", events.JobCompleted, map[string]any{"workflow": wf.Name})
	}
	return nil
}

func (r *Runner) runWithArguments(ctx context.Context, wf *workflow.Workflow, stack *varctx.Stack, resume Resume) error {
	// args are threaded in via wf.Env["args"] by the caller (LoadFile's
	// Options.Args is folded into Env at load time by the CLI command
	// layer); see internal/commands/run.
	argsVal, _ := wf.Env["args"].([]string)
	startIter := resume.IterationIndex
	for i, arg := range argsVal {
		if i < startIter {
			continue
		}
		stack.SetGlobal("ARG", arg)
		fromIdx := 0
		if i == startIter {
			fromIdx = resume.FromIndex
		}
		if err := r.runSteps(ctx, wf.Steps, stack, fromIdx, i); err != nil {
			return fmt.Errorf("runner: argument %q (iteration %d): %w", arg, i, err)
		}
	}
	return nil
}

// runSteps iterates steps starting at fromIndex, checkpointing after
// each one. iterationIndex is carried into the checkpoint verbatim (it
// is only meaningful for with-arguments mode; zero otherwise).
func (r *Runner) runSteps(ctx context.Context, steps []workflow.Step, stack *varctx.Stack, fromIndex, iterationIndex int) error {
	for i := fromIndex; i < len(steps); i++ {
		step := steps[i]

		mark := stack.Push(varctx.NewFrame(varctx.FrameStepResult))
		if r.events != nil {
			r.events.Emit(r.jobID, step.ID, events.StepStarted, map[string]any{"step_id": step.ID})
		}

		result, err := r.executor.Execute(ctx, step, stack)
		if err != nil {
			stack.Pop(mark)
			return fmt.Errorf("runner: step %s: %w", step.ID, err)
		}

		stack.Set("success", result.Success)
		stack.Set("output", result.Output)
		stack.Pop(mark)

		// Publish the result under the step's id so later steps can gate
		// on it: when: "${step_1.success}".
		stack.SetGlobal(step.ID, map[string]any{
			"success": result.Success,
			"skipped": result.Skipped,
			"output":  result.Output,
		})

		if r.OnStep != nil {
			r.OnStep(step.ID, i, len(steps), result)
		}

		if !result.Success {
			policy := workflow.PolicyFail
			if step.Handlers.OnFailure != nil {
				policy = step.Handlers.OnFailure.Policy
			}
			if policy != workflow.PolicyContinue {
				return fmt.Errorf("runner: step %s failed: %s", step.ID, result.FailureMessage)
			}
			r.log.Warn("step failed, continuing per on_failure policy", "step_id", step.ID)
		}

		if err := r.saveCheckpoint(i, step.ID, stack, iterationIndex); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) saveCheckpoint(pos int, stepID string, stack *varctx.Stack, iterationIndex int) error {
	if r.checkpoint == nil {
		return nil
	}
	state := checkpoint.SequentialState{
		WorkflowPos:         pos,
		LastCompletedStepID: stepID,
		VariableContext:     stack.Frames(),
		IterationIndex:      iterationIndex,
	}
	version, err := r.checkpoint.Save(state, checkpoint.KeepVersions)
	if err != nil {
		return fmt.Errorf("runner: checkpoint: %w", err)
	}
	if r.events != nil {
		r.events.Emit(r.jobID, stepID, events.CheckpointSaved, map[string]any{"version": version})
	}
	return nil
}
