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

// Package resume implements the "resume" subcommand: acquire the job's
// resume lock, load the latest checkpoint, dedup the remaining work,
// and drive the orchestrator from the interrupted phase.
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/prodigyhq/prodigy/internal/commands/shared"
	"github.com/prodigyhq/prodigy/internal/engine"
	ilog "github.com/prodigyhq/prodigy/internal/log"
	"github.com/prodigyhq/prodigy/internal/state"
	"github.com/prodigyhq/prodigy/pkg/checkpoint"
	"github.com/prodigyhq/prodigy/pkg/dlq"
	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
	"github.com/prodigyhq/prodigy/pkg/events"
	"github.com/prodigyhq/prodigy/pkg/mapreduce"
	"github.com/prodigyhq/prodigy/pkg/metrics"
	"github.com/prodigyhq/prodigy/pkg/resume"
	"github.com/prodigyhq/prodigy/pkg/subprocess"
	"github.com/prodigyhq/prodigy/pkg/varctx"
	"github.com/prodigyhq/prodigy/pkg/workflow"
	"github.com/prodigyhq/prodigy/pkg/worktree"
)

// DefaultLockTTL is how long a resume lock may sit unrenewed before a
// later resumer is allowed to treat it as abandoned.
const DefaultLockTTL = 2 * time.Hour

// NewCommand creates the "resume" command.
func NewCommand() *cobra.Command {
	var (
		includeDLQ    bool
		resetFailed   bool
		maxParallel   int
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "resume JOB_ID",
		Short: "Continue an interrupted MapReduce job",
		Long: `Resume loads the latest checkpoint for JOB_ID, computes the
deduplicated set of remaining work (pending items, optionally failed
agents and DLQ entries), acquires the job's resume lock, and drives the
MapReduce Orchestrator from the phase the job was interrupted in.

A second "resume" invoked against the same job while the first is still
running exits immediately with exit code 3 (lock busy).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, args[0], includeDLQ, resetFailed, maxParallel, metricsAddr)
		},
	}

	cmd.Flags().BoolVar(&includeDLQ, "include-dlq-items", false, "Fold DLQ entries back into the remaining-work plan")
	cmd.Flags().BoolVar(&resetFailed, "reset-failed-agents", false, "Retry items currently recorded as failed")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Override the job's max_parallel for the resumed map phase")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

func runResume(cmd *cobra.Command, jobID string, includeDLQ, resetFailed bool, maxParallelOverride int, metricsAddr string) error {
	log := ilog.WithJob(slog.Default(), jobID)

	repoPath, err := os.Getwd()
	if err != nil {
		return shared.NewExecutionError("failed to resolve working directory", err)
	}

	jobDir := state.JobDir(jobID)
	if _, err := os.Stat(jobDir); err != nil {
		return shared.NewExecutionError(fmt.Sprintf("no job directory for %q", jobID), err)
	}

	store, err := checkpoint.Open(jobDir)
	if err != nil {
		return shared.NewExecutionError("failed to open checkpoint store", err)
	}
	queue, err := dlq.Open(jobDir)
	if err != nil {
		return shared.NewExecutionError("failed to open DLQ", err)
	}
	evts, err := events.Open(state.EventsPath(jobID))
	if err != nil {
		return shared.NewExecutionError("failed to open event log", err)
	}
	defer evts.Close()

	loadCheckpoint := func() (*mapreduce.JobState, error) {
		var js mapreduce.JobState
		if _, err := store.Load(&js); err != nil {
			var notFound *pkgerrors.NotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("resume: no checkpoint found for job %q: %w", jobID, err)
			}
			return nil, err
		}
		return &js, nil
	}

	lockDir := state.ResumeLockDir(repoPath, jobID)
	if err := state.EnsureDir(lockDir); err != nil {
		return err
	}

	opts := resume.Options{
		IncludeDLQItems:     includeDLQ,
		ResetFailedAgents:   resetFailed,
		MaxParallelOverride: maxParallelOverride,
		LockTTL:             DefaultLockTTL,
	}

	plan, lock, err := resume.Resume(lockDir, jobID, loadCheckpoint, queue, opts, log)
	if err != nil {
		var busy *pkgerrors.LockBusyError
		if errors.As(err, &busy) {
			return shared.NewLockBusyError(fmt.Sprintf("job %q is already being resumed (pid %d)", jobID, busy.HolderPID), err)
		}
		return shared.NewExecutionError(fmt.Sprintf("failed to resume job %q", jobID), err)
	}
	defer lock.Release()

	evts.Emit(jobID, "", events.ResumeStarted, map[string]any{
		"job_id":          jobID,
		"remaining_items": len(plan.RemainingItems),
	})

	ctx := cmd.Context()

	meta, err := state.DecodeJobMetadata(plan.JobState.ConfigSnapshot)
	if err != nil {
		return shared.NewExecutionError(fmt.Sprintf("failed to decode job %q's config snapshot", jobID), err)
	}
	wf, err := workflow.LoadFile(meta.SourcePath, workflow.Options{Args: meta.Args})
	if err != nil {
		return shared.NewInvalidWorkflowError(fmt.Sprintf("failed to reload workflow %q", meta.SourcePath), err)
	}
	if wf.Mode != workflow.ModeMapReduce || wf.MapReduce == nil {
		return shared.NewExecutionError(fmt.Sprintf("workflow %q is no longer a mapreduce workflow", meta.SourcePath), nil)
	}
	spec := wf.MapReduce
	if maxParallelOverride > 0 {
		spec.Map.MaxParallel = maxParallelOverride
	}
	if spec.Map.MaxParallel <= 0 {
		spec.Map.MaxParallel = 1
	}

	parentBranch, err := currentBranch(ctx, repoPath)
	if err != nil {
		return fmt.Errorf("resume: %s does not look like a git repository: %w", repoPath, err)
	}

	pool := worktree.New(worktree.Config{
		RepoPath:          repoPath,
		StateRoot:         state.Root(),
		RepoName:          state.RepoName(repoPath),
		ParentBranch:      parentBranch,
		ParallelWorktrees: spec.Map.MaxParallel,
		IdleTimeout:       30 * time.Minute,
		Logger:            log,
	})

	engineOpts := engine.DefaultOptions(repoPath, shared.GetDryRun())
	engineOpts.Log = log
	jqExec := engine.NewJQExecutor()

	var recorder *metrics.Recorder
	if metricsAddr != "" {
		recorder = metrics.New()
		go func() {
			if err := metrics.Serve(ctx, metricsAddr, recorder, log); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	progress := shared.NewProgressDisplay(shared.GetQuiet() || shared.GetJSON())
	progress.Start(wf.Name, jobID)

	orch := mapreduce.New(mapreduce.Config{
		Spec:        spec,
		Worktrees:   pool,
		Checkpoint:  store,
		DLQ:         queue,
		Events:      evts,
		JQ:          jqExec,
		Metrics:     recorder,
		NewExecutor: engine.NewExecutorFactory(engineOpts, jobID, evts, jqExec),
		JobID:       jobID,
		ParentDir:   repoPath,
		Log:         log,
		OnProgress:  progress.AgentProgress,
	})

	stack := varctx.New()
	stack.SetGlobal("workflow", map[string]any{"id": jobID})

	op := &ilog.Operation{
		Name:     "resume",
		JobID:    jobID,
		Metadata: map[string]interface{}{"remaining_items": len(plan.RemainingItems)},
	}
	err = ilog.NewOperationLogger(log).Run(op, func() error {
		return orch.Run(ctx, stack, plan.JobState)
	})
	progress.Finish(err == nil)
	if err != nil {
		return shared.NewExecutionError(fmt.Sprintf("resumed job %q failed", jobID), err)
	}
	return nil
}

func currentBranch(ctx context.Context, repoPath string) (string, error) {
	res, err := subprocess.Run(ctx, subprocess.Request{
		Program: "git",
		Argv:    []string{"rev-parse", "--abbrev-ref", "HEAD"},
		Dir:     repoPath,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git rev-parse --abbrev-ref HEAD: %s", res.StderrFull)
	}
	out := res.StdoutFull
	for len(out) > 0 && (out[len(out)-1] == '\n' || out[len(out)-1] == '\r') {
		out = out[:len(out)-1]
	}
	return out, nil
}
