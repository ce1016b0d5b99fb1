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

// Package run implements the "run" subcommand: load a workflow document,
// pick the Sequential Workflow Runner or the MapReduce Orchestrator based
// on its normalized mode, and drive it to completion from a fresh job.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/prodigyhq/prodigy/internal/cli/prompt"
	"github.com/prodigyhq/prodigy/internal/commands/shared"
	"github.com/prodigyhq/prodigy/internal/engine"
	ilog "github.com/prodigyhq/prodigy/internal/log"
	"github.com/prodigyhq/prodigy/internal/state"
	"github.com/prodigyhq/prodigy/pkg/checkpoint"
	"github.com/prodigyhq/prodigy/pkg/dlq"
	"github.com/prodigyhq/prodigy/pkg/events"
	"github.com/prodigyhq/prodigy/pkg/mapreduce"
	"github.com/prodigyhq/prodigy/pkg/metrics"
	"github.com/prodigyhq/prodigy/pkg/runner"
	"github.com/prodigyhq/prodigy/pkg/stepexec"
	"github.com/prodigyhq/prodigy/pkg/subprocess"
	"github.com/prodigyhq/prodigy/pkg/varctx"
	"github.com/prodigyhq/prodigy/pkg/workflow"
	"github.com/prodigyhq/prodigy/pkg/worktree"
)

// NewCommand creates the "run" command.
func NewCommand() *cobra.Command {
	var (
		args        []string
		jobName     string
		maxParallel int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run PATH",
		Short: "Execute a workflow",
		Long: `Run loads a workflow document and executes it: a plain sequential
step list (optionally once per --args value), or a MapReduce workflow
fanning out across isolated git worktrees.

Progress is checkpointed after every step (sequential) or agent result
(MapReduce), so an interrupted run can be continued with:

  prodigy resume JOB_ID`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			return runWorkflow(cmd, cmdArgs[0], args, jobName, maxParallel, metricsAddr)
		},
	}

	cmd.Flags().StringSliceVar(&args, "args", nil, "Run the workflow once per value (with-arguments mode)")
	cmd.Flags().StringVar(&jobName, "job-id", "", "Caller-supplied job id (default: a fresh UUID)")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Override the workflow's max_parallel for the map phase")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (MapReduce only, e.g. :9090)")

	return cmd
}

func runWorkflow(cmd *cobra.Command, path string, args []string, jobName string, maxParallelOverride int, metricsAddr string) error {
	dryRun := shared.GetDryRun()

	resolved, err := shared.ResolveWorkflowPath(path)
	if err != nil {
		return shared.NewInvalidWorkflowError("failed to resolve workflow path", err)
	}
	wf, err := workflow.LoadFile(resolved, workflow.Options{Args: args})
	if err != nil {
		return shared.NewInvalidWorkflowError("failed to load workflow", err)
	}

	if len(args) == 0 && wf.RequiresArguments && wf.Mode != workflow.ModeMapReduce {
		collector := prompt.NewArgumentCollector(prompt.NewSurveyPrompter(!shared.IsNonInteractive()))
		collected, err := collector.Collect(cmd.Context(), wf.Name)
		if err != nil {
			return shared.NewInvalidWorkflowError("workflow references ${ARG} but no arguments were supplied", err)
		}
		args = collected
		wf, err = workflow.LoadFile(resolved, workflow.Options{Args: args})
		if err != nil {
			return shared.NewInvalidWorkflowError("failed to load workflow", err)
		}
	}

	if len(args) > 0 {
		wf.Env["args"] = args
	}

	repoPath, err := os.Getwd()
	if err != nil {
		return shared.NewExecutionError("failed to resolve working directory", err)
	}

	jobID := jobName
	if jobID == "" {
		jobID = uuid.NewString()
	}

	log := ilog.WithJob(slog.Default(), jobID)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	stack := varctx.New()
	seedGlobals(stack, wf, jobID)

	progress := shared.NewProgressDisplay(shared.GetQuiet() || shared.GetJSON())
	progress.Start(wf.Name, jobID)

	op := &ilog.Operation{
		Name:     "run",
		JobID:    jobID,
		Metadata: map[string]interface{}{ilog.WorkflowKey: wf.Name, "mode": string(wf.Mode)},
	}
	err = ilog.NewOperationLogger(log).Run(op, func() error {
		switch wf.Mode {
		case workflow.ModeMapReduce:
			return runMapReduce(ctx, wf, stack, repoPath, jobID, args, maxParallelOverride, dryRun, metricsAddr, log, progress)
		default:
			return runSequential(ctx, wf, stack, repoPath, jobID, dryRun, log, progress)
		}
	})
	progress.Finish(err == nil)

	if err != nil {
		if ctx.Err() == context.Canceled {
			return &shared.ExitError{Code: shared.ExitInterrupted, Message: "interrupted", Cause: err}
		}
		return shared.NewExecutionError(fmt.Sprintf("workflow %q failed", wf.Name), err)
	}
	return nil
}

func seedGlobals(stack *varctx.Stack, wf *workflow.Workflow, jobID string) {
	for k, v := range wf.Env {
		if k == "args" {
			continue
		}
		stack.SetGlobal(k, v)
	}
	stack.SetGlobal("workflow", map[string]any{
		"name":       wf.Name,
		"id":         jobID,
		"start_time": time.Now().Format(time.RFC3339),
	})
}

func runSequential(ctx context.Context, wf *workflow.Workflow, stack *varctx.Stack, repoPath, jobID string, dryRun bool, log *slog.Logger, progress *shared.ProgressDisplay) error {
	var store *checkpoint.Store
	var evts *events.Logger
	if !dryRun {
		dir := state.SessionDir(repoPath, jobID)
		if err := state.EnsureDir(dir); err != nil {
			return err
		}
		var err error
		store, err = checkpoint.Open(dir)
		if err != nil {
			return err
		}
		evts, err = events.Open(state.EventsPath(jobID))
		if err != nil {
			return err
		}
		defer evts.Close()
	}

	opts := engine.DefaultOptions(repoPath, dryRun)
	opts.Log = log
	exec := engine.NewSequentialExecutor(opts, stack, jobID, evts, engine.NewJQExecutor())

	r := runner.New(exec, store, evts, jobID, log)
	r.OnStep = func(stepID string, index, total int, result *stepexec.StepResult) {
		progress.StepCompleted(stepID, index, total, result.Success, result.Skipped, result.Duration)
	}
	return r.Run(ctx, wf, stack, runner.Resume{})
}

func runMapReduce(ctx context.Context, wf *workflow.Workflow, stack *varctx.Stack, repoPath, jobID string, args []string, maxParallelOverride int, dryRun bool, metricsAddr string, log *slog.Logger, progress *shared.ProgressDisplay) error {
	spec := wf.MapReduce
	if maxParallelOverride > 0 {
		spec.Map.MaxParallel = maxParallelOverride
	}
	if spec.Map.MaxParallel <= 0 {
		spec.Map.MaxParallel = 1
	}

	jobDir := state.JobDir(jobID)
	if err := state.EnsureDir(jobDir); err != nil {
		return err
	}

	store, err := checkpoint.Open(jobDir)
	if err != nil {
		return err
	}
	queue, err := dlq.Open(jobDir)
	if err != nil {
		return err
	}
	evts, err := events.Open(state.EventsPath(jobID))
	if err != nil {
		return err
	}
	defer evts.Close()

	parentBranch, err := currentBranch(ctx, repoPath)
	if err != nil {
		return fmt.Errorf("run: %s does not look like a git repository: %w", repoPath, err)
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

	opts := engine.DefaultOptions(repoPath, dryRun)
	opts.Log = log
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

	orch := mapreduce.New(mapreduce.Config{
		Spec:        spec,
		Worktrees:   pool,
		Checkpoint:  store,
		DLQ:         queue,
		Events:      evts,
		JQ:          jqExec,
		Metrics:     recorder,
		NewExecutor: engine.NewExecutorFactory(opts, jobID, evts, jqExec),
		JobID:       jobID,
		ParentDir:   repoPath,
		Log:         log,
		OnProgress:  progress.AgentProgress,
	})

	js := mapreduce.NewJobState(jobID, nil, time.Now())
	js.ConfigSnapshot = state.JobMetadata{SourcePath: wf.SourcePath, Args: args}.Marshal()
	return orch.Run(ctx, stack, js)
}

// currentBranch resolves the repository's current branch name, used as
// the parent branch every agent's "prodigy-agent-${JOB_ID}-${ITEM_ID}"
// branch is created from.
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
	return strings.TrimSpace(res.StdoutFull), nil
}
