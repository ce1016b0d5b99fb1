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

// Package engine wires the leaf collaborators (subprocess, interpolation,
// condition evaluation, the Claude adapter, jq) into the stepexec.Env and
// mapreduce.Config shapes the CLI command layer hands to the Sequential
// Workflow Runner and the MapReduce Orchestrator. It exists so
// internal/commands/run and internal/commands/resume share one
// construction path instead of duplicating collaborator setup.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prodigyhq/prodigy/internal/jq"
	"github.com/prodigyhq/prodigy/pkg/claude"
	"github.com/prodigyhq/prodigy/pkg/condition"
	"github.com/prodigyhq/prodigy/pkg/events"
	"github.com/prodigyhq/prodigy/pkg/interp"
	"github.com/prodigyhq/prodigy/pkg/stepexec"
	"github.com/prodigyhq/prodigy/pkg/subprocess"
	"github.com/prodigyhq/prodigy/pkg/varctx"
)

// GitRunner shells out to the git binary, satisfying stepexec.GitHead and
// pkg/worktree.Merger's HeadCommit signature for plain (non-worktree)
// sequential execution against the repository directly.
type GitRunner struct{}

// HeadCommit runs "git rev-parse HEAD" in dir.
func (GitRunner) HeadCommit(ctx context.Context, dir string) (string, error) {
	res, err := subprocess.Run(ctx, subprocess.Request{
		Program: "git",
		Argv:    []string{"rev-parse", "HEAD"},
		Dir:     dir,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git rev-parse HEAD: %s", res.StderrFull)
	}
	out := res.StdoutFull
	for len(out) > 0 && (out[len(out)-1] == '\n' || out[len(out)-1] == '\r') {
		out = out[:len(out)-1]
	}
	return out, nil
}

// Options configures the shared collaborators used across a job's
// lifetime: the Claude adapter's throttle and strict-mode interpolation.
// The jq timeout and input-size caps are not set here; NewJQExecutor
// fixes them.
type Options struct {
	WorkingDir      string
	DryRun          bool
	Strict          bool
	ClaudeBinary    string
	ClaudeRateLimit float64
	ClaudeBurst     int
	Log             *slog.Logger
}

// DefaultOptions returns Options with the standard defaults: one Claude
// spawn per second with a burst of 2, lenient interpolation.
func DefaultOptions(workingDir string, dryRun bool) Options {
	return Options{
		WorkingDir:      workingDir,
		DryRun:          dryRun,
		Strict:          false,
		ClaudeBinary:    "claude",
		ClaudeRateLimit: 1,
		ClaudeBurst:     2,
		Log:             slog.Default(),
	}
}

// NewExecutorFactory returns the stepexec.Executor constructor the
// MapReduce Orchestrator calls once per agent, each invocation binding a
// fresh stack and worktree working directory to an otherwise-shared set
// of collaborators.
func NewExecutorFactory(opts Options, jobID string, evts *events.Logger, jqExec *jq.Executor) func(stack *varctx.Stack, workDir string) *stepexec.Executor {
	claudeAdapter := claude.New(opts.ClaudeBinary, opts.ClaudeRateLimit, opts.ClaudeBurst, opts.Log)
	cond := condition.New()
	return func(stack *varctx.Stack, workDir string) *stepexec.Executor {
		return stepexec.New(&stepexec.Env{
			WorkingDir: workDir,
			EnvReader:  interp.OSEnvReader,
			DryRun:     opts.DryRun,
			Git:        GitRunner{},
			Interp:     interp.NewContext(stack, opts.Strict),
			Condition:  cond,
			Claude:     claudeAdapter,
			JQ:         jqExec,
			Events:     evts,
			JobID:      jobID,
			Log:        opts.Log,
		})
	}
}

// NewSequentialExecutor returns a single stepexec.Executor bound to opts
// and stack, for the Sequential Workflow Runner (which does not fan out
// across worktrees and so needs only one executor for the whole run).
func NewSequentialExecutor(opts Options, stack *varctx.Stack, jobID string, evts *events.Logger, jqExec *jq.Executor) *stepexec.Executor {
	factory := NewExecutorFactory(opts, jobID, evts, jqExec)
	return factory(stack, opts.WorkingDir)
}

// NewJQExecutor returns the jq executor shared by condition/foreach/map
// item selection, bounding evaluation time and input size against a
// runaway workflow document.
func NewJQExecutor() *jq.Executor {
	return jq.NewExecutor(5*time.Second, 64<<20)
}
