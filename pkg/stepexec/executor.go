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

// Package stepexec implements the step executor: the algorithm that
// turns one normalized workflow.Step into a StepResult, dispatching on
// the step's command variant (shell, claude, write_file, goal_seek,
// foreach) with handlers, validation, and commit-required enforcement.
package stepexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prodigyhq/prodigy/internal/jq"
	"github.com/prodigyhq/prodigy/pkg/claude"
	"github.com/prodigyhq/prodigy/pkg/condition"
	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
	"github.com/prodigyhq/prodigy/pkg/events"
	"github.com/prodigyhq/prodigy/pkg/interp"
	"github.com/prodigyhq/prodigy/pkg/subprocess"
	"github.com/prodigyhq/prodigy/pkg/varctx"
	"github.com/prodigyhq/prodigy/pkg/workflow"
)

// GitHead captures the current commit of a working directory, used to
// validate commit_required steps.
type GitHead interface {
	HeadCommit(ctx context.Context, dir string) (string, error)
}

// StepResult is the outcome of executing one step.
type StepResult struct {
	Success           bool
	ExitCode          int
	Output            string
	Stderr            string
	Skipped           bool
	Duration          time.Duration
	FilesModified     []string
	CommitIDsCreated  []string
	CapturedVariables map[string]any
	FailureMessage    string
}

// Env bundles the collaborators a step needs, all injected — never a
// package-global. DryRun propagates through every dispatch branch.
type Env struct {
	WorkingDir  string
	EnvReader   interp.EnvReader
	DryRun      bool
	Git         GitHead
	Interp      *interp.Context
	Condition   *condition.Evaluator
	Claude      *claude.Adapter
	JQ          *jq.Executor
	Events      *events.Logger
	JobID       string
	Log         *slog.Logger
}

// Executor runs steps against an Env.
type Executor struct {
	env *Env
}

// New returns an Executor bound to env.
func New(env *Env) *Executor {
	if env.Log == nil {
		env.Log = slog.Default()
	}
	return &Executor{env: env}
}

// Execute runs one step, per the eight-step algorithm: when-check,
// HEAD capture, interpolation, dispatch, commit validation, failure
// handler, success handler, output capture.
func (e *Executor) Execute(ctx context.Context, step workflow.Step, stack *varctx.Stack) (*StepResult, error) {
	start := time.Now()

	if step.When != "" {
		ok, err := e.env.Condition.Evaluate(step.When, e.env.Interp)
		if err != nil {
			return nil, fmt.Errorf("stepexec: when condition: %w", err)
		}
		if !ok {
			return &StepResult{Success: true, Skipped: true, Duration: time.Since(start)}, nil
		}
	}

	var priorHead string
	if step.CommitRequired && !e.env.DryRun && e.env.Git != nil {
		head, err := e.env.Git.HeadCommit(ctx, e.resolveDir(step))
		if err != nil {
			return nil, fmt.Errorf("stepexec: capture HEAD: %w", err)
		}
		priorHead = head
	}

	result, err := e.dispatch(ctx, step, stack)
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	if step.CommitRequired {
		if e.env.DryRun {
			e.env.Log.Info("would require commit from step", "step_id", step.ID)
		} else if result.Success && e.env.Git != nil {
			head, err := e.env.Git.HeadCommit(ctx, e.resolveDir(step))
			if err != nil {
				return nil, fmt.Errorf("stepexec: recheck HEAD: %w", err)
			}
			if head == priorHead {
				result.Success = false
				result.FailureMessage = (&pkgerrors.NoCommitError{StepID: step.ID}).Error()
			} else {
				result.CommitIDsCreated = append(result.CommitIDsCreated, head)
			}
		}
	}

	if !result.Success {
		e.runHandler(ctx, step.Handlers.OnFailure, stack)
	} else {
		e.runHandler(ctx, step.Handlers.OnSuccess, stack)
		if handler, ok := step.Handlers.OnExitCode[result.ExitCode]; ok {
			e.runHandler(ctx, handler, stack)
		}
		if err := e.captureOutputs(ctx, step, result, stack); err != nil {
			return nil, err
		}
	}

	if e.env.Events != nil {
		e.env.Events.Emit(e.env.JobID, step.ID, events.StepCompleted, map[string]any{
			"step_id": step.ID,
			"success": result.Success,
			"skipped": result.Skipped,
		})
	}

	return result, nil
}

func (e *Executor) resolveDir(step workflow.Step) string {
	if step.WorkingDir != "" {
		if dir, err := e.env.Interp.Render(step.WorkingDir); err == nil {
			return dir
		}
	}
	return e.env.WorkingDir
}

func (e *Executor) dispatch(ctx context.Context, step workflow.Step, stack *varctx.Stack) (*StepResult, error) {
	switch cmd := step.Command.(type) {
	case workflow.ShellCommand:
		return e.runShell(ctx, step, cmd, stack)
	case workflow.ClaudeCommand:
		return e.runClaude(ctx, step, cmd, stack)
	case workflow.WriteFileCommand:
		return e.runWriteFile(ctx, step, cmd, stack)
	case workflow.GoalSeekCommand:
		return e.runGoalSeek(ctx, step, cmd, stack)
	case workflow.ForeachCommand:
		return e.runForeach(ctx, step, cmd, stack)
	default:
		return nil, fmt.Errorf("stepexec: unknown command kind %q", step.Command.Kind())
	}
}

func (e *Executor) runShell(ctx context.Context, step workflow.Step, cmd workflow.ShellCommand, stack *varctx.Stack) (*StepResult, error) {
	line, err := e.env.Interp.RenderShell(cmd.Line)
	if err != nil {
		return nil, fmt.Errorf("stepexec: interpolate shell command: %w", err)
	}

	if e.env.DryRun {
		return &StepResult{Success: true, Output: fmt.Sprintf("would run: %s", line)}, nil
	}

	res, err := subprocess.Run(ctx, subprocess.Request{
		Program: "sh",
		Argv:    []string{"-c", line},
		Dir:     e.resolveDir(step),
		Env:     step.Env,
		Timeout: step.Timeout,
	})
	if err != nil {
		return nil, &pkgerrors.SubprocessError{Program: "sh", Argv: []string{"-c", line}, Cause: err}
	}

	success := res.ExitCode == 0
	if _, ok := step.Handlers.OnExitCode[res.ExitCode]; ok {
		success = true
	}

	sr := &StepResult{
		Success:  success,
		ExitCode: res.ExitCode,
		Output:   strings.TrimRight(res.StdoutFull, "\n"),
		Stderr:   res.StderrFull,
	}
	if !success {
		sr.FailureMessage = fmt.Sprintf("shell command exited %d", res.ExitCode)
	}
	// Published to the outermost frame so it survives the step-local
	// frame and stays visible to later steps.
	stack.SetGlobal("shell.output", sr.Output)
	return sr, nil
}

func (e *Executor) runClaude(ctx context.Context, step workflow.Step, cmd workflow.ClaudeCommand, stack *varctx.Stack) (*StepResult, error) {
	prompt, err := e.env.Interp.Render(cmd.Prompt)
	if err != nil {
		return nil, err
	}

	if e.env.DryRun {
		return &StepResult{Success: true, Output: fmt.Sprintf("would invoke claude with prompt: %s", prompt)}, nil
	}
	if e.env.Claude == nil {
		return nil, fmt.Errorf("stepexec: claude command requires a configured claude adapter")
	}

	res, err := e.env.Claude.Run(ctx, claude.Request{
		Prompt:  prompt,
		Dir:     e.resolveDir(step),
		Env:     step.Env,
		Timeout: step.Timeout,
		OnEvent: func(ev claude.Event) {
			if e.env.Events != nil && ev.Kind != claude.EventOther {
				e.env.Events.Emit(e.env.JobID, step.ID, events.StepStarted, map[string]any{"claude_event": string(ev.Kind)})
			}
		},
	})
	if err != nil {
		return nil, &pkgerrors.SubprocessError{Program: "claude", Cause: err}
	}

	sr := &StepResult{Success: res.ExitCode == 0, ExitCode: res.ExitCode, Output: res.Output}
	if !sr.Success {
		sr.FailureMessage = fmt.Sprintf("claude exited %d", res.ExitCode)
	}
	stack.SetGlobal("claude.output", sr.Output)
	return sr, nil
}

func (e *Executor) runWriteFile(ctx context.Context, step workflow.Step, cmd workflow.WriteFileCommand, stack *varctx.Stack) (*StepResult, error) {
	path, err := e.env.Interp.Render(cmd.Path)
	if err != nil {
		return nil, err
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("stepexec: write_file path %q must not contain \"..\"", path)
	}
	content, err := e.env.Interp.Render(cmd.Content)
	if err != nil {
		return nil, err
	}

	switch cmd.Format {
	case "json":
		var v any
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			return nil, fmt.Errorf("stepexec: write_file content is not valid JSON: %w", err)
		}
		pretty, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		content = string(pretty) + "\n"
	case "yaml":
		var v any
		if err := yaml.Unmarshal([]byte(content), &v); err != nil {
			return nil, fmt.Errorf("stepexec: write_file content is not valid YAML: %w", err)
		}
		pretty, err := yaml.Marshal(v)
		if err != nil {
			return nil, err
		}
		content = string(pretty)
	}

	mode := os.FileMode(0o644)
	if cmd.Mode != "" {
		parsed, err := strconv.ParseUint(cmd.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("stepexec: invalid write_file mode %q: %w", cmd.Mode, err)
		}
		mode = os.FileMode(parsed)
	}

	if e.env.DryRun {
		return &StepResult{Success: true, Output: fmt.Sprintf("would write %d bytes to %s", len(content), path)}, nil
	}

	fullPath := path
	if !filepath.IsAbs(fullPath) {
		fullPath = filepath.Join(e.resolveDir(step), path)
	}
	if cmd.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return nil, fmt.Errorf("stepexec: create_dirs: %w", err)
		}
	}
	if err := os.WriteFile(fullPath, []byte(content), mode); err != nil {
		return nil, fmt.Errorf("stepexec: write_file: %w", err)
	}

	e.env.Log.Info("wrote file", "path", path, "bytes", len(content))
	return &StepResult{Success: true, FilesModified: []string{path}}, nil
}

func (e *Executor) runGoalSeek(ctx context.Context, step workflow.Step, cmd workflow.GoalSeekCommand, stack *varctx.Stack) (*StepResult, error) {
	goal, err := e.env.Interp.RenderShell(cmd.Goal)
	if err != nil {
		return nil, err
	}

	attempts := cmd.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastOutput string
	for attempt := 1; attempt <= attempts; attempt++ {
		if e.env.DryRun {
			return &StepResult{Success: true, Output: fmt.Sprintf("would goal-seek: %s", goal)}, nil
		}
		res, err := subprocess.Run(ctx, subprocess.Request{Program: "sh", Argv: []string{"-c", goal}, Dir: e.resolveDir(step), Env: step.Env, Timeout: step.Timeout})
		if err != nil {
			return nil, &pkgerrors.SubprocessError{Program: "sh", Cause: err}
		}
		lastOutput = strings.TrimRight(res.StdoutFull, "\n")

		if cmd.Validation == "" {
			return &StepResult{Success: res.ExitCode == 0, ExitCode: res.ExitCode, Output: lastOutput}, nil
		}

		validation, err := e.env.Interp.RenderShell(cmd.Validation)
		if err != nil {
			return nil, err
		}
		vres, err := subprocess.Run(ctx, subprocess.Request{Program: "sh", Argv: []string{"-c", validation}, Dir: e.resolveDir(step), Timeout: step.Timeout})
		if err != nil {
			return nil, &pkgerrors.SubprocessError{Program: "sh", Cause: err}
		}
		if vres.ExitCode == 0 {
			return &StepResult{Success: true, Output: lastOutput}, nil
		}
		e.env.Log.Info("goal_seek attempt did not validate", "step_id", step.ID, "attempt", attempt, "attempts", attempts)
	}

	return &StepResult{Success: false, Output: lastOutput, FailureMessage: fmt.Sprintf("goal_seek exhausted %d attempts", attempts)}, nil
}

func (e *Executor) runForeach(ctx context.Context, step workflow.Step, cmd workflow.ForeachCommand, stack *varctx.Stack) (*StepResult, error) {
	items, err := e.resolveForeachItems(ctx, step, cmd)
	if err != nil {
		return nil, err
	}

	parallel := cmd.Parallel
	if parallel <= 0 {
		parallel = 1
	}

	var (
		mu                        sync.Mutex
		total, successful, failed int
		wg                        sync.WaitGroup
		sem                       = make(chan struct{}, parallel)
		firstErr                  error
	)

	for idx, item := range items {
		total++
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, item string) {
			defer wg.Done()
			defer func() { <-sem }()

			itemStack := stack.Clone()
			itemStack.Push(varctx.NewFrame(varctx.FrameAgentLocal))
			itemStack.Set("item", item)
			itemStack.Set("item.index", idx)

			itemEnv := *e.env
			itemEnv.Interp = e.env.Interp.WithStack(itemStack)
			itemExec := &Executor{env: &itemEnv}

			ok := true
			for _, inner := range cmd.Steps {
				res, err := itemExec.Execute(ctx, inner, itemStack)
				if err != nil || !res.Success {
					ok = false
					mu.Lock()
					if firstErr == nil && err != nil {
						firstErr = err
					}
					mu.Unlock()
					if !cmd.ContinueOnError {
						break
					}
				}
			}

			mu.Lock()
			if ok {
				successful++
			} else {
				failed++
			}
			mu.Unlock()
		}(idx, item)
	}
	wg.Wait()

	if firstErr != nil && !cmd.ContinueOnError {
		return nil, firstErr
	}

	summary := map[string]any{"total": total, "successful": successful, "failed": failed}
	data, _ := json.Marshal(summary)
	return &StepResult{Success: failed == 0 || cmd.ContinueOnError, Output: string(data), CapturedVariables: summary}, nil
}

func (e *Executor) resolveForeachItems(ctx context.Context, step workflow.Step, cmd workflow.ForeachCommand) ([]string, error) {
	if len(cmd.Items) > 0 {
		return cmd.Items, nil
	}
	source, err := e.env.Interp.RenderShell(cmd.Input)
	if err != nil {
		return nil, err
	}
	res, err := subprocess.Run(ctx, subprocess.Request{Program: "sh", Argv: []string{"-c", source}, Dir: e.resolveDir(step), Timeout: step.Timeout})
	if err != nil {
		return nil, &pkgerrors.SubprocessError{Program: "sh", Cause: err}
	}
	var items []string
	for _, line := range strings.Split(res.StdoutFull, "\n") {
		if strings.TrimSpace(line) != "" {
			items = append(items, line)
		}
	}
	return items, nil
}

func (e *Executor) runHandler(ctx context.Context, h *workflow.Handler, stack *varctx.Stack) {
	if h == nil || len(h.Steps) == 0 {
		return
	}
	for _, inner := range h.Steps {
		if _, err := e.Execute(ctx, inner, stack); err != nil {
			e.env.Log.Warn("handler step failed", "step_id", inner.ID, "error", err)
			return
		}
	}
}

func (e *Executor) captureOutputs(ctx context.Context, step workflow.Step, result *StepResult, stack *varctx.Stack) error {
	if len(step.Outputs) == 0 {
		return nil
	}
	if result.CapturedVariables == nil {
		result.CapturedVariables = make(map[string]any)
	}
	for _, oc := range step.Outputs {
		val, err := e.captureOne(ctx, oc, result.Output)
		if err != nil {
			return fmt.Errorf("stepexec: capture output %q: %w", oc.Name, err)
		}
		result.CapturedVariables[oc.Name] = val
		stack.SetGlobal(oc.Name, val)
	}
	return nil
}

func (e *Executor) captureOne(ctx context.Context, oc workflow.OutputCapture, output string) (any, error) {
	switch {
	case oc.Lines:
		var lines []string
		for _, l := range strings.Split(output, "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
		return lines, nil
	case oc.Regex != "":
		re, err := regexp.Compile(oc.Regex)
		if err != nil {
			return nil, err
		}
		m := re.FindStringSubmatch(output)
		if m == nil {
			return "", nil
		}
		if len(m) > 1 {
			return m[1], nil
		}
		return m[0], nil
	case oc.JSONPath != "":
		var data any
		if err := json.Unmarshal([]byte(output), &data); err != nil {
			return nil, err
		}
		if e.env.JQ == nil {
			return nil, fmt.Errorf("no jq executor configured")
		}
		return e.env.JQ.Execute(ctx, oc.JSONPath, data)
	default:
		return output, nil
	}
}
