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

package workflow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
)

// normalize translates a rawDocument into the internal Workflow
// representation. It is pure and total: every field named in the schema
// is mapped onto a named field of Workflow/Step, and unknown top-level
// keys were already rejected by parseRaw's KnownFields(true) decoder.
func normalize(raw *rawDocument, sourcePath string, opts Options) (*Workflow, error) {
	wf := &Workflow{
		Name:       raw.Name,
		SourcePath: sourcePath,
		Env:        raw.Env,
	}
	if wf.Env == nil {
		wf.Env = make(map[string]any)
	}

	switch raw.Mode {
	case "", "sequential":
		wf.Mode = ModeSequential
	case "mapreduce":
		wf.Mode = ModeMapReduce
	default:
		return nil, &pkgerrors.ConfigError{
			Key:    "mode",
			Reason: fmt.Sprintf("unknown mode %q", raw.Mode),
			Remedy: "Valid modes are: sequential, mapreduce",
		}
	}

	if wf.Mode == ModeMapReduce {
		if raw.Map == nil {
			return nil, &pkgerrors.ConfigError{Key: "map", Reason: "mapreduce workflows require a \"map\" block"}
		}
		spec, err := normalizeMapReduce(raw)
		if err != nil {
			return nil, err
		}
		wf.MapReduce = spec
		return wf, nil
	}

	steps, err := normalizeStepList(raw.Steps)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps

	wf.RequiresArguments = stepsReferenceArg(steps)

	if len(opts.Args) > 0 {
		wf.Mode = ModeWithArguments
	} else if len(steps) == 1 {
		if _, ok := steps[0].Command.(ForeachCommand); ok {
			wf.Mode = ModeForeachWrapper
		}
	}

	return wf, nil
}

// stepsReferenceArg reports whether any step's command interpolates
// ${ARG}, the per-iteration variable of with-arguments mode.
func stepsReferenceArg(steps []Step) bool {
	const ref = "${ARG"
	for _, s := range steps {
		switch c := s.Command.(type) {
		case ShellCommand:
			if strings.Contains(c.Line, ref) {
				return true
			}
		case ClaudeCommand:
			if strings.Contains(c.Prompt, ref) {
				return true
			}
		case WriteFileCommand:
			if strings.Contains(c.Path, ref) || strings.Contains(c.Content, ref) {
				return true
			}
		case GoalSeekCommand:
			if strings.Contains(c.Goal, ref) || strings.Contains(c.Validation, ref) {
				return true
			}
		case ForeachCommand:
			if strings.Contains(c.Input, ref) || stepsReferenceArg(c.Steps) {
				return true
			}
		}
	}
	return false
}

func normalizeMapReduce(raw *rawDocument) (*MapReduceSpec, error) {
	setup, err := normalizeStepList(raw.Setup)
	if err != nil {
		return nil, err
	}
	reduce, err := normalizeStepList(raw.Reduce)
	if err != nil {
		return nil, err
	}
	agentMerge, err := normalizeStepList(raw.AgentMerge)
	if err != nil {
		return nil, err
	}
	merge, err := normalizeStepList(raw.Merge)
	if err != nil {
		return nil, err
	}
	agentTemplate, err := normalizeStepList(raw.Map.AgentTemplate)
	if err != nil {
		return nil, err
	}

	maxParallel := raw.Map.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	spec := &MapReduceSpec{
		Setup:      setup,
		Reduce:     reduce,
		AgentMerge: agentMerge,
		Merge:      merge,
		Map: MapPhase{
			Input:         raw.Map.Input,
			JSONPath:      raw.Map.JSONPath,
			ItemIDPath:    raw.Map.ItemID,
			AgentTemplate: agentTemplate,
			MaxParallel:   maxParallel,
			AgentTimeout:  time.Duration(raw.Map.AgentTimeoutSecs) * time.Second,
		},
		ErrorPolicy:   normalizeErrorPolicy(raw.ErrorPolicy),
		MergeStrategy: normalizeMergeStrategy(raw.MergeStrategy),
	}
	return spec, nil
}

func normalizeMergeStrategy(s string) MergeStrategy {
	switch MergeStrategy(s) {
	case MergeOurs, MergeTheirs, MergeUnion, MergeClaude, MergeFailOnConflict:
		return MergeStrategy(s)
	default:
		return MergeFailOnConflict
	}
}

func normalizeErrorPolicy(raw *rawErrorPolicy) ErrorPolicy {
	ep := ErrorPolicy{
		OnItemFailure:   OnItemFailureDLQ,
		ErrorCollection: ErrorCollectionImmediate,
	}
	if raw == nil {
		return ep
	}
	if raw.OnItemFailure != "" {
		ep.OnItemFailure = ErrorPolicyKind(raw.OnItemFailure)
	}
	if raw.ErrorCollection != "" {
		ep.ErrorCollection = ErrorCollectionMode(raw.ErrorCollection)
	}
	ep.ContinueOnFailure = raw.ContinueOnFailure
	ep.MaxFailures = raw.MaxFailures
	ep.MaxRetryAttempts = raw.MaxRetryAttempts
	return ep
}

func normalizeStepList(raws []rawStep) ([]Step, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	steps := make([]Step, 0, len(raws))
	seenIDs := make(map[string]int)
	for i, r := range raws {
		step, err := normalizeStep(r, i)
		if err != nil {
			return nil, err
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("step_%d", i+1)
		}
		if n, dup := seenIDs[step.ID]; dup {
			seenIDs[step.ID] = n + 1
			step.ID = fmt.Sprintf("%s_%d", step.ID, n)
		} else {
			seenIDs[step.ID] = 1
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func normalizeStep(r rawStep, index int) (Step, error) {
	cmd, err := normalizeCommand(r, index)
	if err != nil {
		return Step{}, err
	}

	timeout, err := parseDuration("timeout", r.Timeout)
	if err != nil {
		return Step{}, err
	}

	step := Step{
		ID:             r.ID,
		Name:           r.Name,
		Command:        cmd,
		Timeout:        timeout,
		WorkingDir:     r.WorkingDir,
		Env:            r.Env,
		CommitRequired: r.CommitRequired,
		When:           r.When,
	}

	if r.Validate != nil {
		vTimeout, err := parseDuration("validate.timeout", r.Validate.Timeout)
		if err != nil {
			return Step{}, err
		}
		step.Validate = &ValidateSpec{Command: r.Validate.Command, Timeout: vTimeout}
	}

	handlers, err := normalizeHandlers(r)
	if err != nil {
		return Step{}, err
	}
	step.Handlers = handlers

	outputs, err := normalizeOutputs(r)
	if err != nil {
		return Step{}, err
	}
	step.Outputs = outputs

	return step, nil
}

func normalizeCommand(r rawStep, index int) (Command, error) {
	set := 0
	var cmd Command
	if r.Shell != nil {
		set++
		cmd = ShellCommand{Line: *r.Shell}
	}
	if r.Claude != nil {
		set++
		cmd = ClaudeCommand{Prompt: *r.Claude}
	}
	if r.WriteFile != nil {
		set++
		cmd = WriteFileCommand{
			Path:       r.WriteFile.Path,
			Content:    r.WriteFile.Content,
			Format:     r.WriteFile.Format,
			Mode:       r.WriteFile.Mode,
			CreateDirs: r.WriteFile.CreateDirs,
		}
	}
	if r.GoalSeek != nil {
		set++
		attempts := r.GoalSeek.Attempts
		if attempts <= 0 {
			attempts = 1
		}
		cmd = GoalSeekCommand{Goal: r.GoalSeek.Goal, Attempts: attempts, Validation: r.GoalSeek.Validate}
	}
	if r.Foreach != nil {
		set++
		parallel := r.Foreach.Parallel
		if parallel <= 0 {
			parallel = 1
		}
		inner, err := normalizeStepList(r.Foreach.Steps)
		if err != nil {
			return nil, err
		}
		fe := ForeachCommand{Parallel: parallel, Steps: inner, ContinueOnError: r.Foreach.ContinueOnError}
		if r.Foreach.Input.IsList {
			fe.Items = r.Foreach.Input.List
		} else {
			fe.Input = r.Foreach.Input.Str
		}
		cmd = fe
	}

	switch set {
	case 0:
		return nil, &pkgerrors.ConfigError{
			Key:    fmt.Sprintf("steps[%d]", index),
			Reason: "step names no command",
			Remedy: "Give the step exactly one of: shell, claude, write_file, goal_seek, foreach",
		}
	case 1:
		return cmd, nil
	default:
		return nil, &pkgerrors.ConfigError{
			Key:    fmt.Sprintf("steps[%d]", index),
			Reason: "step specifies more than one command variant",
		}
	}
}

func normalizeHandlers(r rawStep) (Handlers, error) {
	var h Handlers
	if r.OnFailure != nil {
		handler, err := normalizeHandler(*r.OnFailure)
		if err != nil {
			return h, err
		}
		h.OnFailure = handler
	}
	if r.OnSuccess != nil {
		handler, err := normalizeHandler(*r.OnSuccess)
		if err != nil {
			return h, err
		}
		h.OnSuccess = handler
	}
	if len(r.OnExitCode) > 0 {
		h.OnExitCode = make(map[int]*Handler, len(r.OnExitCode))
		for code, raw := range r.OnExitCode {
			n, err := strconv.Atoi(code)
			if err != nil {
				return h, &pkgerrors.ConfigError{Key: "on_exit_code", Reason: fmt.Sprintf("exit code key %q is not an integer", code)}
			}
			handler, err := normalizeHandler(raw)
			if err != nil {
				return h, err
			}
			h.OnExitCode[n] = handler
		}
	}
	return h, nil
}

func normalizeHandler(r rawHandler) (*Handler, error) {
	steps, err := normalizeStepList(r.Steps)
	if err != nil {
		return nil, err
	}
	policy := HandlerPolicy(r.Policy)
	switch policy {
	case PolicyFail, PolicyContinue, PolicyRetry:
	case "":
		policy = PolicyFail
	default:
		return nil, &pkgerrors.ConfigError{Key: "policy", Reason: fmt.Sprintf("unknown handler policy %q", r.Policy)}
	}
	return &Handler{Steps: steps, Policy: policy, MaxAttempts: r.MaxAttempts}, nil
}

func normalizeOutputs(r rawStep) ([]OutputCapture, error) {
	var outputs []OutputCapture
	names := make([]string, 0, len(r.Outputs))
	for name := range r.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raw := r.Outputs[name]
		outputs = append(outputs, OutputCapture{
			Name:     name,
			Regex:    raw.Regex,
			JSONPath: raw.JSONPath,
			Lines:    raw.Lines,
		})
	}
	if r.CaptureOutput {
		id := r.ID
		if id == "" {
			id = "output"
		}
		outputs = append(outputs, OutputCapture{Name: id})
	}
	return outputs, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		if n, convErr := strconv.Atoi(s); convErr == nil {
			return time.Duration(n) * time.Second, nil
		}
		return 0, &pkgerrors.ConfigError{Key: field, Reason: fmt.Sprintf("invalid duration %q", s), Cause: err}
	}
	return d, nil
}
