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

// Package workflow holds the normalized internal representation of a
// workflow document, plus the YAML front-end (load.go) and the pure,
// total translation from parsed document to this representation
// (normalize.go).
package workflow

import "time"

// Mode selects how a Workflow's steps are driven.
type Mode string

const (
	ModeSequential     Mode = "sequential"
	ModeWithArguments  Mode = "with-arguments"
	ModeForeachWrapper Mode = "foreach-wrapper"
	ModeMapReduce      Mode = "mapreduce"
)

// Workflow is the normalized representation of a workflow document.
type Workflow struct {
	Name  string
	Mode  Mode
	Env   map[string]any
	Steps []Step // sequential / with-arguments / foreach-wrapper modes

	MapReduce *MapReduceSpec // populated only when Mode == ModeMapReduce

	// SourcePath is the filesystem path the workflow was loaded from, kept
	// for diagnostics and for computing a stable default job name.
	SourcePath string

	// RequiresArguments is true when a step references ${ARG}, meaning
	// the workflow is written to run once per supplied argument. Set by
	// normalization regardless of whether arguments were supplied, so
	// the CLI can prompt for them instead of interpolating empties.
	RequiresArguments bool
}

// Command is a tagged union over the five step command variants. New
// variants are added by extending this set and updating every exhaustive
// switch over commandMarker — never by introducing a parallel type
// hierarchy.
type Command interface {
	commandMarker()
	Kind() string
}

// ShellCommand runs a command line via "sh -c".
type ShellCommand struct {
	Line string
}

func (ShellCommand) commandMarker() {}
func (ShellCommand) Kind() string   { return "shell" }

// ClaudeCommand invokes the LLM CLI with a prompt.
type ClaudeCommand struct {
	Prompt string
}

func (ClaudeCommand) commandMarker() {}
func (ClaudeCommand) Kind() string   { return "claude" }

// WriteFileCommand writes content to a path.
type WriteFileCommand struct {
	Path       string
	Content    string
	Format     string // "", "json", "yaml" — "" means raw bytes
	Mode       string // octal file mode string, e.g. "0644"
	CreateDirs bool
}

func (WriteFileCommand) commandMarker() {}
func (WriteFileCommand) Kind() string   { return "write_file" }

// GoalSeekCommand repeatedly runs a command and a validator until the
// validator succeeds or attempts are exhausted.
type GoalSeekCommand struct {
	Goal       string
	Attempts   int
	Validation string // shell subcommand used to validate progress
}

func (GoalSeekCommand) commandMarker() {}
func (GoalSeekCommand) Kind() string   { return "goal_seek" }

// ForeachCommand evaluates an input source into a list and runs an inner
// step sequence once per item, bounded by Parallel concurrency.
type ForeachCommand struct {
	Input           string // literal list (YAML sequence) is normalized into Items; a string is a shell command or the "${...}" of a list variable
	Items           []string
	Parallel        int
	Steps           []Step
	ContinueOnError bool
}

func (ForeachCommand) commandMarker() {}
func (ForeachCommand) Kind() string   { return "foreach" }

// HandlerPolicy controls what a step does after its on_failure handler runs.
type HandlerPolicy string

const (
	PolicyFail     HandlerPolicy = "fail"
	PolicyContinue HandlerPolicy = "continue"
	PolicyRetry    HandlerPolicy = "retry"
)

// Handler is a step-attached reaction to an outcome: either a sub-workflow
// of steps to run, a bare policy, or both.
type Handler struct {
	Steps       []Step
	Policy      HandlerPolicy
	MaxAttempts int
}

// Handlers is the full handler set a step can carry.
type Handlers struct {
	OnFailure  *Handler
	OnSuccess  *Handler
	OnExitCode map[int]*Handler
}

// ValidateSpec is an independent post-command validation check, distinct
// from GoalSeekCommand's own validation loop.
type ValidateSpec struct {
	Command string
	Timeout time.Duration
}

// OutputCapture extracts a named variable from a step's stdout.
type OutputCapture struct {
	Name     string
	Regex    string
	JSONPath string
	Lines    bool // split stdout into a list by newline
}

// Step is the atomic unit of workflow execution.
type Step struct {
	ID             string
	Name           string
	Command        Command
	Validate       *ValidateSpec
	Handlers       Handlers
	Timeout        time.Duration
	WorkingDir     string
	Env            map[string]string
	Outputs        []OutputCapture
	CommitRequired bool
	When           string
}

// ErrorPolicyKind selects how the MapReduce orchestrator reacts to an
// item-level agent failure.
type ErrorPolicyKind string

const (
	OnItemFailureDLQ   ErrorPolicyKind = "dlq"
	OnItemFailureRetry ErrorPolicyKind = "retry"
	OnItemFailureFail  ErrorPolicyKind = "fail"
)

// ErrorCollectionMode controls whether the map phase stops at the first
// item failure or collects every failure before acting.
type ErrorCollectionMode string

const (
	ErrorCollectionImmediate ErrorCollectionMode = "immediate"
	ErrorCollectionAggregate ErrorCollectionMode = "aggregate"
)

// ErrorPolicy governs map-phase item failure handling.
type ErrorPolicy struct {
	OnItemFailure     ErrorPolicyKind
	ContinueOnFailure bool
	MaxFailures        int // 0 means unbounded; see Open Question: supersedes OnItemFailure as an abort condition
	ErrorCollection    ErrorCollectionMode
	MaxRetryAttempts   int
}

// MapPhase describes the fan-out stage of a MapReduce workflow.
type MapPhase struct {
	Input         string // path to a JSON file, or a shell command whose stdout lines become items
	JSONPath      string // gojq expression selecting items out of the parsed Input JSON
	ItemIDPath    string // dotted path within each item used as its stable item_id; empty means "use index"
	AgentTemplate []Step
	MaxParallel   int
	AgentTimeout  time.Duration
}

// MergeStrategy selects how worktree merge conflicts are resolved.
type MergeStrategy string

const (
	MergeFailOnConflict MergeStrategy = "fail_on_conflict"
	MergeOurs           MergeStrategy = "ours"
	MergeTheirs         MergeStrategy = "theirs"
	MergeUnion          MergeStrategy = "union"
	MergeClaude         MergeStrategy = "claude"
)

// MapReduceSpec is the full MapReduce workflow configuration.
type MapReduceSpec struct {
	Setup       []Step
	Map         MapPhase
	Reduce      []Step
	AgentMerge  []Step
	Merge       []Step
	ErrorPolicy ErrorPolicy

	MergeStrategy MergeStrategy
}
