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
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prodigyhq/prodigy/internal/jq"
	"github.com/prodigyhq/prodigy/pkg/checkpoint"
	"github.com/prodigyhq/prodigy/pkg/dlq"
	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
	"github.com/prodigyhq/prodigy/pkg/events"
	"github.com/prodigyhq/prodigy/pkg/metrics"
	"github.com/prodigyhq/prodigy/pkg/stepexec"
	"github.com/prodigyhq/prodigy/pkg/subprocess"
	"github.com/prodigyhq/prodigy/pkg/varctx"
	"github.com/prodigyhq/prodigy/pkg/workflow"
	"github.com/prodigyhq/prodigy/pkg/worktree"
)

// Merger is the subset of pkg/worktree.Pool the orchestrator needs,
// named here so tests can substitute a fake without a real git
// repository.
type Merger interface {
	Acquire(ctx context.Context, req worktree.Request) (*worktree.Handle, error)
	Merge(ctx context.Context, targetDir, sourceBranch string, strategy workflow.MergeStrategy, resolve func(context.Context, string, []string) error) (worktree.MergeResult, error)
	HeadCommit(ctx context.Context, dir string) (string, error)
}

// Orchestrator drives one MapReduce job's setup/map/reduce/final-merge
// phases: agents fan out under a counting semaphore bounded by
// max_parallel, each wrapped around a worktree handle and a stepexec
// Executor.
type Orchestrator struct {
	spec       *workflow.MapReduceSpec
	worktrees  Merger
	checkpoint *checkpoint.Store
	dlq        *dlq.Queue
	events     *events.Logger
	jq         *jq.Executor
	metrics    *metrics.Recorder
	newExec    func(stack *varctx.Stack, workDir string) *stepexec.Executor
	jobID      string
	parentDir  string
	log        *slog.Logger
	onProgress func(completed, failed, total int)
}

// Config configures a new Orchestrator.
type Config struct {
	Spec       *workflow.MapReduceSpec
	Worktrees  Merger
	Checkpoint *checkpoint.Store
	DLQ        *dlq.Queue
	Events     *events.Logger
	JQ         *jq.Executor
	Metrics    *metrics.Recorder
	NewExecutor func(stack *varctx.Stack, workDir string) *stepexec.Executor
	JobID      string
	ParentDir  string
	Log        *slog.Logger

	// OnProgress, when set, is invoked after every terminal agent result
	// with the current completed/failed counts and the total item count.
	// Called from the orchestrator's result path, never concurrently.
	OnProgress func(completed, failed, total int)
}

// New returns an Orchestrator. When cfg.DLQ is set, it registers an
// eviction handler that surfaces the DLQ's size cap as an events.DLQEvicted
// entry and a metrics counter instead of leaving DLQFullError unraised.
func New(cfg Config) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	o := &Orchestrator{
		spec:       cfg.Spec,
		worktrees:  cfg.Worktrees,
		checkpoint: cfg.Checkpoint,
		dlq:        cfg.DLQ,
		events:     cfg.Events,
		jq:         cfg.JQ,
		metrics:    cfg.Metrics,
		newExec:    cfg.NewExecutor,
		jobID:      cfg.JobID,
		parentDir:  cfg.ParentDir,
		log:        cfg.Log,
		onProgress: cfg.OnProgress,
	}
	if cfg.DLQ != nil {
		cfg.DLQ.OnEviction(func(evicted dlq.Item, full *pkgerrors.DLQFullError) {
			o.log.Warn(full.Error(), "evicted_item_id", evicted.ItemID)
			o.metrics.ObserveDLQEviction()
			if o.events != nil {
				o.events.Emit(o.jobID, evicted.ItemID, events.DLQEvicted, map[string]any{
					"item_id":  evicted.ItemID,
					"capacity": full.Capacity,
				})
			}
		})
	}
	return o
}

// Run executes the full job: setup, map, reduce, final merge. js is the
// job state to continue from (a freshly constructed one for a new job,
// or one loaded from a checkpoint when resuming).
func (o *Orchestrator) Run(ctx context.Context, stack *varctx.Stack, js *JobState) error {
	if js.Phase == PhaseSetup {
		if err := o.runSetup(ctx, stack); err != nil {
			return fmt.Errorf("mapreduce: setup: %w", err)
		}
		js.Phase = PhaseMap
		if err := o.saveCheckpoint(js); err != nil {
			return err
		}
	}

	if js.Phase == PhaseMap {
		if len(js.PendingItems) == 0 {
			items, err := o.computeWorkItems(ctx, stack)
			if err != nil {
				return fmt.Errorf("mapreduce: compute work items: %w", err)
			}
			if js.ItemData == nil {
				js.ItemData = make(map[string]json.RawMessage, len(items))
			}
			for _, it := range items {
				js.PendingItems = append(js.PendingItems, it.ID)
				js.ItemData[it.ID] = it.Data
			}
		}
		if err := o.runMap(ctx, stack, js); err != nil {
			return fmt.Errorf("mapreduce: map phase: %w", err)
		}
		js.Phase = PhaseReduce
		if err := o.saveCheckpoint(js); err != nil {
			return err
		}
	}

	started := js.StartedAt
	if js.Phase == PhaseReduce {
		vars := ReduceVariables(js, time.Since(started))
		for k, v := range vars {
			stack.SetGlobal(k, v)
		}
		if err := o.runReduce(ctx, stack); err != nil {
			return fmt.Errorf("mapreduce: reduce: %w", err)
		}
		js.Phase = PhaseMerge
		if err := o.saveCheckpoint(js); err != nil {
			return err
		}
	}

	if js.Phase == PhaseMerge {
		if err := o.runFinalMerge(ctx, stack, js); err != nil {
			return fmt.Errorf("mapreduce: final merge: %w", err)
		}
		js.Phase = PhaseDone
		if err := o.saveCheckpoint(js); err != nil {
			return err
		}
	}

	o.metrics.ObserveJobCompleted()
	if o.events != nil {
		o.events.Emit(o.jobID, "", events.JobCompleted, map[string]any{"job_id": o.jobID})
	}
	return nil
}

func (o *Orchestrator) runSetup(ctx context.Context, stack *varctx.Stack) error {
	exec := o.newExec(stack, o.parentDir)
	for _, step := range o.spec.Setup {
		res, err := exec.Execute(ctx, step, stack)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("setup step %s failed: %s", step.ID, res.FailureMessage)
		}
	}
	return nil
}

func (o *Orchestrator) runReduce(ctx context.Context, stack *varctx.Stack) error {
	exec := o.newExec(stack, o.parentDir)
	for _, step := range o.spec.Reduce {
		res, err := exec.Execute(ctx, step, stack)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("reduce step %s failed: %s", step.ID, res.FailureMessage)
		}
	}
	return nil
}

func (o *Orchestrator) runFinalMerge(ctx context.Context, stack *varctx.Stack, js *JobState) error {
	if len(o.spec.Merge) == 0 {
		return nil
	}
	exec := o.newExec(stack, o.parentDir)
	for _, step := range o.spec.Merge {
		res, err := exec.Execute(ctx, step, stack)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("final merge step %s failed: %s", step.ID, res.FailureMessage)
		}
	}
	return nil
}

// computeWorkItems evaluates the map phase's input source into a list
// of WorkItems, per the configured selection strategy.
func (o *Orchestrator) computeWorkItems(ctx context.Context, stack *varctx.Stack) ([]WorkItem, error) {
	mp := o.spec.Map

	var raw []byte
	if mp.JSONPath != "" || strings.HasSuffix(mp.Input, ".json") {
		data, err := os.ReadFile(mp.Input)
		if err != nil {
			return nil, fmt.Errorf("read input file %s: %w", mp.Input, err)
		}
		raw = data
	} else {
		res, err := subprocess.Run(ctx, subprocess.Request{Program: "sh", Argv: []string{"-c", mp.Input}, Dir: o.parentDir})
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, l := range strings.Split(res.StdoutFull, "\n") {
			if strings.TrimSpace(l) != "" {
				lines = append(lines, l)
			}
		}
		items := make([]WorkItem, len(lines))
		for i, l := range lines {
			data, _ := json.Marshal(l)
			items[i] = WorkItem{ID: strconv.Itoa(i), Data: data}
		}
		return items, nil
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse input JSON: %w", err)
	}

	var list []any
	if mp.JSONPath != "" && o.jq != nil {
		selected, err := o.jq.SelectList(ctx, mp.JSONPath, parsed)
		if err != nil {
			return nil, fmt.Errorf("json_path selection: %w", err)
		}
		list = selected
	} else {
		arr, ok := parsed.([]any)
		if !ok {
			return nil, fmt.Errorf("map input did not resolve to a JSON array")
		}
		list = arr
	}

	items := make([]WorkItem, 0, len(list))
	for i, elem := range list {
		data, err := json.Marshal(elem)
		if err != nil {
			return nil, err
		}
		id := strconv.Itoa(i)
		if mp.ItemIDPath != "" {
			if m, ok := elem.(map[string]any); ok {
				if v, ok := m[mp.ItemIDPath]; ok {
					id = fmt.Sprintf("%v", v)
				}
			}
		}
		items = append(items, WorkItem{ID: id, Data: data})
	}
	return items, nil
}

// defaultRetryAttempts bounds on_item_failure: retry when a workflow sets
// it without an explicit max_retry_attempts.
const defaultRetryAttempts = 3

// runMap launches one agent per pending item, bounded by max_parallel, and
// enforces error_policy: max_failures stops dispatching new agents once
// the failed-item count reaches it (already in-flight agents still finish,
// and the rest are left in PendingItems for a later resume); on_item_failure:
// fail aborts the phase once any item fails, immediately under
// error_collection: immediate (the default) or only after every dispatched
// item finishes under error_collection: aggregate; on_item_failure: retry
// retries an item in place (see runAgentWithRetry) before it ever reaches
// recordResult as a terminal failure.
func (o *Orchestrator) runMap(ctx context.Context, stack *varctx.Stack, js *JobState) error {
	policy := o.spec.ErrorPolicy
	onFailure := policy.OnItemFailure
	if onFailure == "" {
		onFailure = workflow.OnItemFailureDLQ
	}
	collection := policy.ErrorCollection
	if collection == "" {
		collection = workflow.ErrorCollectionImmediate
	}

	sem := make(chan struct{}, o.spec.Map.MaxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failAbortErr error
	stopDispatch := false

	pending := js.PendingItems
	js.PendingItems = nil
	totalItems := len(pending) + len(js.CompletedAgents) + len(js.FailedAgents)

	for workerIdx, itemID := range pending {
		// Take a slot before checking the policy, so the check sees the
		// result of every agent that has already given its slot back.
		sem <- struct{}{}
		mu.Lock()
		maxFailuresHit := policy.MaxFailures > 0 && len(js.FailedAgents) >= policy.MaxFailures
		if stopDispatch || maxFailuresHit {
			js.PendingItems = append(js.PendingItems, itemID)
			mu.Unlock()
			<-sem
			continue
		}
		item := WorkItem{ID: itemID, Data: js.ItemData[itemID]}
		mu.Unlock()

		wg.Add(1)
		go func(workerIdx int, item WorkItem) {
			defer wg.Done()
			defer func() { <-sem }()

			result, attempts := o.runAgentWithRetry(ctx, stack, item, workerIdx, onFailure, policy)

			mu.Lock()
			defer mu.Unlock()
			o.recordResult(js, item, result, attempts)
			if o.onProgress != nil {
				o.onProgress(len(js.CompletedAgents), len(js.FailedAgents), totalItems)
			}
			if err := o.saveCheckpoint(js); err != nil {
				o.log.Error("checkpoint write failed after agent result", "item_id", item.ID, "error", err)
			}
			if result.Status != StatusSuccess && onFailure == workflow.OnItemFailureFail {
				if failAbortErr == nil {
					failAbortErr = fmt.Errorf("item %s failed under on_item_failure: fail: %s", item.ID, result.ErrorMessage)
				}
				if collection != workflow.ErrorCollectionAggregate {
					stopDispatch = true
				}
			}
		}(workerIdx, item)
	}
	wg.Wait()
	return failAbortErr
}

// runAgentWithRetry runs one item to a terminal result, retrying in place
// with linear backoff when error_policy.on_item_failure is "retry". The
// returned attempt count feeds recordResult's item_retry_counts bookkeeping
// so a single call can account for more than one underlying attempt.
func (o *Orchestrator) runAgentWithRetry(ctx context.Context, parentStack *varctx.Stack, item WorkItem, workerIdx int, onFailure workflow.ErrorPolicyKind, policy workflow.ErrorPolicy) (AgentResult, uint32) {
	maxAttempts := 1
	if onFailure == workflow.OnItemFailureRetry {
		maxAttempts = policy.MaxRetryAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultRetryAttempts
		}
	}

	var result AgentResult
	var attempt uint32
	for attempt = 1; attempt <= uint32(maxAttempts); attempt++ {
		result = o.runAgent(ctx, parentStack, item, workerIdx)
		if result.Status == StatusSuccess || attempt == uint32(maxAttempts) {
			break
		}
		select {
		case <-ctx.Done():
			return result, attempt
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return result, attempt
}

func (o *Orchestrator) recordResult(js *JobState, item WorkItem, result AgentResult, attemptsUsed uint32) {
	itemID := item.ID
	js.AgentResults[itemID] = result
	js.UpdatedAt = time.Now()
	o.metrics.ObserveAgentResult(string(result.Status), time.Duration(result.DurationMS)*time.Millisecond)

	if result.Status == StatusSuccess {
		js.CompletedAgents[itemID] = struct{}{}
		delete(js.FailedAgents, itemID)
		return
	}

	if attemptsUsed == 0 {
		attemptsUsed = 1
	}
	attempt := js.ItemRetryCounts[itemID] + attemptsUsed
	js.ItemRetryCounts[itemID] = attempt
	js.FailedAgents[itemID] = FailureRecord{
		Attempts:    attempt,
		LastError:   result.ErrorMessage,
		LastAttempt: time.Now(),
		WorktreeInfo: &WorktreeInfo{
			Path:   result.WorktreePath,
			Branch: result.BranchName,
		},
	}

	if o.dlq != nil {
		outcome := dlq.AgentOutcome{
			ItemID:          itemID,
			ItemData:        item.Data,
			Status:          string(result.Status),
			ErrorType:       classifyError(result.ErrorMessage),
			ErrorMessage:    result.ErrorMessage,
			AgentID:         itemID,
			StepFailed:      result.StepFailed,
			DurationMS:      result.DurationMS,
			JSONLogLocation: result.JSONLogLocation,
			BranchName:      result.BranchName,
			WorktreePath:    result.WorktreePath,
		}
		detail, ok := dlq.FromAgentOutcome(outcome, attempt, time.Now())
		if ok {
			if err := o.dlq.Add(outcome, *detail); err != nil {
				o.log.Error("dlq add failed", "item_id", itemID, "error", err)
			} else {
				o.metrics.ObserveDLQWrite()
				if o.events != nil {
					o.events.Emit(o.jobID, itemID, events.DLQAdded, map[string]any{"item_id": itemID})
				}
			}
		}
	}
}

func classifyError(msg string) string {
	if strings.Contains(msg, "permission denied") {
		return "permission_error"
	}
	return "generic_error"
}

// itemValue parses a work item's JSON payload into the value bound to
// ${item}: a map so ${item.field} can descend into it (pkg/interp's
// descend requires a map[string]any, not raw JSON bytes), a slice or
// scalar for non-object payloads, or the bare item id when there is no
// payload at all.
func itemValue(item WorkItem) any {
	if len(item.Data) == 0 {
		return item.ID
	}
	var parsed any
	if err := json.Unmarshal(item.Data, &parsed); err != nil {
		return string(item.Data)
	}
	return parsed
}

// runAgent runs the full per-agent sequence: acquire a worktree, run the
// agent template, run agent_merge, merge to parent, release.
func (o *Orchestrator) runAgent(ctx context.Context, parentStack *varctx.Stack, item WorkItem, workerIdx int) AgentResult {
	itemID := item.ID
	start := time.Now()

	if o.events != nil {
		o.events.Emit(o.jobID, itemID, events.AgentStarted, map[string]any{"item_id": itemID, "worker_id": workerIdx})
	}

	agentCtx := ctx
	if o.spec.Map.AgentTimeout > 0 {
		var cancel context.CancelFunc
		agentCtx, cancel = context.WithTimeout(ctx, o.spec.Map.AgentTimeout)
		defer cancel()
	}

	handle, err := o.worktrees.Acquire(agentCtx, worktree.Request{Kind: worktree.Anonymous, JobID: o.jobID, ItemID: itemID})
	if err != nil {
		return o.failResult(itemID, "", start, fmt.Sprintf("acquire worktree: %v", err))
	}
	defer handle.Release()

	stack := parentStack.Clone()
	stack.Push(varctx.NewFrame(varctx.FrameAgentLocal))
	stack.Set("item", itemValue(item))
	stack.Set("item.index", workerIdx)
	stack.Set("worker.id", workerIdx)

	exec := o.newExec(stack, handle.Path)

	var lastOutput string
	for _, step := range o.spec.Map.AgentTemplate {
		res, err := exec.Execute(agentCtx, step, stack)
		if err != nil {
			if agentCtx.Err() == context.DeadlineExceeded {
				return o.timeoutResult(itemID, step.ID, start, handle)
			}
			return o.failResult(itemID, step.ID, start, err.Error(), handle)
		}
		lastOutput = res.Output
		if !res.Success {
			return o.failResult(itemID, step.ID, start, res.FailureMessage, handle)
		}
	}

	for _, step := range o.spec.AgentMerge {
		res, err := exec.Execute(agentCtx, step, stack)
		if err != nil || !res.Success {
			msg := res.FailureMessage
			if err != nil {
				msg = err.Error()
			}
			return o.failResult(itemID, step.ID, start, fmt.Sprintf("agent_merge: %s", msg), handle)
		}
	}

	mergeRes, err := o.worktrees.Merge(agentCtx, o.parentDir, handle.Branch, o.spec.MergeStrategy, nil)
	if err != nil {
		return o.failResult(itemID, "merge", start, fmt.Sprintf("merge to parent: %v", err), handle)
	}

	head, _ := o.worktrees.HeadCommit(agentCtx, o.parentDir)
	var commits []string
	if head != "" {
		commits = append(commits, head)
	}

	if o.events != nil {
		o.events.Emit(o.jobID, itemID, events.AgentCompleted, map[string]any{"item_id": itemID, "merged": mergeRes.Merged})
	}

	return AgentResult{
		ItemID:       itemID,
		Status:       StatusSuccess,
		Output:       lastOutput,
		Commits:      commits,
		DurationMS:   time.Since(start).Milliseconds(),
		WorktreePath: handle.Path,
		BranchName:   handle.Branch,
	}
}

func (o *Orchestrator) failResult(itemID, stepID string, start time.Time, msg string, handle ...*worktree.Handle) AgentResult {
	if o.events != nil {
		o.events.Emit(o.jobID, itemID, events.AgentFailed, map[string]any{"item_id": itemID, "error": msg})
	}
	r := AgentResult{ItemID: itemID, Status: StatusFailed, ErrorMessage: msg, StepFailed: stepID, DurationMS: time.Since(start).Milliseconds()}
	if len(handle) > 0 && handle[0] != nil {
		r.WorktreePath = handle[0].Path
		r.BranchName = handle[0].Branch
	}
	return r
}

func (o *Orchestrator) timeoutResult(itemID, stepID string, start time.Time, handle *worktree.Handle) AgentResult {
	if o.events != nil {
		o.events.Emit(o.jobID, itemID, events.AgentFailed, map[string]any{"item_id": itemID, "timeout": true})
	}
	return AgentResult{
		ItemID:       itemID,
		Status:       StatusTimeout,
		ErrorMessage: "agent timed out",
		StepFailed:   stepID,
		DurationMS:   time.Since(start).Milliseconds(),
		WorktreePath: handle.Path,
		BranchName:   handle.Branch,
	}
}

func (o *Orchestrator) saveCheckpoint(js *JobState) error {
	if o.checkpoint == nil {
		return nil
	}
	version, err := o.checkpoint.Save(js, checkpoint.KeepVersions)
	if err != nil {
		return err
	}
	js.CheckpointVersion = version
	o.metrics.ObserveCheckpointSaved()
	if o.events != nil {
		o.events.Emit(o.jobID, "", events.CheckpointSaved, map[string]any{"version": version, "phase": string(js.Phase)})
	}
	return nil
}
