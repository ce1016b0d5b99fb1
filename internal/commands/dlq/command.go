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

// Package dlq implements the "dlq" command group: inspecting, retrying,
// and clearing a MapReduce job's dead-letter queue outside of a full
// resume.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/prodigyhq/prodigy/internal/cli/format"
	"github.com/prodigyhq/prodigy/internal/cli/prompt"
	"github.com/prodigyhq/prodigy/internal/commands/shared"
	"github.com/prodigyhq/prodigy/internal/state"
	"github.com/prodigyhq/prodigy/pkg/checkpoint"
	"github.com/prodigyhq/prodigy/pkg/dlq"
	"github.com/prodigyhq/prodigy/pkg/mapreduce"
)

// NewCommand creates the "dlq" command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage a job's dead-letter queue",
	}
	cmd.AddCommand(newShowCommand(), newRetryCommand(), newClearCommand())
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show JOB_ID",
		Short: "List the items currently dead-lettered for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(args[0])
		},
	}
}

func runShow(jobID string) error {
	queue, err := dlq.Open(state.JobDir(jobID))
	if err != nil {
		return shared.NewExecutionError("failed to open DLQ", err)
	}
	items, err := queue.List()
	if err != nil {
		return shared.NewExecutionError("failed to list DLQ items", err)
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Items []dlq.Item `json:"items"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "dlq show", Success: true},
			Items:        items,
		})
	}

	if len(items) == 0 {
		fmt.Printf("no dead-lettered items for job %s\n", jobID)
		return nil
	}
	isTTY := format.IsTTY()
	for _, it := range items {
		fmt.Printf("%s\tfailures=%d\tlast_attempt=%s\tsignature=%s\treprocess_eligible=%t\n",
			it.ItemID, it.FailureCount, it.LastAttempt.Format(time.RFC3339), it.ErrorSignature, it.ReprocessEligible)
		for _, fd := range it.FailureHistory {
			fmt.Printf("\tattempt %d at %s (%s): %s [agent=%s step=%s duration=%dms]\n",
				fd.AttemptNumber, fd.Timestamp.Format(time.RFC3339), fd.ErrorType, fd.ErrorMessage,
				fd.AgentID, fd.StepFailed, fd.DurationMS)
			if fd.JSONLogLocation != nil {
				fmt.Printf("\t\tjson log: %s\n", *fd.JSONLogLocation)
			}
		}
		if it.WorktreeArtifacts != nil {
			fmt.Printf("\tworktree: %s (branch %s)\n", it.WorktreeArtifacts.WorktreePath, it.WorktreeArtifacts.BranchName)
			if len(it.WorktreeArtifacts.ConflictFiles) > 0 {
				fmt.Printf("\tconflicts: %s\n", strings.Join(it.WorktreeArtifacts.ConflictFiles, ", "))
			}
		}
		if len(it.ItemData) > 0 {
			rendered, err := format.JSON(it.ItemData, isTTY)
			if err != nil {
				fmt.Printf("\titem data: %s\n", string(it.ItemData))
			} else {
				fmt.Printf("\titem data:\n%s\n", indent(rendered, "\t"))
			}
		}
	}
	return nil
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func newRetryCommand() *cobra.Command {
	var itemsFlag string
	cmd := &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Move dead-lettered items back into the job's pending set",
		Long: `Retry removes the named items (or, with no --items flag, every item
currently in the DLQ) from the dead-letter queue and re-inserts them into
the job's checkpointed pending_items, preserving their failure history
and merging their retry count per the max-of-attempts invariant. A
subsequent "resume" picks them up like any other pending item.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []string
			if itemsFlag != "" {
				for _, id := range strings.Split(itemsFlag, ",") {
					id = strings.TrimSpace(id)
					if id != "" {
						ids = append(ids, id)
					}
				}
			}
			return runRetry(args[0], ids)
		},
	}
	cmd.Flags().StringVar(&itemsFlag, "items", "", "Comma-separated item ids to retry (default: all)")
	return cmd
}

func runRetry(jobID string, ids []string) error {
	jobDir := state.JobDir(jobID)
	queue, err := dlq.Open(jobDir)
	if err != nil {
		return shared.NewExecutionError("failed to open DLQ", err)
	}
	store, err := checkpoint.Open(jobDir)
	if err != nil {
		return shared.NewExecutionError("failed to open checkpoint store", err)
	}

	all, err := queue.List()
	if err != nil {
		return shared.NewExecutionError("failed to list DLQ items", err)
	}
	known := make([]string, 0, len(all))
	for _, it := range all {
		known = append(known, it.ItemID)
	}

	if len(ids) == 0 {
		// With no --items, an interactive session picks from the queue;
		// a non-interactive one (or --yes) retries everything.
		interactive := !shared.GetYes() && !shared.IsNonInteractive()
		selected, err := prompt.SelectItems(context.Background(), prompt.NewSurveyPrompter(interactive),
			fmt.Sprintf("retry which dead-lettered items for job %s?", jobID), known)
		if err != nil {
			return shared.NewExecutionError("failed to select DLQ items", err)
		}
		ids = selected
	} else if err := prompt.ValidateSelection(ids, known); err != nil {
		return shared.NewExecutionError("invalid --items selection", err)
	}
	if len(ids) == 0 {
		fmt.Printf("no dead-lettered items for job %s\n", jobID)
		return nil
	}

	retried, err := queue.Retry(ids)
	if err != nil {
		return shared.NewExecutionError("failed to retry DLQ items", err)
	}

	var js mapreduce.JobState
	if _, err := store.Load(&js); err != nil {
		return shared.NewExecutionError(fmt.Sprintf("failed to load checkpoint for job %q", jobID), err)
	}

	pending := make(map[string]bool, len(js.PendingItems))
	for _, id := range js.PendingItems {
		pending[id] = true
	}
	if js.ItemRetryCounts == nil {
		js.ItemRetryCounts = make(map[string]uint32)
	}
	if js.ItemData == nil {
		js.ItemData = make(map[string]json.RawMessage)
	}
	for _, it := range retried {
		if !pending[it.ItemID] {
			js.PendingItems = append(js.PendingItems, it.ItemID)
			pending[it.ItemID] = true
		}
		if it.FailureCount > js.ItemRetryCounts[it.ItemID] {
			js.ItemRetryCounts[it.ItemID] = it.FailureCount
		}
		if len(it.ItemData) > 0 {
			js.ItemData[it.ItemID] = it.ItemData
		}
	}

	if _, err := store.Save(&js, checkpoint.KeepVersions); err != nil {
		return shared.NewExecutionError("failed to save updated checkpoint", err)
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			RetriedItemIDs []string `json:"retried_item_ids"`
		}
		retriedIDs := make([]string, 0, len(retried))
		for _, it := range retried {
			retriedIDs = append(retriedIDs, it.ItemID)
		}
		return shared.EmitJSON(response{
			JSONResponse:   shared.JSONResponse{Version: "1.0", Command: "dlq retry", Success: true},
			RetriedItemIDs: retriedIDs,
		})
	}
	fmt.Printf("moved %d item(s) from the DLQ back into job %s's pending set\n", len(retried), jobID)
	return nil
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear JOB_ID",
		Short: "Permanently discard every dead-lettered item for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(args[0])
		},
	}
}

func runClear(jobID string) error {
	queue, err := dlq.Open(state.JobDir(jobID))
	if err != nil {
		return shared.NewExecutionError("failed to open DLQ", err)
	}

	if shared.GetDryRun() {
		items, err := queue.List()
		if err != nil {
			return shared.NewExecutionError("failed to list DLQ items", err)
		}
		out := shared.NewDryRunOutput()
		out.DryRunDeleteWithCount(
			shared.PlaceholderPath(state.JobDir(jobID), state.Root(), "<state-root>")+"/dlq.jsonl",
			fmt.Sprintf("%d entries", len(items)))
		fmt.Println(out.String())
		return nil
	}

	ok, err := shared.Confirm(
		"Discard DLQ?",
		fmt.Sprintf("This will permanently discard every dead-lettered item for job %s.", jobID),
	)
	if err != nil {
		return shared.NewExecutionError("failed to confirm DLQ clear", err)
	}
	if !ok {
		fmt.Printf("this will permanently discard every dead-lettered item for job %s; re-run with --yes to confirm\n", jobID)
		return nil
	}
	if err := queue.Clear(); err != nil {
		return shared.NewExecutionError("failed to clear DLQ", err)
	}
	fmt.Printf("cleared DLQ for job %s\n", jobID)
	return nil
}
