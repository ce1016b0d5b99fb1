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

// Package sessions implements the "sessions" command group: enumerating
// and pruning sequential-session and MapReduce-job state directories
// under the state root, backed by pkg/state's rebuildable SQLite index.
package sessions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/prodigyhq/prodigy/internal/commands/shared"
	"github.com/prodigyhq/prodigy/internal/state"
	"github.com/prodigyhq/prodigy/pkg/checkpoint"
	"github.com/prodigyhq/prodigy/pkg/mapreduce"
	pkgstate "github.com/prodigyhq/prodigy/pkg/state"
)

// NewCommand creates the "sessions" command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and prune persisted session and job state",
	}
	cmd.AddCommand(newListCommand(), newCleanCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var jobGlob string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sequential sessions and MapReduce jobs under the state root",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), jobGlob)
		},
	}
	cmd.Flags().StringVar(&jobGlob, "job", "", "Only list ids matching this glob (e.g. 'nightly-*')")
	return cmd
}

func runList(ctx context.Context, jobGlob string) error {
	spin := shared.NewSpinner()
	if !shared.GetJSON() {
		spin.Start("scanning state root")
	}
	idx, err := syncIndex(ctx)
	spin.Stop()
	if err != nil {
		return shared.NewExecutionError("failed to sync sessions index", err)
	}
	defer idx.Close()

	records, err := idx.List(ctx)
	if err != nil {
		return shared.NewExecutionError("failed to list sessions", err)
	}

	var filtered []pkgstate.Record
	for _, r := range records {
		ok, err := shared.MatchJobGlob(jobGlob, r.ID)
		if err != nil {
			return shared.NewExecutionError("invalid --job glob", err)
		}
		if ok {
			filtered = append(filtered, r)
		}
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Sessions []pkgstate.Record `json:"sessions"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "sessions list", Success: true},
			Sessions:     filtered,
		})
	}

	if len(filtered) == 0 {
		fmt.Println("no sessions or jobs recorded")
		return nil
	}
	for _, r := range filtered {
		marker := shared.RenderStatus(r.Phase == string(mapreduce.PhaseDone), statusLabel(r.Phase))
		fmt.Printf("%s\t%s\t%s\trepo=%s\tupdated=%s\n",
			marker, r.ID, r.Kind, r.Repo, r.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func statusLabel(phase string) string {
	if phase == string(mapreduce.PhaseDone) {
		return "DONE"
	}
	return phase
}

func newCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Permanently delete finished sessions and jobs from disk",
		Long: `Clean removes every MapReduce job directory whose checkpoint records
mapreduce's "done" phase. Sequential session directories are listed by
"sessions list" but are not removed by clean. Requires --yes unless stdin
is a TTY, matching "dlq clear"'s confirmation gate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd.Context())
		},
	}
	return cmd
}

func runClean(ctx context.Context) error {
	spin := shared.NewSpinner()
	spin.Start("scanning state root")
	idx, err := syncIndex(ctx)
	spin.Stop()
	if err != nil {
		return shared.NewExecutionError("failed to sync sessions index", err)
	}
	defer idx.Close()

	records, err := idx.List(ctx)
	if err != nil {
		return shared.NewExecutionError("failed to list sessions", err)
	}

	var finished []pkgstate.Record
	for _, r := range records {
		if r.Kind == "mapreduce" && r.Phase == string(mapreduce.PhaseDone) {
			finished = append(finished, r)
		}
	}

	if len(finished) == 0 {
		fmt.Println("no finished sessions or jobs to clean")
		return nil
	}

	if shared.GetDryRun() {
		out := shared.NewDryRunOutput()
		for _, r := range finished {
			out.DryRunDelete(shared.PlaceholderPath(state.JobDir(r.ID), state.Root(), "<state-root>"))
		}
		fmt.Println(out.String())
		return nil
	}

	ok, err := shared.Confirm(
		"Delete finished sessions?",
		fmt.Sprintf("This will permanently delete %d finished job director%s.", len(finished), plural(len(finished))),
	)
	if err != nil {
		return shared.NewExecutionError("failed to confirm sessions clean", err)
	}
	if !ok {
		fmt.Printf("this will permanently delete %d finished job director%s; re-run with --yes to confirm\n",
			len(finished), plural(len(finished)))
		return nil
	}

	for _, r := range finished {
		dir := state.JobDir(r.ID)
		if err := os.RemoveAll(dir); err != nil {
			return shared.NewExecutionError(fmt.Sprintf("failed to remove %s", dir), err)
		}
		if err := idx.Remove(ctx, r.ID); err != nil {
			return shared.NewExecutionError("failed to update sessions index", err)
		}
	}
	fmt.Printf("cleaned %d finished job director%s\n", len(finished), plural(len(finished)))
	return nil
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

// syncIndex rebuilds the SQLite index from whatever job/session
// checkpoints currently exist on disk: the filesystem is the durable
// source of truth, the index only ever mirrors it.
func syncIndex(ctx context.Context) (*pkgstate.Index, error) {
	idx, err := pkgstate.OpenIndex(state.Root())
	if err != nil {
		return nil, err
	}

	jobsRoot := state.JobsRoot()
	entries, err := os.ReadDir(jobsRoot)
	if err != nil && !os.IsNotExist(err) {
		idx.Close()
		return nil, fmt.Errorf("sessions: read jobs root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jobID := e.Name()
		store, err := checkpoint.Open(filepath.Join(jobsRoot, jobID))
		if err != nil {
			continue
		}
		var js mapreduce.JobState
		if _, err := store.Load(&js); err != nil {
			continue
		}
		if err := idx.Upsert(ctx, pkgstate.Record{
			ID:        jobID,
			Repo:      "",
			Kind:      "mapreduce",
			Phase:     string(js.Phase),
			StartedAt: js.StartedAt,
			UpdatedAt: js.UpdatedAt,
		}); err != nil {
			idx.Close()
			return nil, err
		}
	}

	stateRoot := filepath.Join(state.Root(), "state")
	repoEntries, err := os.ReadDir(stateRoot)
	if err != nil && !os.IsNotExist(err) {
		idx.Close()
		return nil, fmt.Errorf("sessions: read state root: %w", err)
	}
	for _, repoEntry := range repoEntries {
		if !repoEntry.IsDir() {
			continue
		}
		repo := repoEntry.Name()
		sessionsDir := filepath.Join(stateRoot, repo, "sessions")
		sessionEntries, err := os.ReadDir(sessionsDir)
		if err != nil {
			continue
		}
		for _, se := range sessionEntries {
			if !se.IsDir() {
				continue
			}
			sessionID := se.Name()
			info, err := os.Stat(filepath.Join(sessionsDir, sessionID))
			if err != nil {
				continue
			}
			if err := idx.Upsert(ctx, pkgstate.Record{
				ID:        sessionID,
				Repo:      repo,
				Kind:      "sequential",
				Phase:     "in_progress",
				StartedAt: info.ModTime(),
				UpdatedAt: info.ModTime(),
			}); err != nil {
				idx.Close()
				return nil, err
			}
		}
	}

	return idx, nil
}
