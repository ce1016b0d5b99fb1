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

// Package events implements the "events show" subcommand: replaying a
// job's append-only event log, optionally filtered by timestamp or
// kind, rendered flat or as an execution timeline.
package events

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/prodigyhq/prodigy/internal/cli/timeline"
	"github.com/prodigyhq/prodigy/internal/commands/shared"
	"github.com/prodigyhq/prodigy/internal/state"
	"github.com/prodigyhq/prodigy/internal/util"
	"github.com/prodigyhq/prodigy/pkg/events"
)

// NewCommand creates the "events" command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect a job's event log",
	}
	cmd.AddCommand(newShowCommand())
	return cmd
}

func newShowCommand() *cobra.Command {
	var (
		since        string
		kinds        string
		showTimeline bool
	)
	cmd := &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Replay the events emitted for a job",
		Long: `Show prints every event in JOB_ID's append-only event log in the
order it was recorded: job/step/agent lifecycle transitions,
checkpoint saves, DLQ additions, and resume starts.

With --timeline, paired start/completion events are rendered as an
ASCII execution timeline instead of a flat listing.

With --dry-run, show previews retention cleanup: it reports which
events are older than the retention window without removing them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(args[0], since, kinds, showTimeline)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Only show events at or after this RFC3339 timestamp")
	cmd.Flags().StringVar(&kinds, "kind", "", "Comma-separated event kinds to show (default: all)")
	cmd.Flags().BoolVar(&showTimeline, "timeline", false, "Render paired events as an execution timeline")
	return cmd
}

func runShow(jobID, since, kinds string, showTimeline bool) error {
	evts, err := events.Read(state.EventsPath(jobID))
	if err != nil {
		return shared.NewExecutionError(fmt.Sprintf("failed to read events for job %q", jobID), err)
	}

	if shared.GetDryRun() {
		return previewRetention(jobID, evts)
	}

	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return shared.NewExecutionError("invalid --since timestamp", err)
		}
		evts = events.Since(evts, t)
	}

	if kinds != "" {
		var wanted []string
		for _, k := range strings.Split(kinds, ",") {
			if k = strings.TrimSpace(k); k != "" {
				wanted = append(wanted, k)
			}
		}
		var filtered []events.Event
		for _, e := range evts {
			if util.Contains(wanted, string(e.Kind)) {
				filtered = append(filtered, e)
			}
		}
		evts = filtered
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Events []events.Event `json:"events"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "events show", Success: true},
			Events:       evts,
		})
	}

	if len(evts) == 0 {
		fmt.Printf("no events recorded for job %s\n", jobID)
		return nil
	}

	if showTimeline {
		return renderTimeline(jobID, evts)
	}

	for _, e := range evts {
		fmt.Printf("%s\t%s", e.Timestamp.Format(time.RFC3339), e.Kind)
		if e.CorrelationID != "" {
			fmt.Printf("\t%s", e.CorrelationID)
		}
		fmt.Println()
		keys := make([]string, 0, len(e.Payload))
		for k := range e.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("\t%s=%v\n", k, e.Payload[k])
		}
	}
	return nil
}

// previewRetention reports which events are past the retention window
// without touching the log.
func previewRetention(jobID string, evts []events.Event) error {
	cutoff := time.Now().Add(-events.DefaultRetention)
	expired, kept := events.Partition(evts, cutoff)

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Cutoff       time.Time `json:"cutoff"`
			ExpiredCount int       `json:"expired_count"`
			KeptCount    int       `json:"kept_count"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "events show", Success: true, DryRun: true},
			Cutoff:       cutoff,
			ExpiredCount: len(expired),
			KeptCount:    len(kept),
		})
	}

	fmt.Printf("retention preview for job %s: %d event(s) older than %s would be removed, %d kept\n",
		jobID, len(expired), cutoff.Format(time.RFC3339), len(kept))
	return nil
}

// renderTimeline reconstructs execution spans from paired events and
// renders them as an ASCII timeline. Steps pair StepStarted with
// StepCompleted by step id; agents pair AgentStarted with
// AgentCompleted or AgentFailed by item id.
func renderTimeline(jobID string, evts []events.Event) error {
	open := make(map[string]*timeline.Span)
	var spans []*timeline.Span

	for _, e := range evts {
		switch e.Kind {
		case events.StepStarted:
			// Claude stream events reuse StepStarted with a claude_event
			// payload; those are not span starts.
			if _, isStream := e.Payload["claude_event"]; isStream {
				continue
			}
			key := "step:" + e.CorrelationID
			if _, dup := open[key]; dup {
				continue
			}
			open[key] = &timeline.Span{
				SpanID:    key,
				Name:      e.CorrelationID,
				StartTime: e.Timestamp,
			}
		case events.StepCompleted:
			key := "step:" + e.CorrelationID
			if sp, ok := open[key]; ok {
				sp.EndTime = e.Timestamp
				if success, ok := e.Payload["success"].(bool); ok && !success {
					sp.Status = timeline.StatusCodeError
				}
				spans = append(spans, sp)
				delete(open, key)
			}
		case events.AgentStarted:
			key := "agent:" + e.CorrelationID
			open[key] = &timeline.Span{
				SpanID:    key,
				Name:      "agent " + e.CorrelationID,
				StartTime: e.Timestamp,
			}
		case events.AgentCompleted, events.AgentFailed:
			key := "agent:" + e.CorrelationID
			if sp, ok := open[key]; ok {
				sp.EndTime = e.Timestamp
				if e.Kind == events.AgentFailed {
					sp.Status = timeline.StatusCodeError
				}
				spans = append(spans, sp)
				delete(open, key)
			}
		}
	}

	if len(spans) == 0 {
		fmt.Printf("no paired start/completion events for job %s\n", jobID)
		return nil
	}

	renderer, err := timeline.NewRenderer()
	if err != nil {
		return shared.NewExecutionError("failed to initialize timeline renderer", err)
	}
	out, err := renderer.Render(jobID, spans)
	if err != nil {
		return shared.NewExecutionError("failed to render timeline", err)
	}
	fmt.Print(out)
	return nil
}
