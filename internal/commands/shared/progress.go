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

package shared

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

// ProgressDisplay renders live execution progress: step-by-step lines
// for a sequential run, a single updating counter line for a map phase.
// Falls back to plain per-event lines when stdout is not a TTY or when
// quiet mode disables progress entirely.
type ProgressDisplay struct {
	mu    sync.Mutex
	isTTY bool
	quiet bool

	workflowName string
	jobID        string
	startTime    time.Time

	// Map-phase counters; the last rendered line is overwritten in place
	// on a TTY.
	lineOpen bool
}

// NewProgressDisplay creates a ProgressDisplay. quiet suppresses all
// progress output (errors still reach stderr through the logger).
func NewProgressDisplay(quiet bool) *ProgressDisplay {
	return &ProgressDisplay{
		isTTY: term.IsTerminal(int(os.Stdout.Fd())),
		quiet: quiet,
	}
}

// Start announces the run.
func (p *ProgressDisplay) Start(workflowName, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet {
		return
	}
	p.workflowName = workflowName
	p.jobID = jobID
	p.startTime = time.Now()
	fmt.Printf("%s %s (job %s)\n", Bold.Render("running"), workflowName, jobID)
}

// StepCompleted prints one line per finished sequential step.
func (p *ProgressDisplay) StepCompleted(stepID string, index, total int, success, skipped bool, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet {
		return
	}
	p.closeLine()

	status := RenderOK(stepID)
	switch {
	case skipped:
		status = Muted.Render(SymbolInfo) + " " + stepID + Muted.Render(" (skipped)")
	case !success:
		status = RenderError(stepID)
	}
	fmt.Printf("  [%d/%d] %s %s\n", index+1, total, status, Muted.Render(formatElapsed(duration)))
}

// AgentProgress updates the map-phase counter line in place on a TTY,
// or prints a fresh line otherwise.
func (p *ProgressDisplay) AgentProgress(completed, failed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet {
		return
	}

	line := fmt.Sprintf("  map phase: %d/%d agents done", completed+failed, total)
	if failed > 0 {
		line += StatusError.Render(fmt.Sprintf(" (%d failed)", failed))
	}

	if p.isTTY {
		fmt.Printf("\r\x1b[2K%s", line)
		p.lineOpen = true
		return
	}
	fmt.Println(line)
}

// Finish closes any in-place line and prints the overall outcome.
func (p *ProgressDisplay) Finish(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet {
		return
	}
	p.closeLine()

	elapsed := formatElapsed(time.Since(p.startTime))
	if success {
		fmt.Printf("%s %s\n", RenderOK(p.workflowName), Muted.Render(elapsed))
		return
	}
	fmt.Printf("%s %s\n", RenderError(p.workflowName), Muted.Render(elapsed))
}

// closeLine terminates an in-place map-phase line so subsequent output
// starts on a fresh line. Callers hold p.mu.
func (p *ProgressDisplay) closeLine() {
	if p.lineOpen {
		fmt.Println()
		p.lineOpen = false
	}
}

// formatElapsed renders a duration at the precision an operator cares
// about at that scale.
func formatElapsed(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}
