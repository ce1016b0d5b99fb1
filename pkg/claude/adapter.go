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

// Package claude adapts the Claude CLI as an opaque subprocess emitting
// line-delimited JSON events on stdout (--output-format stream-json
// --verbose). Each stdout line is parsed and dispatched by event type;
// spawns are rate-limited so a tight retry loop cannot fork-bomb the
// CLI.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/prodigyhq/prodigy/pkg/subprocess"
)

// EventKind identifies a known stream-json event type.
type EventKind string

const (
	EventToolUse    EventKind = "tool_use"
	EventTokenUsage EventKind = "token_usage"
	EventMessage    EventKind = "message"
	EventOther      EventKind = "other"
)

// Event is one parsed line of the Claude CLI's stream-json output.
type Event struct {
	Kind EventKind
	Raw  map[string]any
}

// EventCallback is invoked once per parsed stdout event, in addition to
// accumulation into the final output buffer.
type EventCallback func(Event)

// Request configures one Claude CLI invocation.
type Request struct {
	Prompt  string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	OnEvent EventCallback
}

// Result is the outcome of a Claude CLI invocation.
type Result struct {
	ExitCode int
	Output   string // accumulated "message" event text
	Duration time.Duration
	TimedOut bool
}

// Adapter spawns the Claude CLI, throttling spawn rate so a burst of
// concurrent map-phase agents doesn't overwhelm the external service.
type Adapter struct {
	binary  string
	limiter *rate.Limiter
	log     *slog.Logger
}

// New returns an Adapter invoking binary (the Claude CLI executable
// name), allowing at most spawnsPerSecond new invocations per second
// with a burst of burst.
func New(binary string, spawnsPerSecond float64, burst int, log *slog.Logger) *Adapter {
	if binary == "" {
		binary = "claude"
	}
	if spawnsPerSecond <= 0 {
		spawnsPerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{binary: binary, limiter: rate.NewLimiter(rate.Limit(spawnsPerSecond), burst), log: log}
}

// Run invokes the Claude CLI with req.Prompt, parsing each stdout line
// as a JSON event and forwarding it to req.OnEvent as it arrives.
func (a *Adapter) Run(ctx context.Context, req Request) (*Result, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var output bytes.Buffer
	onLine := func(line string) {
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			a.log.Debug("claude: unparseable stream-json line", "line", line)
			return
		}
		kind := EventOther
		if t, ok := raw["type"].(string); ok {
			switch t {
			case "tool_use":
				kind = EventToolUse
			case "token_usage":
				kind = EventTokenUsage
			case "message":
				kind = EventMessage
				if text, ok := raw["content"].(string); ok {
					output.WriteString(text)
				}
			}
		}
		if req.OnEvent != nil {
			req.OnEvent(Event{Kind: kind, Raw: raw})
		}
	}

	res, err := subprocess.Run(ctx, subprocess.Request{
		Program:      a.binary,
		Argv:         []string{"--output-format", "stream-json", "--verbose", "-p", req.Prompt},
		Dir:          req.Dir,
		Env:          req.Env,
		Timeout:      req.Timeout,
		OnStdoutLine: onLine,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		ExitCode: res.ExitCode,
		Output:   output.String(),
		Duration: res.Duration,
		TimedOut: res.TimedOut,
	}, nil
}
