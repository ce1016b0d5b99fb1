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

package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger appends Events to a job's events.jsonl file. Safe for concurrent
// use by multiple goroutines within one process (e.g. several map-phase
// agents); concurrent writers in different processes are not supported —
// only one runner drives a given job at a time, enforced by the resume
// lock.
type Logger struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// Open opens (creating if necessary) the events.jsonl file at path for
// appending.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("events: create job dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: open %s: %w", path, err)
	}
	return &Logger{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one event as a JSON line, flushing immediately so the log
// is durable across a crash (append-only, no partial-line risk since each
// write is one json.Marshal followed by one Write+flush).
func (l *Logger) Append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("events: write: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("events: flush: %w", err)
	}
	return l.file.Sync()
}

// Emit is a convenience wrapper that builds and appends an Event in one
// call, stamping the timestamp with time.Now.
func (l *Logger) Emit(jobID, correlationID string, kind Kind, payload map[string]any) error {
	return l.Append(New(time.Now, jobID, correlationID, kind, payload))
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Read loads every event from the events.jsonl file at path, in file
// order. A missing file returns an empty slice, not an error, since a
// job that hasn't emitted any events yet is a normal state.
func Read(path string) ([]Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: open %s: %w", path, err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			// A trailing partial line can occur only if a crash happened
			// mid-write; append is flush-then-sync so this should not
			// happen in practice, but resume must tolerate it rather
			// than fail the whole read.
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("events: scan %s: %w", path, err)
	}
	return out, nil
}

// Since filters events to those with Timestamp >= t.
func Since(evts []Event, t time.Time) []Event {
	var out []Event
	for _, e := range evts {
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// DefaultRetention is how long events are kept before retention cleanup
// considers them expired.
const DefaultRetention = 7 * 24 * time.Hour

// Partition splits events at a cutoff: those strictly before it
// (expired, eligible for retention cleanup) and those at or after it.
func Partition(evts []Event, cutoff time.Time) (expired, kept []Event) {
	for _, e := range evts {
		if e.Timestamp.Before(cutoff) {
			expired = append(expired, e)
		} else {
			kept = append(kept, e)
		}
	}
	return expired, kept
}

// Rewrite atomically replaces the log at path with only the given
// events, via a temp file and rename, so a crash mid-cleanup leaves the
// original log intact.
func Rewrite(path string, evts []Event) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".events-*.jsonl")
	if err != nil {
		return fmt.Errorf("events: create temp: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, e := range evts {
		data, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("events: marshal: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("events: write temp: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("events: flush temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("events: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("events: rename: %w", err)
	}
	return nil
}
