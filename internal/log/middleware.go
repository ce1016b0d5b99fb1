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

package log

import (
	"log/slog"
	"time"
)

// Operation describes a unit of work whose start and outcome are logged
// as a pair: a whole workflow run, a resume, or a single job phase.
type Operation struct {
	// Name identifies the operation (e.g., "run", "resume", "map phase").
	Name string

	// JobID ties the log lines to the job's checkpoint and event log.
	JobID string

	// Metadata contains additional fields logged on both lines.
	Metadata map[string]interface{}
}

// LogOperationStart logs the beginning of an operation.
func LogOperationStart(logger *slog.Logger, op *Operation) {
	attrs := []any{
		EventKey, "operation_started",
		"operation", op.Name,
	}

	if op.JobID != "" {
		attrs = append(attrs, JobIDKey, op.JobID)
	}

	for k, v := range op.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("operation started", attrs...)
}

// LogOperationEnd logs the outcome of an operation. Failures log at
// error level with the error message attached.
func LogOperationEnd(logger *slog.Logger, op *Operation, err error, durationMs int64) {
	attrs := []any{
		EventKey, "operation_completed",
		"operation", op.Name,
		"success", err == nil,
		DurationKey, durationMs,
	}

	if op.JobID != "" {
		attrs = append(attrs, JobIDKey, op.JobID)
	}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}

	for k, v := range op.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "operation completed"
	if err != nil {
		level = slog.LevelError
		message = "operation failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// OperationLogger wraps units of work with paired start/outcome logging
// and duration measurement.
type OperationLogger struct {
	logger *slog.Logger
}

// NewOperationLogger creates an OperationLogger writing through the
// given logger.
func NewOperationLogger(logger *slog.Logger) *OperationLogger {
	return &OperationLogger{
		logger: logger,
	}
}

// Run executes fn, logging the operation's start before and its outcome
// (with duration) after. The error is returned unchanged.
func (m *OperationLogger) Run(op *Operation, fn func() error) error {
	start := time.Now()

	LogOperationStart(m.logger, op)

	err := fn()

	LogOperationEnd(m.logger, op, err, time.Since(start).Milliseconds())

	return err
}
