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

// Package prompt collects interactive input for commands that would
// otherwise need flags: workflow argument values for a with-arguments
// run started without --args, and item selections for "dlq retry".
// Non-interactive contexts (CI, piped stdin) never block on a read:
// argument collection returns an error, and item selection returns every
// candidate id.
package prompt

import (
	"context"
	"fmt"
)

// Prompter is the interactive-input surface the CLI needs.
// SurveyPrompter is the production implementation; MockPrompter scripts
// answers for tests.
type Prompter interface {
	// Input collects one free-form value.
	Input(ctx context.Context, message, def string) (string, error)

	// Confirm asks a yes/no question.
	Confirm(ctx context.Context, message string, def bool) (bool, error)

	// MultiSelect presents options and returns the chosen subset.
	MultiSelect(ctx context.Context, message string, options []string) ([]string, error)

	// IsInteractive reports whether prompts can be displayed at all.
	IsInteractive() bool
}

// ArgumentCollector gathers the argument values a with-arguments
// workflow runs once per.
type ArgumentCollector struct {
	prompter Prompter
}

// NewArgumentCollector creates a collector over the given prompter.
func NewArgumentCollector(p Prompter) *ArgumentCollector {
	return &ArgumentCollector{prompter: p}
}

// Collect prompts for argument values one at a time until the operator
// submits an empty value. At least one value is required: a
// with-arguments workflow with no arguments has nothing to iterate.
func (c *ArgumentCollector) Collect(ctx context.Context, workflowName string) ([]string, error) {
	if !c.prompter.IsInteractive() {
		return nil, fmt.Errorf("workflow %q runs once per argument; pass --args or run interactively", workflowName)
	}

	var values []string
	for {
		msg := fmt.Sprintf("argument %d for %s (empty to finish)", len(values)+1, workflowName)
		value, err := c.prompter.Input(ctx, msg, "")
		if err != nil {
			return nil, err
		}
		if value == "" {
			break
		}
		if err := ValidateArgument(value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("workflow %q requires at least one argument", workflowName)
	}
	return values, nil
}

// SelectItems asks the operator which of the given item ids to act on.
// Non-interactive contexts select everything, matching the documented
// default of "dlq retry" without --items.
func SelectItems(ctx context.Context, p Prompter, message string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if !p.IsInteractive() {
		return ids, nil
	}
	return p.MultiSelect(ctx, message, ids)
}
