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

package prompt

import (
	"context"
	"fmt"
)

// MockPrompter scripts prompt answers for tests. Each call consumes the
// next queued response for its kind; running out of responses is an
// error, so a test that prompts more than it scripted fails loudly.
type MockPrompter struct {
	Interactive bool

	// InputResponses are consumed by Input in order.
	InputResponses []string

	// ConfirmResponses are consumed by Confirm in order.
	ConfirmResponses []bool

	// SelectResponses are consumed by MultiSelect in order.
	SelectResponses [][]string

	// Messages records every prompt message shown, for assertions.
	Messages []string

	inputIdx   int
	confirmIdx int
	selectIdx  int
}

// Input returns the next scripted input value.
func (m *MockPrompter) Input(ctx context.Context, message, def string) (string, error) {
	m.Messages = append(m.Messages, message)
	if m.inputIdx >= len(m.InputResponses) {
		return "", fmt.Errorf("mock prompter: no input response queued for %q", message)
	}
	v := m.InputResponses[m.inputIdx]
	m.inputIdx++
	if v == "" && def != "" {
		return def, nil
	}
	return v, nil
}

// Confirm returns the next scripted confirmation.
func (m *MockPrompter) Confirm(ctx context.Context, message string, def bool) (bool, error) {
	m.Messages = append(m.Messages, message)
	if m.confirmIdx >= len(m.ConfirmResponses) {
		return false, fmt.Errorf("mock prompter: no confirm response queued for %q", message)
	}
	v := m.ConfirmResponses[m.confirmIdx]
	m.confirmIdx++
	return v, nil
}

// MultiSelect returns the next scripted selection.
func (m *MockPrompter) MultiSelect(ctx context.Context, message string, options []string) ([]string, error) {
	m.Messages = append(m.Messages, message)
	if m.selectIdx >= len(m.SelectResponses) {
		return nil, fmt.Errorf("mock prompter: no select response queued for %q", message)
	}
	v := m.SelectResponses[m.selectIdx]
	m.selectIdx++
	return v, nil
}

// IsInteractive reports the scripted interactivity.
func (m *MockPrompter) IsInteractive() bool {
	return m.Interactive
}
