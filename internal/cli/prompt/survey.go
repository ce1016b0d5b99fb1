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

	"github.com/AlecAivazis/survey/v2"
)

// SurveyPrompter implements Prompter using the survey library.
type SurveyPrompter struct {
	interactive bool
}

// NewSurveyPrompter creates a survey-based prompter. Pass the result of
// a TTY/CI check; a non-interactive SurveyPrompter refuses every prompt
// instead of blocking on a read that can never be answered.
func NewSurveyPrompter(interactive bool) *SurveyPrompter {
	return &SurveyPrompter{interactive: interactive}
}

// Input collects a free-form value using survey.Input.
func (sp *SurveyPrompter) Input(ctx context.Context, message, def string) (string, error) {
	if !sp.interactive {
		return "", fmt.Errorf("cannot prompt in non-interactive mode")
	}

	var result string
	p := &survey.Input{
		Message: message,
		Default: def,
	}

	err := survey.AskOne(p, &result, survey.WithValidator(func(ans interface{}) error {
		if str, ok := ans.(string); ok && str != "" {
			return ValidateArgument(str)
		}
		return nil
	}))

	return result, err
}

// Confirm asks a yes/no question using survey.Confirm.
func (sp *SurveyPrompter) Confirm(ctx context.Context, message string, def bool) (bool, error) {
	if !sp.interactive {
		return false, fmt.Errorf("cannot prompt in non-interactive mode")
	}

	var result bool
	p := &survey.Confirm{
		Message: message,
		Default: def,
	}

	err := survey.AskOne(p, &result)
	return result, err
}

// MultiSelect presents options using survey.MultiSelect with everything
// preselected, so "retry all" stays one keystroke away.
func (sp *SurveyPrompter) MultiSelect(ctx context.Context, message string, options []string) ([]string, error) {
	if !sp.interactive {
		return nil, fmt.Errorf("cannot prompt in non-interactive mode")
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no options to select from")
	}

	var result []string
	p := &survey.MultiSelect{
		Message: message,
		Options: options,
		Default: options,
	}

	err := survey.AskOne(p, &result)
	return result, err
}

// IsInteractive returns whether the prompter can display prompts.
func (sp *SurveyPrompter) IsInteractive() bool {
	return sp.interactive
}
