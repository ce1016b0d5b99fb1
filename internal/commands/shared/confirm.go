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

	"github.com/charmbracelet/huh"
)

// Confirm gates a destructive command behind --yes. When --yes is already
// set it returns true immediately. Otherwise, if stdin is a TTY, it falls
// back to an interactive huh confirmation with the given title/description;
// a non-interactive session (CI, piped stdin) is told to re-run with --yes
// instead of hanging on a prompt it can never answer.
func Confirm(title, description string) (bool, error) {
	if GetYes() {
		return true, nil
	}
	if IsNonInteractive() {
		return false, nil
	}

	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes, continue").
				Negative("No, cancel").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		return false, fmt.Errorf("confirmation prompt: %w", err)
	}
	return confirmed, nil
}
