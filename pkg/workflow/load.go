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

package workflow

import (
	"os"

	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
)

// Options configures how LoadFile selects execution mode when the YAML
// document itself doesn't pin it down. The YAML "mode" field only ever
// names "sequential" or "mapreduce": with-arguments mode is selected by
// caller-supplied CLI arguments, and foreach-wrapper mode by a sequential
// document whose only step is a foreach.
type Options struct {
	// Args are the caller-supplied "--args" values. A non-empty Args with
	// a sequential-mode document selects ModeWithArguments, running the
	// workflow once per argument with "${ARG}" bound for that iteration.
	Args []string
}

// LoadFile reads, parses, and normalizes the workflow document at path.
func LoadFile(path string, opts Options) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pkgerrors.ConfigError{Key: path, Reason: "cannot read workflow file", Cause: err}
	}
	return Load(data, path, opts)
}

// Load parses and normalizes workflow document bytes. sourcePath is
// carried into the result for diagnostics only.
func Load(data []byte, sourcePath string, opts Options) (*Workflow, error) {
	raw, err := parseRaw(data)
	if err != nil {
		return nil, &pkgerrors.ConfigError{Key: sourcePath, Reason: "invalid workflow document", Cause: err}
	}
	return normalize(raw, sourcePath, opts)
}
