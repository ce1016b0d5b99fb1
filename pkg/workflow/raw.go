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
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// rawDocument mirrors the YAML workflow document's top-level schema
// before normalization.
type rawDocument struct {
	Name        string          `yaml:"name"`
	Mode        string          `yaml:"mode"`
	Env         map[string]any  `yaml:"env"`
	Steps       []rawStep       `yaml:"steps"`
	Setup       []rawStep       `yaml:"setup"`
	Map         *rawMapPhase    `yaml:"map"`
	Reduce      []rawStep       `yaml:"reduce"`
	AgentMerge  []rawStep       `yaml:"agent_merge"`
	Merge       []rawStep       `yaml:"merge"`
	ErrorPolicy *rawErrorPolicy `yaml:"error_policy"`
	MergeStrategy string        `yaml:"merge_strategy"`
}

type rawMapPhase struct {
	Input            string    `yaml:"input"`
	JSONPath         string    `yaml:"json_path"`
	ItemID           string    `yaml:"item_id"`
	AgentTemplate    []rawStep `yaml:"agent_template"`
	MaxParallel      int       `yaml:"max_parallel"`
	AgentTimeoutSecs int       `yaml:"agent_timeout_secs"`
}

type rawErrorPolicy struct {
	OnItemFailure     string `yaml:"on_item_failure"`
	ContinueOnFailure bool   `yaml:"continue_on_failure"`
	MaxFailures       int    `yaml:"max_failures"`
	ErrorCollection   string `yaml:"error_collection"`
	MaxRetryAttempts  int    `yaml:"max_retry_attempts"`
}

// rawStep supports both the bare-string shorthand ("echo hi" == shell
// sugar) and the full object form. It implements yaml.Unmarshaler to
// dispatch on the YAML node kind.
type rawStep struct {
	ID             string              `yaml:"id"`
	Name           string              `yaml:"name"`
	Shell          *string             `yaml:"shell"`
	Claude         *string             `yaml:"claude"`
	WriteFile      *rawWriteFile       `yaml:"write_file"`
	GoalSeek       *rawGoalSeek        `yaml:"goal_seek"`
	Foreach        *rawForeach         `yaml:"foreach"`
	When           string              `yaml:"when"`
	Timeout        string              `yaml:"timeout"`
	WorkingDir     string              `yaml:"working_dir"`
	Env            map[string]string   `yaml:"env"`
	CommitRequired bool                `yaml:"commit_required"`
	Validate       *rawValidate        `yaml:"validate"`
	OnFailure      *rawHandler         `yaml:"on_failure"`
	OnSuccess      *rawHandler         `yaml:"on_success"`
	OnExitCode     map[string]rawHandler `yaml:"on_exit_code"`
	Outputs        map[string]rawOutputCapture `yaml:"outputs"`
	CaptureOutput  bool                `yaml:"capture_output"`
}

type rawWriteFile struct {
	Path       string `yaml:"path"`
	Content    string `yaml:"content"`
	Format     string `yaml:"format"`
	Mode       string `yaml:"mode"`
	CreateDirs bool   `yaml:"create_dirs"`
}

type rawGoalSeek struct {
	Goal     string `yaml:"goal"`
	Attempts int    `yaml:"attempts"`
	Validate string `yaml:"validate"`
}

type rawForeach struct {
	Input           rawStringOrList `yaml:"input"`
	Parallel        int             `yaml:"parallel"`
	Steps           []rawStep       `yaml:"steps"`
	ContinueOnError bool            `yaml:"continue_on_error"`
}

type rawValidate struct {
	Command string `yaml:"command"`
	Timeout string `yaml:"timeout"`
}

// rawHandler supports both the bare-string shorthand ("continue" / "fail"
// / "retry") and the full object form with a sub-workflow.
type rawHandler struct {
	Policy      string    `yaml:"policy"`
	Steps       []rawStep `yaml:"steps"`
	MaxAttempts int       `yaml:"max_attempts"`
	// Shorthand booleans, matching the S2 test-scenario's "fail: false" form.
	Fail     *bool `yaml:"fail"`
	Continue *bool `yaml:"continue"`
	Retry    *bool `yaml:"retry"`
}

func (h *rawHandler) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		h.Policy = node.Value
		return nil
	}
	type alias rawHandler
	var a alias
	if err := node.Decode(&a); err != nil {
		return err
	}
	*h = rawHandler(a)
	if h.Policy == "" {
		switch {
		case h.Fail != nil && !*h.Fail:
			h.Policy = "continue"
		case h.Continue != nil && *h.Continue:
			h.Policy = "continue"
		case h.Retry != nil && *h.Retry:
			h.Policy = "retry"
		}
	}
	return nil
}

type rawOutputCapture struct {
	Regex    string `yaml:"regex"`
	JSONPath string `yaml:"json_path"`
	Lines    bool   `yaml:"lines"`
}

// rawStringOrList decodes either a scalar string or a YAML sequence of
// strings, used for foreach's "input" field (a shell command, or a
// literal list).
type rawStringOrList struct {
	Str  string
	List []string
	IsList bool
}

func (v *rawStringOrList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		v.IsList = true
		return node.Decode(&v.List)
	}
	return node.Decode(&v.Str)
}

func (s *rawStep) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		line := node.Value
		s.Shell = &line
		return nil
	}
	type alias rawStep
	var a alias
	if err := node.Decode(&a); err != nil {
		return err
	}
	*s = rawStep(a)
	return nil
}

// parseRaw parses YAML document bytes into a rawDocument. Unknown keys at
// the top level and inside the map and error_policy blocks are rejected;
// everything inside a step is decoded through rawStep's UnmarshalYAML,
// which does not check for unknown keys.
func parseRaw(data []byte) (*rawDocument, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc rawDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}
	return &doc, nil
}
