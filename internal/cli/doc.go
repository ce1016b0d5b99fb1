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

/*
Package cli provides the root command and shared configuration for the
prodigy CLI.

This package creates the main Cobra command tree and handles global
concerns like version information, persistent flags, logging setup, and
error handling. Individual commands are implemented in the
internal/commands subpackages.

# Command Tree

The CLI is organized as:

	prodigy
	├── run           Execute a workflow
	├── resume        Continue an interrupted job
	├── dlq           Inspect and manage a job's dead-letter queue
	│   ├── show
	│   ├── retry
	│   └── clear
	├── sessions      List and prune persisted state
	│   ├── list
	│   └── clean
	├── events        Inspect a job's event log
	│   └── show
	├── version       Show version
	└── help          Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	// ... add commands ...
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

All commands inherit these flags:

	--verbose, -v    Enable verbose output
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--dry-run        Show what would happen without executing
	--yes, -y        Auto-confirm destructive actions

# Error Handling

Errors are handled centrally to ensure proper exit codes:

  - Exit 0: Success
  - Exit 1: Workflow or job failure
  - Exit 2: Configuration error
  - Exit 3: Resume lock busy
  - Exit 130: Interrupted

Use HandleExitError for consistent error handling:

	if err := cmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}
*/
package cli
