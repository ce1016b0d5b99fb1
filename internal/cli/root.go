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

package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/prodigyhq/prodigy/internal/commands/shared"
	"github.com/prodigyhq/prodigy/internal/log"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for prodigy.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prodigy",
		Short: "prodigy - workflow orchestration across isolated git worktrees",
		Long: `prodigy runs declarative workflows of shell commands and Claude
invocations against a repository, with MapReduce-style fan-out across
isolated git worktrees, durable checkpointing, and resume-after-interrupt.

Run 'prodigy run workflow.yaml' to execute a workflow.
Run 'prodigy resume JOB_ID' to continue an interrupted job.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := log.FromEnv()
			if shared.GetVerbose() {
				cfg.Level = "debug"
			}
			if shared.GetQuiet() {
				cfg.Level = "error"
			}
			slog.SetDefault(log.New(cfg))
		},
	}

	// Get flag pointers from shared package
	verbose, quiet, jsonOut, dryRun, yes := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVar(dryRun, "dry-run", false, "Show what would happen without executing")
	cmd.PersistentFlags().BoolVarP(yes, "yes", "y", false, "Auto-confirm destructive actions")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
