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

package worktree

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
	"github.com/prodigyhq/prodigy/pkg/workflow"
)

// MergeResult reports the outcome of a merge attempt.
type MergeResult struct {
	Merged        bool
	ConflictFiles []string
}

// Merge merges sourceBranch into the worktree at targetDir, resolving
// conflicts per strategy. For strategy MergeClaude, resolve is invoked
// with the conflicted file list and must itself perform and commit the
// resolution; Merge only detects the conflict and hands off.
func (p *Pool) Merge(ctx context.Context, targetDir, sourceBranch string, strategy workflow.MergeStrategy, resolve func(ctx context.Context, dir string, conflicts []string) error) (MergeResult, error) {
	if _, err := os.Stat(targetDir); err != nil {
		return MergeResult{}, fmt.Errorf("worktree: merge target %s does not exist: %w", targetDir, err)
	}

	res, err := p.run(ctx, targetDir, "merge", "--no-edit", sourceBranch)
	if err == nil && res.ExitCode == 0 {
		return MergeResult{Merged: true}, nil
	}

	conflicts, cerr := p.conflictFiles(ctx, targetDir)
	if cerr != nil {
		return MergeResult{}, cerr
	}
	if len(conflicts) == 0 {
		// merge failed for a reason other than content conflicts
		var stderr string
		if res != nil {
			stderr = res.StderrFull
		}
		return MergeResult{}, fmt.Errorf("worktree: merge of %s failed: %s", sourceBranch, stderr)
	}

	switch strategy {
	case workflow.MergeOurs:
		if _, err := p.run(ctx, targetDir, "checkout", "--ours", "."); err != nil {
			return MergeResult{}, err
		}
		return p.resolveAndCommit(ctx, targetDir, conflicts, sourceBranch, strategy)
	case workflow.MergeTheirs:
		if _, err := p.run(ctx, targetDir, "checkout", "--theirs", "."); err != nil {
			return MergeResult{}, err
		}
		return p.resolveAndCommit(ctx, targetDir, conflicts, sourceBranch, strategy)
	case workflow.MergeUnion:
		if _, err := p.run(ctx, targetDir, "checkout", "--merge", "--conflict=diff3", "."); err != nil {
			return MergeResult{}, err
		}
		return p.resolveAndCommit(ctx, targetDir, conflicts, sourceBranch, strategy)
	case workflow.MergeClaude:
		if resolve == nil {
			return MergeResult{}, &pkgerrors.MergeConflictError{Branch: sourceBranch, ConflictFiles: conflicts, Strategy: string(strategy)}
		}
		if err := resolve(ctx, targetDir, conflicts); err != nil {
			return MergeResult{}, fmt.Errorf("worktree: claude-assisted merge resolution failed: %w", err)
		}
		return MergeResult{Merged: true, ConflictFiles: conflicts}, nil
	default: // MergeFailOnConflict
		p.run(ctx, targetDir, "merge", "--abort")
		return MergeResult{}, &pkgerrors.MergeConflictError{Branch: sourceBranch, ConflictFiles: conflicts, Strategy: string(strategy)}
	}
}

func (p *Pool) resolveAndCommit(ctx context.Context, dir string, conflicts []string, sourceBranch string, strategy workflow.MergeStrategy) (MergeResult, error) {
	if _, err := p.run(ctx, dir, "add", "."); err != nil {
		return MergeResult{}, err
	}
	msg := fmt.Sprintf("merge %s (%s)", sourceBranch, strategy)
	res, err := p.run(ctx, dir, "commit", "-m", msg)
	if err != nil {
		return MergeResult{}, err
	}
	if res.ExitCode != 0 {
		return MergeResult{}, fmt.Errorf("worktree: merge commit failed: %s", res.StderrFull)
	}
	return MergeResult{Merged: true, ConflictFiles: conflicts}, nil
}

func (p *Pool) conflictFiles(ctx context.Context, dir string) ([]string, error) {
	res, err := p.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("worktree: list conflicts: %w", err)
	}
	var files []string
	scanner := bufio.NewScanner(strings.NewReader(res.StdoutFull))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// HeadCommit returns the current HEAD commit hash in dir.
func (p *Pool) HeadCommit(ctx context.Context, dir string) (string, error) {
	res, err := p.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.StdoutFull), nil
}
