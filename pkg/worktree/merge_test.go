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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/prodigyhq/prodigy/pkg/errors"
	"github.com/prodigyhq/prodigy/pkg/subprocess"
	"github.com/prodigyhq/prodigy/pkg/workflow"
)

// scriptedGit replays a fixed sequence of results keyed by the git
// subcommand (args[0]), so merge-conflict branches can be exercised
// without a real repository.
type scriptedGit struct {
	byCommand map[string]*subprocess.Result
	calls     [][]string
}

func (s *scriptedGit) run(ctx context.Context, dir string, args ...string) (*subprocess.Result, error) {
	s.calls = append(s.calls, args)
	if r, ok := s.byCommand[args[0]]; ok {
		return r, nil
	}
	return &subprocess.Result{ExitCode: 0}, nil
}

func newMergePool(t *testing.T, script *scriptedGit) *Pool {
	t.Helper()
	p := New(Config{RepoPath: t.TempDir(), StateRoot: t.TempDir(), RepoName: "r", ParentBranch: "main"})
	p.run = script.run
	return p
}

func TestMerge_CleanMergeSucceeds(t *testing.T) {
	script := &scriptedGit{byCommand: map[string]*subprocess.Result{
		"merge": {ExitCode: 0},
	}}
	p := newMergePool(t, script)
	dir := t.TempDir()

	res, err := p.Merge(context.Background(), dir, "feature", workflow.MergeFailOnConflict, nil)
	require.NoError(t, err)
	assert.True(t, res.Merged)
}

func TestMerge_FailOnConflictReturnsMergeConflictError(t *testing.T) {
	script := &scriptedGit{byCommand: map[string]*subprocess.Result{
		"merge": {ExitCode: 1, StderrFull: "CONFLICT"},
		"diff":  {ExitCode: 0, StdoutFull: "a.txt\nb.txt\n"},
	}}
	p := newMergePool(t, script)
	dir := t.TempDir()

	_, err := p.Merge(context.Background(), dir, "feature", workflow.MergeFailOnConflict, nil)
	require.Error(t, err)
	var mc *pkgerrors.MergeConflictError
	require.ErrorAs(t, err, &mc)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, mc.ConflictFiles)
}

func TestMerge_OursStrategyResolvesAndCommits(t *testing.T) {
	script := &scriptedGit{byCommand: map[string]*subprocess.Result{
		"merge":  {ExitCode: 1, StderrFull: "CONFLICT"},
		"diff":   {ExitCode: 0, StdoutFull: "conflicted.txt\n"},
		"commit": {ExitCode: 0},
	}}
	p := newMergePool(t, script)
	dir := t.TempDir()

	res, err := p.Merge(context.Background(), dir, "feature", workflow.MergeOurs, nil)
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, []string{"conflicted.txt"}, res.ConflictFiles)

	var sawCheckoutOurs bool
	for _, c := range script.calls {
		if len(c) >= 2 && c[0] == "checkout" && c[1] == "--ours" {
			sawCheckoutOurs = true
		}
	}
	assert.True(t, sawCheckoutOurs)
}

func TestMerge_ClaudeStrategyRequiresResolveCallback(t *testing.T) {
	script := &scriptedGit{byCommand: map[string]*subprocess.Result{
		"merge": {ExitCode: 1, StderrFull: "CONFLICT"},
		"diff":  {ExitCode: 0, StdoutFull: "x.txt\n"},
	}}
	p := newMergePool(t, script)
	dir := t.TempDir()

	_, err := p.Merge(context.Background(), dir, "feature", workflow.MergeClaude, nil)
	require.Error(t, err)
	var mc *pkgerrors.MergeConflictError
	require.ErrorAs(t, err, &mc)
}

func TestMerge_ClaudeStrategyInvokesResolveCallback(t *testing.T) {
	script := &scriptedGit{byCommand: map[string]*subprocess.Result{
		"merge": {ExitCode: 1, StderrFull: "CONFLICT"},
		"diff":  {ExitCode: 0, StdoutFull: "x.txt\n"},
	}}
	p := newMergePool(t, script)
	dir := t.TempDir()

	var resolvedConflicts []string
	res, err := p.Merge(context.Background(), dir, "feature", workflow.MergeClaude,
		func(ctx context.Context, d string, conflicts []string) error {
			resolvedConflicts = conflicts
			return nil
		})
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, []string{"x.txt"}, resolvedConflicts)
}

func TestMerge_NonConflictFailureIsNotAMergeConflictError(t *testing.T) {
	script := &scriptedGit{byCommand: map[string]*subprocess.Result{
		"merge": {ExitCode: 128, StderrFull: "fatal: not a git repository"},
		"diff":  {ExitCode: 0, StdoutFull: ""},
	}}
	p := newMergePool(t, script)
	dir := t.TempDir()

	_, err := p.Merge(context.Background(), dir, "feature", workflow.MergeFailOnConflict, nil)
	require.Error(t, err)
	var mc *pkgerrors.MergeConflictError
	assert.False(t, errors.As(err, &mc))
}

func TestHeadCommit_ReturnsTrimmedHash(t *testing.T) {
	script := &scriptedGit{byCommand: map[string]*subprocess.Result{
		"rev-parse": {ExitCode: 0, StdoutFull: "abc123\n"},
	}}
	p := newMergePool(t, script)

	hash, err := p.HeadCommit(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
}

func TestMerge_TargetDirMissingReturnsError(t *testing.T) {
	script := &scriptedGit{byCommand: map[string]*subprocess.Result{}}
	p := newMergePool(t, script)

	_, err := p.Merge(context.Background(), "/nonexistent/path/for/sure", "feature", workflow.MergeFailOnConflict, nil)
	require.Error(t, err)
}
