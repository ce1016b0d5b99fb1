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

// Package worktree manages a pool of isolated git worktrees used as
// execution sandboxes for MapReduce agents. There is no precedent for
// this in the corpus this package was learned from; it follows the
// general subprocess-invocation idiom of pkg/subprocess applied to git,
// and the mutex-guarded in-memory bookkeeping shape common to simple
// resource pools.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prodigyhq/prodigy/pkg/subprocess"
)

// RequestKind selects how acquire chooses a worktree.
type RequestKind int

const (
	// Anonymous acquires any free worktree, creating one if none is idle.
	Anonymous RequestKind = iota
	// Named acquires a dedicated worktree by name; an existing in-use
	// worktree with that name is an error.
	Named
	// Reusable prefers a free worktree matching Criteria (by branch
	// prefix), falling back to creating a fresh one.
	Reusable
)

// Request describes an acquire call.
type Request struct {
	Kind     RequestKind
	Name     string // Named
	Criteria string // Reusable: branch name prefix to match
	JobID    string
	ItemID   string
}

// Handle is a leased worktree. Release must be called exactly once.
type Handle struct {
	pool       *Pool
	Path       string
	Branch     string
	SessionID  string
	acquiredAt time.Time
	released   bool
}

// Release returns the worktree to the pool's idle set, updating its
// last-used timestamp for the reaper.
func (h *Handle) Release() {
	h.pool.release(h)
}

type slot struct {
	path      string
	branch    string
	sessionID string
	inUse     bool
	lastUsed  time.Time
}

// Pool manages worktrees for one repository.
type Pool struct {
	mu   sync.Mutex
	sem  chan struct{}
	log  *slog.Logger
	run  func(ctx context.Context, dir string, args ...string) (*subprocess.Result, error)

	repoPath    string
	worktreeDir string // ${STATE_ROOT}/worktrees/${REPO}
	parentBranch string

	slots []*slot

	idleTimeout time.Duration
	stopReaper  chan struct{}
}

// Config configures a new Pool.
type Config struct {
	RepoPath         string
	StateRoot        string
	RepoName         string
	ParentBranch     string
	ParallelWorktrees int
	IdleTimeout      time.Duration
	Logger           *slog.Logger
}

// New constructs a Pool. It does not create any worktrees eagerly;
// acquire does that lazily.
func New(cfg Config) *Pool {
	if cfg.ParallelWorktrees <= 0 {
		cfg.ParallelWorktrees = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		sem:          make(chan struct{}, cfg.ParallelWorktrees),
		log:          cfg.Logger,
		repoPath:     cfg.RepoPath,
		worktreeDir:  filepath.Join(cfg.StateRoot, "worktrees", cfg.RepoName),
		parentBranch: cfg.ParentBranch,
		idleTimeout:  cfg.IdleTimeout,
		stopReaper:   make(chan struct{}),
	}
	p.run = p.runGit
	return p
}

func (p *Pool) runGit(ctx context.Context, dir string, args ...string) (*subprocess.Result, error) {
	return subprocess.Run(ctx, subprocess.Request{
		Program: "git",
		Argv:    args,
		Dir:     dir,
		Timeout: 60 * time.Second,
	})
}

// Acquire leases a worktree per req, blocking on the pool's counting
// semaphore until one is available or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context, req Request) (*Handle, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h, err := p.acquireLocked(ctx, req)
	if err != nil {
		<-p.sem
		return nil, err
	}
	return h, nil
}

func (p *Pool) acquireLocked(ctx context.Context, req Request) (*Handle, error) {
	p.mu.Lock()

	switch req.Kind {
	case Named:
		for _, s := range p.slots {
			if s.sessionID == req.Name {
				if s.inUse {
					p.mu.Unlock()
					return nil, fmt.Errorf("worktree: named worktree %q is already in use", req.Name)
				}
				s.inUse = true
				p.mu.Unlock()
				return &Handle{pool: p, Path: s.path, Branch: s.branch, SessionID: s.sessionID, acquiredAt: time.Now()}, nil
			}
		}
	case Reusable:
		for _, s := range p.slots {
			if !s.inUse && req.Criteria != "" && matchesCriteria(s.branch, req.Criteria) {
				s.inUse = true
				p.mu.Unlock()
				return &Handle{pool: p, Path: s.path, Branch: s.branch, SessionID: s.sessionID, acquiredAt: time.Now()}, nil
			}
		}
	default: // Anonymous
		for _, s := range p.slots {
			if !s.inUse {
				s.inUse = true
				p.mu.Unlock()
				return &Handle{pool: p, Path: s.path, Branch: s.branch, SessionID: s.sessionID, acquiredAt: time.Now()}, nil
			}
		}
	}
	p.mu.Unlock()

	return p.create(ctx, req)
}

func matchesCriteria(branch, prefix string) bool {
	return len(branch) >= len(prefix) && branch[:len(prefix)] == prefix
}

// create provisions a brand new worktree directory and branch.
func (p *Pool) create(ctx context.Context, req Request) (*Handle, error) {
	sessionID := req.Name
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	dir := filepath.Join(p.worktreeDir, "session-"+sessionID)
	branch := fmt.Sprintf("prodigy-agent-%s-%s", req.JobID, req.ItemID)
	if req.JobID == "" && req.ItemID == "" {
		branch = "prodigy-agent-" + sessionID
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("worktree: create parent dir: %w", err)
	}

	res, err := p.run(ctx, p.repoPath, "worktree", "add", "-b", branch, dir, p.parentBranch)
	if err != nil {
		return nil, fmt.Errorf("worktree: git worktree add: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("worktree: git worktree add exited %d: %s", res.ExitCode, res.StderrFull)
	}

	p.mu.Lock()
	p.slots = append(p.slots, &slot{path: dir, branch: branch, sessionID: sessionID, inUse: true, lastUsed: time.Now()})
	p.mu.Unlock()

	p.log.Info("worktree acquired", "path", dir, "branch", branch)
	return &Handle{pool: p, Path: dir, Branch: branch, SessionID: sessionID, acquiredAt: time.Now()}, nil
}

// release marks h's slot idle and frees one semaphore unit.
func (p *Pool) release(h *Handle) {
	if h.released {
		return
	}
	h.released = true

	p.mu.Lock()
	for _, s := range p.slots {
		if s.path == h.Path {
			s.inUse = false
			s.lastUsed = time.Now()
			break
		}
	}
	p.mu.Unlock()

	select {
	case <-p.sem:
	default:
	}
}

// Remove deletes a worktree's filesystem and git references atomically
// (from the pool's perspective: the slot entry is removed first so no
// new acquire can observe it mid-teardown).
func (p *Pool) Remove(ctx context.Context, path string) error {
	p.mu.Lock()
	idx := -1
	for i, s := range p.slots {
		if s.path == path {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return fmt.Errorf("worktree: unknown worktree %s", path)
	}
	s := p.slots[idx]
	p.slots = append(p.slots[:idx], p.slots[idx+1:]...)
	p.mu.Unlock()

	if _, err := p.run(ctx, p.repoPath, "worktree", "remove", "--force", s.path); err != nil {
		p.log.Warn("worktree remove failed", "path", s.path, "error", err)
	}
	if _, err := p.run(ctx, p.repoPath, "branch", "-D", s.branch); err != nil {
		p.log.Warn("branch delete failed", "branch", s.branch, "error", err)
	}
	return nil
}

// StartReaper launches a background goroutine that removes idle
// worktrees past idleTimeout, checking every interval until Stop is
// called.
func (p *Pool) StartReaper(ctx context.Context, interval time.Duration) {
	if p.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopReaper:
				return
			case <-ticker.C:
				p.reapIdle(ctx)
			}
		}
	}()
}

// Stop signals the reaper goroutine to exit.
func (p *Pool) Stop() {
	close(p.stopReaper)
}

func (p *Pool) reapIdle(ctx context.Context) {
	p.mu.Lock()
	var stale []string
	now := time.Now()
	for _, s := range p.slots {
		if !s.inUse && now.Sub(s.lastUsed) > p.idleTimeout {
			stale = append(stale, s.path)
		}
	}
	p.mu.Unlock()

	for _, path := range stale {
		if err := p.Remove(ctx, path); err != nil {
			p.log.Warn("reaper: failed to remove idle worktree", "path", path, "error", err)
		}
	}
}
