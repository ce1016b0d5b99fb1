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

// Package state maintains a small embedded SQLite index over the
// job/session directories under the state root, read by "sessions list"
// and "sessions clean". The filesystem remains the durable source of
// truth: those commands rebuild the index from the job checkpoints and
// session directories actually on disk each time they run, never the
// other way around, so a missing or stale index.db is never a
// correctness problem.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one job or session's indexed summary.
type Record struct {
	ID        string
	Repo      string
	Kind      string // "sequential" | "mapreduce"
	Phase     string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Index is the embedded SQLite cache of job/session summaries.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if necessary) the index database at
// ${Root()}/index.db.
func OpenIndex(root string) (*Index, error) {
	path := filepath.Join(root, "index.db")
	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("state: open index: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate(ctx context.Context) error {
	_, err := idx.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		repo TEXT NOT NULL,
		kind TEXT NOT NULL,
		phase TEXT NOT NULL,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("state: migrate index: %w", err)
	}
	return nil
}

// Close closes the index database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Upsert records or updates one job/session's summary.
func (idx *Index) Upsert(ctx context.Context, r Record) error {
	_, err := idx.db.ExecContext(ctx, `INSERT INTO jobs (id, repo, kind, phase, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repo = excluded.repo, kind = excluded.kind, phase = excluded.phase,
			started_at = excluded.started_at, updated_at = excluded.updated_at`,
		r.ID, r.Repo, r.Kind, r.Phase, r.StartedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("state: upsert %q: %w", r.ID, err)
	}
	return nil
}

// Remove deletes a job/session's summary, used by "sessions clean".
func (idx *Index) Remove(ctx context.Context, id string) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("state: remove %q: %w", id, err)
	}
	return nil
}

// List returns every indexed record, newest-updated first.
func (idx *Index) List(ctx context.Context) ([]Record, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT id, repo, kind, phase, started_at, updated_at
		FROM jobs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("state: list index: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var started, updated string
		if err := rows.Scan(&r.ID, &r.Repo, &r.Kind, &r.Phase, &started, &updated); err != nil {
			return nil, fmt.Errorf("state: scan index row: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterate index: %w", err)
	}
	return out, nil
}
