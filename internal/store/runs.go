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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tombee/remoterun/internal/apperr"
)

// InsertRun creates a new Run row. CreatedAt is stamped if zero.
func (s *Store) InsertRun(ctx context.Context, r Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, status, worker_type, model, initial_command, working_dir,
				client_id, capability_token, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, string(r.Status), string(r.WorkerType), r.Model, r.InitialCommand, r.WorkingDir,
			r.ClientID, r.CapabilityToken, string(metaJSON), r.CreatedAt.Unix())
		return err
	})
}

// UpdateRunStatus transitions a Run's status, optionally recording an
// exit code, error text, and finished-at timestamp. finishedAt should
// be non-nil iff status is RunDone or RunFailed, per spec.md §3's
// invariant.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status RunStatus, exitCode *int, errText string, finishedAt *time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var finishedUnix sql.NullInt64
		if finishedAt != nil {
			finishedUnix = sql.NullInt64{Int64: finishedAt.Unix(), Valid: true}
		}
		var startedClause string
		if status == RunRunning {
			startedClause = `, started_at = COALESCE(started_at, ?)`
		}
		query := `UPDATE runs SET status = ?, exit_code = ?, error = ?, finished_at = ?` + startedClause + ` WHERE id = ?`
		args := []any{string(status), exitCode, errText, finishedUnix}
		if status == RunRunning {
			args = append(args, time.Now().UTC().Unix())
		}
		args = append(args, id)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.New(apperr.NotFoundRun, id)
		}
		return nil
	})
}

// GetRun fetches a single Run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, worker_type, model, initial_command, working_dir, client_id,
			capability_token, metadata, exit_code, error, created_at, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, apperr.New(apperr.NotFoundRun, id)
	}
	return r, err
}

// ListRuns returns all Runs ordered by creation time, most recent
// first, for the console-side GET /api/runs read.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, worker_type, model, initial_command, working_dir, client_id,
			capability_token, metadata, exit_code, error, created_at, started_at, finished_at
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunCount returns the total number of Runs known to the Store, for
// the metrics gauge.
func (s *Store) RunCount() int {
	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM runs`)
	if err := row.Scan(&count); err != nil {
		return 0
	}
	return count
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var status, worker, metaJSON string
	var exitCode sql.NullInt64
	var createdAt int64
	var startedAt, finishedAt sql.NullInt64
	if err := row.Scan(&r.ID, &status, &worker, &r.Model, &r.InitialCommand, &r.WorkingDir,
		&r.ClientID, &r.CapabilityToken, &metaJSON, &exitCode, &r.Error, &createdAt, &startedAt, &finishedAt); err != nil {
		return Run{}, err
	}
	r.Status = RunStatus(status)
	r.WorkerType = WorkerType(worker)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		r.FinishedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
	return r, nil
}
