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
	"errors"
	"time"

	"github.com/tombee/remoterun/internal/apperr"
)

// InsertCommand inserts one operator-issued Command in pending state.
func (s *Store) InsertCommand(ctx context.Context, c Command) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commands (id, run_id, payload, status, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.RunID, c.Payload, string(CommandPending), c.CreatedAt.Unix())
		return err
	})
}

// NextPendingCommands returns the pending tail for runID, FIFO by
// creation time. The Gateway does not mark rows delivered here — the
// Runner owns dedup (spec.md §4.5), so repeated polls return the same
// set until acked.
func (s *Store) NextPendingCommands(ctx context.Context, runID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, payload, status, result, error, created_at, acked_at
		FROM commands WHERE run_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC LIMIT ?`, runID, string(CommandPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCommand fetches a single Command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, payload, status, result, error, created_at, acked_at
		FROM commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Command{}, apperr.New(apperr.NotFoundCommand, id)
	}
	return c, err
}

// AckCommand records the result of executing a Command. It is
// idempotent: a second ack for an already-acked command is a no-op
// that returns (alreadyAcked=true, nil) without mutating acked_at,
// result, or error, per spec.md §8's round-trip law.
func (s *Store) AckCommand(ctx context.Context, id, result, errText string) (alreadyAcked bool, err error) {
	if len(result) > MaxCommandResultBytes {
		result = result[:MaxCommandResultBytes-len("[TRUNCATED]")] + "[TRUNCATED]"
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		row := tx.QueryRowContext(ctx, `SELECT status FROM commands WHERE id = ?`, id)
		if scanErr := row.Scan(&status); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return apperr.New(apperr.NotFoundCommand, id)
			}
			return scanErr
		}
		if status == string(CommandAcked) {
			alreadyAcked = true
			return nil
		}
		_, execErr := tx.ExecContext(ctx, `
			UPDATE commands SET status = ?, result = ?, error = ?, acked_at = ? WHERE id = ?`,
			string(CommandAcked), result, errText, time.Now().UTC().Unix(), id)
		return execErr
	})
	return alreadyAcked, err
}

func scanCommand(row rowScanner) (Command, error) {
	var c Command
	var status string
	var createdAt int64
	var ackedAt sql.NullInt64
	if err := row.Scan(&c.ID, &c.RunID, &c.Payload, &status, &c.Result, &c.Error, &createdAt, &ackedAt); err != nil {
		return Command{}, err
	}
	c.Status = CommandStatus(status)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	if ackedAt.Valid {
		t := time.Unix(ackedAt.Int64, 0).UTC()
		c.AckedAt = &t
	}
	return c, nil
}

// truncatedSuffix is the marker TruncateResult appends to an
// over-long result.
const truncatedSuffix = "[TRUNCATED]"

// TruncateResult applies the same truncation rule AckCommand does, so
// Runner-side code can pre-truncate and know the final byte count
// without a round trip.
func TruncateResult(result string) string {
	if len(result) <= MaxCommandResultBytes {
		return result
	}
	return result[:MaxCommandResultBytes-len(truncatedSuffix)] + truncatedSuffix
}
