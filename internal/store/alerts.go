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

// InsertAlert records a new Alert, unacknowledged by default.
func (s *Store) InsertAlert(ctx context.Context, a Alert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alerts (id, run_id, message, acknowledged, created_at)
			VALUES (?, ?, ?, 0, ?)`,
			a.ID, a.RunID, a.Message, a.CreatedAt.Unix())
		return err
	})
}

// ListAlerts returns every Alert, most recent first. When runID is
// non-empty, only that Run's alerts are returned.
func (s *Store) ListAlerts(ctx context.Context, runID string) ([]Alert, error) {
	query := `SELECT id, run_id, message, acknowledged, created_at, acknowledged_at FROM alerts`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert marks an Alert acknowledged. Idempotent: a second
// call on an already-acknowledged Alert is a no-op, mirroring
// Command's ack semantics.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT acknowledged FROM alerts WHERE id = ?`, id)
		var acked bool
		if err := row.Scan(&acked); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.New(apperr.NotFoundAlert, id)
			}
			return err
		}
		if acked {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE alerts SET acknowledged = 1, acknowledged_at = ? WHERE id = ?`,
			time.Now().UTC().Unix(), id)
		return err
	})
}

func scanAlert(row rowScanner) (Alert, error) {
	var a Alert
	var createdAt int64
	var acknowledgedAt sql.NullInt64
	if err := row.Scan(&a.ID, &a.RunID, &a.Message, &a.Acknowledged, &createdAt, &acknowledgedAt); err != nil {
		return Alert{}, err
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	if acknowledgedAt.Valid {
		t := time.Unix(acknowledgedAt.Int64, 0).UTC()
		a.AcknowledgedAt = &t
	}
	return a, nil
}
