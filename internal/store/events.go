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
	"fmt"
	"time"
)

// AppendEvent inserts one Event and returns its globally monotone id.
// Insertion order is acceptance order, matching spec.md §4.2's
// append_event contract — callers must serialize calls for a given
// Run if they need producer_seq ordering preserved end to end, since
// SQLite's AUTOINCREMENT only guarantees global (not per-run)
// monotonicity across concurrent writers.
func (s *Store) AppendEvent(ctx context.Context, runID string, typ EventType, data []byte, producerSeq *int64) (int64, error) {
	if len(data) > MaxEventPayloadBytes {
		return 0, fmt.Errorf("event payload exceeds %d bytes", MaxEventPayloadBytes)
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (run_id, type, data, producer_seq, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			runID, string(typ), data, producerSeq, time.Now().UTC().Unix())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListEvents returns events for runID with id > afterID, ordered by
// id ascending, capped at limit (0 means a sensible default).
func (s *Store) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, data, producer_seq, created_at
		FROM events WHERE run_id = ? AND id > ?
		ORDER BY id ASC LIMIT ?`, runID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		var createdAt int64
		var seq sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &typ, &e.Data, &seq, &createdAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		if seq.Valid {
			v := seq.Int64
			e.ProducerSeq = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
