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
	"time"

	"github.com/tombee/remoterun/internal/apperr"
)

// Client status tier thresholds, per spec.md §3.
const (
	clientOnlineThreshold   = 30 * time.Second
	clientDegradedThreshold = 60 * time.Second
)

// UpsertClient inserts a Client or updates its registration fields if
// it already exists, leaving last_seen untouched (use TouchClient for
// heartbeats).
func (s *Store) UpsertClient(ctx context.Context, c Client) error {
	caps, err := json.Marshal(c.Capabilities)
	if err != nil {
		return err
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = ClientOnline
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO clients (id, display_name, agent_id, last_seen, status, operator_enabled, capabilities)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name,
				agent_id = excluded.agent_id,
				operator_enabled = excluded.operator_enabled,
				capabilities = excluded.capabilities`,
			c.ID, c.DisplayName, c.AgentID, c.LastSeen.Unix(), string(c.Status), boolToInt(c.OperatorEnabled), string(caps))
		return err
	})
}

// TouchClient records a heartbeat, bumping last_seen to now and
// status to online.
func (s *Store) TouchClient(ctx context.Context, id string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE clients SET last_seen = ?, status = ? WHERE id = ?`,
			now.Unix(), string(ClientOnline), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.New(apperr.NotFoundClient, id)
		}
		return nil
	})
}

// GetClient fetches a single Client by id.
func (s *Store) GetClient(ctx context.Context, id string) (Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, agent_id, last_seen, status, operator_enabled, capabilities
		FROM clients WHERE id = ?`, id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, apperr.New(apperr.NotFoundClient, id)
	}
	return c, err
}

// ListClients returns all registered Clients.
func (s *Store) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, agent_id, last_seen, status, operator_enabled, capabilities FROM clients`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SweepClientStatus recomputes each Client's derived status tier from
// its last-seen age: <30s online, 30-60s degraded, >=60s offline.
func (s *Store) SweepClientStatus(ctx context.Context, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, last_seen FROM clients`)
		if err != nil {
			return err
		}
		type row struct {
			id       string
			lastSeen int64
		}
		var all []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.lastSeen); err != nil {
				rows.Close()
				return err
			}
			all = append(all, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range all {
			age := now.Sub(time.Unix(r.lastSeen, 0).UTC())
			status := ClientOffline
			switch {
			case age < clientOnlineThreshold:
				status = ClientOnline
			case age < clientDegradedThreshold:
				status = ClientDegraded
			}
			if _, err := tx.ExecContext(ctx, `UPDATE clients SET status = ? WHERE id = ?`, string(status), r.id); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanClient(row rowScanner) (Client, error) {
	var c Client
	var status, caps string
	var lastSeen int64
	var enabled int
	if err := row.Scan(&c.ID, &c.DisplayName, &c.AgentID, &lastSeen, &status, &enabled, &caps); err != nil {
		return Client{}, err
	}
	c.Status = ClientStatus(status)
	c.LastSeen = time.Unix(lastSeen, 0).UTC()
	c.OperatorEnabled = enabled != 0
	_ = json.Unmarshal([]byte(caps), &c.Capabilities)
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
