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
)

// ConsumeNonce atomically tests and inserts nonce. It implements
// signing.NonceChecker so a *Store can be handed directly to a
// signing.Verifier. replay=true means the nonce was already present
// and the row was left untouched.
func (s *Store) ConsumeNonce(ctx context.Context, nonce string, now time.Time) (replay bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO nonces (nonce, created_at) VALUES (?, ?)`, nonce, now.Unix())
		if execErr == nil {
			return nil
		}
		// modernc.org/sqlite surfaces a primary-key violation as a
		// generic error; the only way INSERT fails against this
		// table (no other constraints) is a duplicate nonce.
		var exists bool
		row := tx.QueryRowContext(ctx, `SELECT 1 FROM nonces WHERE nonce = ?`, nonce)
		if scanErr := row.Scan(new(int)); scanErr == nil {
			exists = true
		} else if !errors.Is(scanErr, sql.ErrNoRows) {
			return scanErr
		}
		if exists {
			replay = true
			return nil
		}
		return execErr
	})
	return replay, err
}

// SweepNonces deletes nonces older than cfg.NonceExpiry. Called from
// the Store's once-a-minute sweep.
func (s *Store) SweepNonces(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.NonceExpiry).Unix()
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM nonces WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
