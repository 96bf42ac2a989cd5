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
	"time"
)

// sweepInterval is the once-a-minute cadence spec.md §4.2 and §9
// prescribe: "a single dedicated task; do not attach cleanup work to
// request-handling paths."
const sweepInterval = time.Minute

// StartSweep launches the background sweep goroutine: it prunes
// expired nonces, recomputes client status tiers, and — if
// cfg.RunRetention is set — deletes finished Runs older than the
// retention window. Idempotent; a second call is a no-op.
func (s *Store) StartSweep(ctx context.Context) {
	if s.sweepStop != nil {
		return
	}
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})

	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.sweepStop:
				return
			case <-ticker.C:
				s.runSweepOnce(ctx)
			}
		}
	}()
}

func (s *Store) runSweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := s.SweepNonces(ctx, now); err != nil {
		s.logger.Error("nonce sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("swept expired nonces", "count", n)
	}

	if err := s.SweepClientStatus(ctx, now); err != nil {
		s.logger.Error("client status sweep failed", "error", err)
	}

	if s.cfg.RunRetention > 0 {
		if n, err := s.pruneExpiredRuns(ctx, now); err != nil {
			s.logger.Error("run retention sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("pruned retained runs", "count", n)
		}
	}
}

func (s *Store) pruneExpiredRuns(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.RunRetention).Unix()
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// StopSweep stops the background sweep goroutine and waits for it to
// exit. Safe to call even if StartSweep was never called.
func (s *Store) StopSweep() {
	if s.sweepStop == nil {
		return
	}
	close(s.sweepStop)
	<-s.sweepDone
	s.sweepStop = nil
}
