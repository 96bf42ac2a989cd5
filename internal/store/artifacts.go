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

// InsertArtifact records an uploaded file. path must point inside the
// Gateway-controlled artifacts directory, per spec.md §3's invariant;
// the caller (ingest handler) is responsible for that guarantee.
func (s *Store) InsertArtifact(ctx context.Context, a Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (id, run_id, name, mime_type, byte_size, path, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.RunID, a.Name, a.MimeType, a.ByteSize, a.Path, a.CreatedAt.Unix())
		return err
	})
}

// GetArtifact fetches a single Artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, mime_type, byte_size, path, created_at
		FROM artifacts WHERE id = ?`, id)
	var a Artifact
	var createdAt int64
	err := row.Scan(&a.ID, &a.RunID, &a.Name, &a.MimeType, &a.ByteSize, &a.Path, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, apperr.New(apperr.NotFoundArtifact, id)
	}
	if err != nil {
		return Artifact{}, err
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return a, nil
}

// ListArtifacts returns all Artifacts for a Run.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, mime_type, byte_size, path, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.MimeType, &a.ByteSize, &a.Path, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
