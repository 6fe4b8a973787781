// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/darkroom-project/darkroom/lib/codec"
	"github.com/darkroom-project/darkroom/lib/digest"
	"github.com/darkroom-project/darkroom/lib/phash"
	"github.com/darkroom-project/darkroom/lib/sqlitepool"
)

// requestSchema holds one row per submission. Labels are CBOR so the
// classification vocabulary can grow without schema changes.
// Timestamps are Unix nanoseconds.
const requestSchema = `
CREATE TABLE IF NOT EXISTS requests (
	id                TEXT    PRIMARY KEY,
	digest            TEXT    NOT NULL,
	status            TEXT    NOT NULL,
	fingerprint       TEXT    NOT NULL DEFAULT '',
	near_duplicate_of TEXT    NOT NULL DEFAULT '',
	labels            BLOB,
	restored_digest   TEXT    NOT NULL DEFAULT '',
	last_error        TEXT    NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS requests_by_digest ON requests (digest);
`

// SQLiteRequestStore is the production RequestStore.
type SQLiteRequestStore struct {
	pool *sqlitepool.Pool
}

var _ RequestStore = (*SQLiteRequestStore)(nil)

// OpenRequestStore opens (creating if necessary) the request database
// at the given SQLite path.
func OpenRequestStore(path string, logger *slog.Logger) (*SQLiteRequestStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, requestSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening request store: %w", err)
	}
	return &SQLiteRequestStore{pool: pool}, nil
}

func (s *SQLiteRequestStore) Close() error {
	return s.pool.Close()
}

func (s *SQLiteRequestStore) Create(ctx context.Context, request *Request) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	labels, err := encodeLabels(request.Labels)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO requests (id, digest, status, fingerprint, near_duplicate_of, labels, restored_digest, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				request.ID,
				request.Digest.String(),
				string(request.Status),
				digestColumn(request.Fingerprint.String(), request.Fingerprint == 0),
				digestColumn(request.NearDuplicateOf.String(), request.NearDuplicateOf.IsZero()),
				labels,
				digestColumn(request.RestoredDigest.String(), request.RestoredDigest.IsZero()),
				request.LastError,
				request.CreatedAt.UnixNano(),
				request.UpdatedAt.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("inserting request %s: %w", request.ID, err)
	}
	return nil
}

func (s *SQLiteRequestStore) Get(ctx context.Context, id string) (*Request, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var request *Request
	err = sqlitex.Execute(conn, `
		SELECT id, digest, status, fingerprint, near_duplicate_of, labels, restored_digest, last_error, created_at, updated_at
		FROM requests WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				request, err = scanRequest(stmt)
				return err
			},
		})
	if err != nil {
		return nil, fmt.Errorf("loading request %s: %w", id, err)
	}
	if request == nil {
		return nil, fmt.Errorf("request %s not found", id)
	}
	return request, nil
}

func (s *SQLiteRequestStore) Update(ctx context.Context, request *Request) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	labels, err := encodeLabels(request.Labels)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `
		UPDATE requests
		SET status = ?, fingerprint = ?, near_duplicate_of = ?, labels = ?, restored_digest = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(request.Status),
				digestColumn(request.Fingerprint.String(), request.Fingerprint == 0),
				digestColumn(request.NearDuplicateOf.String(), request.NearDuplicateOf.IsZero()),
				labels,
				digestColumn(request.RestoredDigest.String(), request.RestoredDigest.IsZero()),
				request.LastError,
				request.UpdatedAt.UnixNano(),
				request.ID,
			},
		})
	if err != nil {
		return fmt.Errorf("updating request %s: %w", request.ID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("request %s not found", request.ID)
	}
	return nil
}

func scanRequest(stmt *sqlite.Stmt) (*Request, error) {
	request := &Request{
		ID:        stmt.ColumnText(0),
		Status:    Status(stmt.ColumnText(2)),
		LastError: stmt.ColumnText(7),
		CreatedAt: time.Unix(0, stmt.ColumnInt64(8)).UTC(),
		UpdatedAt: time.Unix(0, stmt.ColumnInt64(9)).UTC(),
	}

	var err error
	if request.Digest, err = digest.Parse(stmt.ColumnText(1)); err != nil {
		return nil, fmt.Errorf("request %s: bad digest column: %w", request.ID, err)
	}
	if raw := stmt.ColumnText(3); raw != "" {
		if request.Fingerprint, err = phash.Parse(raw); err != nil {
			return nil, fmt.Errorf("request %s: bad fingerprint column: %w", request.ID, err)
		}
	}
	if raw := stmt.ColumnText(4); raw != "" {
		if request.NearDuplicateOf, err = digest.Parse(raw); err != nil {
			return nil, fmt.Errorf("request %s: bad near-duplicate column: %w", request.ID, err)
		}
	}
	if stmt.ColumnLen(5) > 0 {
		labels := make([]byte, stmt.ColumnLen(5))
		stmt.ColumnBytes(5, labels)
		if err := codec.Unmarshal(labels, &request.Labels); err != nil {
			return nil, fmt.Errorf("request %s: bad labels column: %w", request.ID, err)
		}
	}
	if raw := stmt.ColumnText(6); raw != "" {
		if request.RestoredDigest, err = digest.Parse(raw); err != nil {
			return nil, fmt.Errorf("request %s: bad restored-digest column: %w", request.ID, err)
		}
	}
	return request, nil
}

func encodeLabels(labels []string) ([]byte, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	encoded, err := codec.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("encoding labels: %w", err)
	}
	return encoded, nil
}

// digestColumn stores zero values as empty strings so absent digests
// and fingerprints are distinguishable from real ones.
func digestColumn(text string, zero bool) string {
	if zero {
		return ""
	}
	return text
}
