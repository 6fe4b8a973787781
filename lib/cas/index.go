// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

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

// indexSchema creates the sidecar metadata table. Annotations are a
// CBOR-encoded map so arbitrary keys round-trip without schema
// changes. Timestamps are Unix nanoseconds.
const indexSchema = `
CREATE TABLE IF NOT EXISTS objects (
	category    TEXT    NOT NULL,
	digest      TEXT    NOT NULL,
	blob_ref    TEXT    NOT NULL,
	size        INTEGER NOT NULL,
	mime_type   TEXT    NOT NULL,
	fingerprint TEXT    NOT NULL DEFAULT '',
	annotations BLOB,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (category, digest)
);
CREATE INDEX IF NOT EXISTS objects_by_blob_ref ON objects (blob_ref);
`

// Index is the sidecar metadata store: one row per stored object,
// keyed by (category, digest). It is the record half of invariant
// "blob and metadata live and die together" — the Store coordinates
// the two.
type Index struct {
	pool *sqlitepool.Pool
}

// OpenIndex opens (creating if necessary) the metadata index at the
// given SQLite path.
func OpenIndex(path string, logger *slog.Logger) (*Index, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, indexSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}
	return &Index{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (index *Index) Close() error {
	return index.pool.Close()
}

// Insert records an object. Returns false when a record for
// (category, digest) already exists — the conditional insert is the
// serialization point that makes concurrent identical stores
// converge.
func (index *Index) Insert(ctx context.Context, object *Object) (bool, error) {
	conn, err := index.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer index.pool.Put(conn)

	var annotations []byte
	if len(object.Annotations) > 0 {
		annotations, err = codec.Marshal(object.Annotations)
		if err != nil {
			return false, fmt.Errorf("encoding annotations: %w", err)
		}
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO objects (category, digest, blob_ref, size, mime_type, fingerprint, annotations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (category, digest) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(object.Category),
				object.Digest.String(),
				object.BlobRef,
				object.Size,
				object.MIMEType,
				fingerprintColumn(object.Fingerprint),
				annotations,
				object.CreatedAt.UnixNano(),
			},
		})
	if err != nil {
		return false, fmt.Errorf("inserting object record: %w", err)
	}
	return conn.Changes() > 0, nil
}

// Get returns the record at (category, digest), or (nil, nil) when no
// record exists.
func (index *Index) Get(ctx context.Context, category Category, d digest.Digest) (*Object, error) {
	conn, err := index.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer index.pool.Put(conn)

	var object *Object
	err = sqlitex.Execute(conn, `
		SELECT blob_ref, size, mime_type, fingerprint, annotations, created_at
		FROM objects WHERE category = ? AND digest = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(category), d.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				decoded, err := scanObject(stmt, category, d)
				if err != nil {
					return err
				}
				object = decoded
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("reading object record: %w", err)
	}
	return object, nil
}

// Delete removes the record at (category, digest). Returns false when
// no record existed.
func (index *Index) Delete(ctx context.Context, category Category, d digest.Digest) (bool, error) {
	conn, err := index.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer index.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM objects WHERE category = ? AND digest = ?`,
		&sqlitex.ExecOptions{Args: []any{string(category), d.String()}})
	if err != nil {
		return false, fmt.Errorf("deleting object record: %w", err)
	}
	return conn.Changes() > 0, nil
}

// All returns every record in a category. Used by the sweep and the
// near-duplicate scan.
func (index *Index) All(ctx context.Context, category Category) ([]*Object, error) {
	conn, err := index.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer index.pool.Put(conn)

	var objects []*Object
	err = sqlitex.Execute(conn, `
		SELECT blob_ref, size, mime_type, fingerprint, annotations, created_at, digest
		FROM objects WHERE category = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(category)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d, err := digest.Parse(stmt.ColumnText(6))
				if err != nil {
					return fmt.Errorf("corrupt digest column: %w", err)
				}
				decoded, err := scanObject(stmt, category, d)
				if err != nil {
					return err
				}
				objects = append(objects, decoded)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing object records: %w", err)
	}
	return objects, nil
}

// Ping verifies the index answers a trivial query.
func (index *Index) Ping(ctx context.Context) error {
	conn, err := index.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer index.pool.Put(conn)
	return sqlitex.Execute(conn, `SELECT 1`, &sqlitex.ExecOptions{
		ResultFunc: func(*sqlite.Stmt) error { return nil },
	})
}

// scanObject decodes the common SELECT columns (blob_ref, size,
// mime_type, fingerprint, annotations, created_at in positions 0-5)
// into an Object.
func scanObject(stmt *sqlite.Stmt, category Category, d digest.Digest) (*Object, error) {
	object := &Object{
		Category:  category,
		Digest:    d,
		BlobRef:   stmt.ColumnText(0),
		Size:      stmt.ColumnInt64(1),
		MIMEType:  stmt.ColumnText(2),
		CreatedAt: time.Unix(0, stmt.ColumnInt64(5)).UTC(),
	}

	if fingerprintHex := stmt.ColumnText(3); fingerprintHex != "" {
		fingerprint, err := phash.Parse(fingerprintHex)
		if err != nil {
			return nil, fmt.Errorf("corrupt fingerprint column: %w", err)
		}
		object.Fingerprint = fingerprint
	}

	if length := stmt.ColumnLen(4); length > 0 {
		annotations := make([]byte, length)
		stmt.ColumnBytes(4, annotations)
		if err := codec.Unmarshal(annotations, &object.Annotations); err != nil {
			return nil, fmt.Errorf("decoding annotations: %w", err)
		}
	}
	return object, nil
}

// fingerprintColumn renders a fingerprint for storage; the zero
// fingerprint (no image content) stores as the empty string.
func fingerprintColumn(fingerprint phash.Fingerprint) string {
	if fingerprint == 0 {
		return ""
	}
	return fingerprint.String()
}
