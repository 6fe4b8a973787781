// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the darkroom-standard SQLite connection
// pool. The object metadata index and the request store both sit on
// local SQLite; this package gives them one dependency, one set of
// pragmas, and one pool pattern.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode (concurrent readers, single writer), NORMAL synchronous
// (transactions survive process crashes; the blob backend is the
// source of truth for anything heavier), busy_timeout to ride out
// write contention, memory-mapped reads, and an in-memory temp store.
//
// The package is intentionally thin. Callers [Pool.Take] a connection,
// write SQL against it with sqlitex, and [Pool.Put] it back.
// Connections are not safe for concurrent use — each goroutine holds
// its own for the duration of its work. There is no query builder and
// no attempt to hide SQLite's connection model.
package sqlitepool
