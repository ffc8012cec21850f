/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dbclient is the contract for the blocking SQL client treated
// as an out-of-scope external collaborator: a blocking SQL client with
// transactions, COPY, and utility/single-node modes. Every other
// package in this repo (catalog, redistribute) depends only on the Client
// interface here; pgxclient.go supplies the one concrete implementation,
// backed by jackc/pgx/v5.
package dbclient

import "context"

// Row is the minimal row-scanning contract a caller needs, matching
// database/sql.Row / pgx.Row's Scan shape so either could back it.
type Row interface {
	Scan(dest ...interface{}) error
}

// Rows is a streaming result set.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close()
}

// Tx is a single administrative write: every statement inside it commits or
// none do. CatalogMutator's applyNewSegments/restoreFromSnapshot each run
// inside exactly one Tx.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) error
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Client is a blocking session against one database. Each
// RedistributionEngine table item dials its own Client against the target
// database for the duration of that table; all items share the engine's
// single controller-database Client rather than holding one each.
type Client interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, sql string, args ...interface{}) error
	// QueryRow runs a statement expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row
	// Query runs a statement that streams rows.
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	// Begin starts a transaction for a single administrative write.
	Begin(ctx context.Context) (Tx, error)
	// CopyFrom bulk-loads rows into table(columns...), the Go-native
	// replacement for the source tool's "COPY ... FROM file" ingest path,
	// streaming in-memory rows instead of a staged file. Returns the
	// number of rows copied.
	CopyFrom(ctx context.Context, table string, columns []string, rows [][]interface{}) (int64, error)
	// GUC reads a server configuration value, used for the max_connections
	// pre-flight check.
	GUC(ctx context.Context, name string) (string, error)
	// Close releases the underlying connection(s).
	Close(ctx context.Context) error
}

// Dialer opens a Client against a named database on the cluster's
// coordinator, the contract lib/lifecycle and lib/redistribute use instead
// of depending on a concrete driver.
type Dialer interface {
	Dial(ctx context.Context, database string) (Client, error)
}
