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

package dbclient

import (
	"context"
	"fmt"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDialer dials Clients backed by a jackc/pgx/v5 connection pool, a new
// pool on every Dial — PGPORT/host/user/password come from
// the environment the way the out-of-scope installation helpers
// are expected to supply them.
type PgxDialer struct {
	Host     string
	Port     int
	User     string
	Password string
	SSLMode  string
}

// Dial implements Dialer.
func (d *PgxDialer) Dial(ctx context.Context, database string) (Client, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, database, sslModeOrDefault(d.SSLMode))
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, trace.Wrap(err, "failed to connect to database %q", database)
	}
	return &pgxClient{pool: pool}, nil
}

func sslModeOrDefault(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}

type pgxClient struct {
	pool *pgxpool.Pool
}

func (c *pgxClient) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := c.pool.Exec(ctx, sql, args...)
	return trace.Wrap(err)
}

func (c *pgxClient) QueryRow(ctx context.Context, sql string, args ...interface{}) Row {
	return c.pool.QueryRow(ctx, sql, args...)
}

func (c *pgxClient) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pgxRows{rows}, nil
}

func (c *pgxClient) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &pgxTx{tx: tx}, nil
}

func (c *pgxClient) CopyFrom(ctx context.Context, table string, columns []string, rows [][]interface{}) (int64, error) {
	n, err := c.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, trace.Wrap(err, "COPY into %v failed", table)
	}
	return n, nil
}

func (c *pgxClient) GUC(ctx context.Context, name string) (string, error) {
	var value string
	err := c.pool.QueryRow(ctx, "SHOW "+name).Scan(&value)
	if err != nil {
		return "", trace.Wrap(err, "failed to read GUC %q", name)
	}
	return value, nil
}

func (c *pgxClient) Close(context.Context) error {
	c.pool.Close()
	return nil
}

type pgxRows struct {
	pgx.Rows
}

func (r pgxRows) Close() { r.Rows.Close() }

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return trace.Wrap(err)
}

func (t *pgxTx) QueryRow(ctx context.Context, sql string, args ...interface{}) Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *pgxTx) Commit(ctx context.Context) error {
	return trace.Wrap(t.tx.Commit(ctx))
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	return trace.Wrap(t.tx.Rollback(ctx))
}
