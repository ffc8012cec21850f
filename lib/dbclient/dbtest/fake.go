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

// Package dbtest is an in-memory fake of dbclient.Client, in the spirit of
// gravity's lib/fsm.testEngine: enough behavior to exercise
// catalog/redistribute logic in unit tests without a real database.
package dbtest

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/segmentdb/expandctl/lib/dbclient"
)

// Table is an in-memory relation: an ordered list of rows keyed by column
// name.
type Table struct {
	mu      sync.Mutex
	Columns []string
	Rows    [][]interface{}
}

// Client is a fake dbclient.Client backed by in-memory tables, GUCs and a
// scripted QueryRow/Query responder for anything test code needs to assert
// specific SQL was issued.
type Client struct {
	mu      sync.Mutex
	Tables  map[string]*Table
	GUCs    map[string]string
	Execs   []string
	ExecErr error

	// RowScanner, when set, is invoked for every QueryRow call in place of
	// look-up-by-table logic, letting a test script a specific scan result.
	RowScanner func(sql string, args ...interface{}) dbclient.Row
	// RowsScripter, when set, is invoked for every Query call, letting a
	// test script a streamed result set.
	RowsScripter func(sql string, args ...interface{}) (dbclient.Rows, error)
	// GUCErr, when set, is returned by every GUC call instead of a lookup.
	GUCErr error
}

// New returns an empty fake client.
func New() *Client {
	return &Client{
		Tables: map[string]*Table{},
		GUCs:   map[string]string{},
	}
}

// Exec implements dbclient.Client.
func (c *Client) Exec(_ context.Context, sql string, _ ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, sql)
	return c.ExecErr
}

// QueryRow implements dbclient.Client.
func (c *Client) QueryRow(_ context.Context, sql string, args ...interface{}) dbclient.Row {
	if c.RowScanner != nil {
		return c.RowScanner(sql, args...)
	}
	return errRow{trace.NotFound("no row scripted for %q", sql)}
}

// Query implements dbclient.Client.
func (c *Client) Query(ctx context.Context, sql string, args ...interface{}) (dbclient.Rows, error) {
	if c.RowsScripter != nil {
		return c.RowsScripter(sql, args...)
	}
	return nil, trace.NotImplemented("fake client does not support Query")
}

// Begin implements dbclient.Client with a transaction whose Exec records
// each statement in Execs immediately; Commit and Rollback are no-ops.
func (c *Client) Begin(context.Context) (dbclient.Tx, error) {
	return &fakeTx{client: c}, nil
}

// CopyFrom implements dbclient.Client by appending rows to an in-memory table.
func (c *Client) CopyFrom(_ context.Context, table string, columns []string, rows [][]interface{}) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[table]
	if !ok {
		t = &Table{Columns: columns}
		c.Tables[table] = t
	}
	t.Rows = append(t.Rows, rows...)
	return int64(len(rows)), nil
}

// GUC implements dbclient.Client.
func (c *Client) GUC(_ context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GUCErr != nil {
		return "", c.GUCErr
	}
	v, ok := c.GUCs[name]
	if !ok {
		return "", trace.NotFound("GUC %q not set", name)
	}
	return v, nil
}

// Close implements dbclient.Client.
func (c *Client) Close(context.Context) error { return nil }

// SliceRows is a dbclient.Rows fake that iterates a fixed in-memory row
// set, copying each column value into the Scan destinations via a simple
// reflection-free type switch on common scalar/slice kinds.
type SliceRows struct {
	rows []map[string]interface{}
	cols []string
	pos  int
}

// NewSliceRows builds a SliceRows that scans columns in cols order, one
// map per row keyed by column name.
func NewSliceRows(cols []string, rows []map[string]interface{}) *SliceRows {
	return &SliceRows{cols: cols, rows: rows, pos: -1}
}

// Next implements dbclient.Rows.
func (r *SliceRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

// Scan implements dbclient.Rows, assigning row[col] into dest[i] via a
// pointer type switch covering the column kinds this package's queries
// actually return.
func (r *SliceRows) Scan(dest ...interface{}) error {
	row := r.rows[r.pos]
	for i, col := range r.cols {
		if i >= len(dest) {
			break
		}
		if err := assign(dest[i], row[col]); err != nil {
			return trace.Wrap(err, "column %q", col)
		}
	}
	return nil
}

// Err implements dbclient.Rows.
func (r *SliceRows) Err() error { return nil }

// Close implements dbclient.Rows.
func (r *SliceRows) Close() {}

func assign(dest interface{}, value interface{}) error {
	switch d := dest.(type) {
	case *string:
		*d, _ = value.(string)
	case *int:
		*d, _ = value.(int)
	case *int64:
		*d, _ = value.(int64)
	case *bool:
		*d, _ = value.(bool)
	case *[]int:
		*d, _ = value.([]int)
	case *[]string:
		*d, _ = value.([]string)
	default:
		return trace.BadParameter("unsupported scan destination %T", dest)
	}
	return nil
}

// Dialer is a fake dbclient.Dialer handing out a fixed Client per database
// name, with every Dial recorded for assertions.
type Dialer struct {
	mu      sync.Mutex
	Clients map[string]*Client
	Dials   []string
	DialErr map[string]error
}

// NewDialer returns an empty fake Dialer.
func NewDialer() *Dialer {
	return &Dialer{Clients: map[string]*Client{}, DialErr: map[string]error{}}
}

// Dial implements dbclient.Dialer.
func (d *Dialer) Dial(_ context.Context, database string) (dbclient.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dials = append(d.Dials, database)
	if err := d.DialErr[database]; err != nil {
		return nil, err
	}
	c, ok := d.Clients[database]
	if !ok {
		c = New()
		d.Clients[database] = c
	}
	return c, nil
}

type errRow struct{ err error }

func (r errRow) Scan(...interface{}) error { return r.err }

type fakeTx struct {
	client *Client
	ops    []func()
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...interface{}) error {
	t.client.mu.Lock()
	t.client.Execs = append(t.client.Execs, sql)
	t.client.mu.Unlock()
	return nil
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...interface{}) dbclient.Row {
	return t.client.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error { return nil }

func (t *fakeTx) Rollback(context.Context) error { return nil }
