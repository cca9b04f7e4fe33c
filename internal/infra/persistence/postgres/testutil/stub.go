// Package testutil provides an in-process database/sql driver that understands
// the statements issued by the relational flush, so the postgres store can be
// exercised without a server.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	insertRe = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+(\w+)\s*\(([^)]*)\)`)
	selectRe = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+(\w+)`)
	deleteRe = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+(\w+)\s*$`)

	driverSeq atomic.Int64
)

// StubConn holds the stub database state. Tables maps a table name to its rows
// in insertion order; each row maps lower-case column names to values.
type StubConn struct {
	Execs   []string
	Tables  map[string][]map[string]any
	Commits int

	FailExec   bool
	FailBegin  bool
	FailCommit bool
	FailTables map[string]bool
	RowsErr    error

	pending map[string][]map[string]any
}

// NewStubDB registers a fresh stub driver and opens a *sql.DB on it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: map[string][]map[string]any{}}
	name := fmt.Sprintf("titertrack-stubpg-%d", driverSeq.Add(1))
	sql.Register(name, stubDriver{conn: conn})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

// Seed appends a committed row to table.
func (c *StubConn) Seed(table string, row map[string]any) {
	if c.Tables == nil {
		c.Tables = map[string][]map[string]any{}
	}
	c.Tables[table] = append(c.Tables[table], row)
}

type stubDriver struct{ conn *StubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn; only the context fast paths are supported.
func (c *StubConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("stub: prepare not supported: %s", query)
}

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger. It fails together with FailExec.
func (c *StubConn) Ping(context.Context) error {
	if c.FailExec {
		return errors.New("stub: ping failed")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx. Writes inside the transaction are
// staged and become visible on commit.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, errors.New("stub: begin failed")
	}
	c.pending = c.cloneTables()
	return stubTx{conn: c}, nil
}

func (c *StubConn) cloneTables() map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(c.Tables))
	for name, rows := range c.Tables {
		out[name] = append([]map[string]any(nil), rows...)
	}
	return out
}

func (c *StubConn) target() map[string][]map[string]any {
	if c.pending != nil {
		return c.pending
	}
	if c.Tables == nil {
		c.Tables = map[string][]map[string]any{}
	}
	return c.Tables
}

// ExecContext implements driver.ExecerContext for INSERT and unfiltered
// DELETE statements. Anything else (DDL) is recorded and accepted.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, errors.New("stub: exec failed")
	}
	tables := c.target()
	if m := insertRe.FindStringSubmatch(query); m != nil {
		table := strings.ToLower(m[1])
		if c.FailTables[table] {
			return nil, fmt.Errorf("stub: insert into %s failed", table)
		}
		cols := columns(m[2])
		if len(cols) != len(args) {
			return nil, fmt.Errorf("stub: %s has %d columns but %d args", table, len(cols), len(args))
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = args[i].Value
		}
		tables[table] = append(tables[table], row)
		return driver.RowsAffected(1), nil
	}
	if m := deleteRe.FindStringSubmatch(query); m != nil {
		table := strings.ToLower(m[1])
		n := len(tables[table])
		delete(tables, table)
		return driver.RowsAffected(n), nil
	}
	return driver.RowsAffected(0), nil
}

// QueryContext implements driver.QueryerContext for single-table SELECTs.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	m := selectRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("stub: unsupported query: %s", query)
	}
	table := strings.ToLower(m[2])
	if c.FailTables[table] {
		return nil, fmt.Errorf("stub: select from %s failed", table)
	}
	cols := columns(m[1])
	src := c.target()[table]
	rows := &stubRows{cols: cols, err: c.RowsErr}
	for _, row := range src {
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		rows.rows = append(rows.rows, vals)
	}
	return rows, nil
}

type stubTx struct{ conn *StubConn }

func (t stubTx) Commit() error {
	defer func() { t.conn.pending = nil }()
	if t.conn.FailCommit {
		return errors.New("stub: commit failed")
	}
	t.conn.Tables = t.conn.pending
	t.conn.Commits++
	return nil
}

func (t stubTx) Rollback() error {
	t.conn.pending = nil
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	next int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.next == len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.next])
	r.next++
	return nil
}

func columns(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(p)))
	}
	return out
}
