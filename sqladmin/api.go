// Package sqladmin exposes operator queries over the SQLite store through a
// virtual table.
//
//	CREATE VIRTUAL TABLE dedup_admin USING dedup_admin(op);
//	SELECT op FROM dedup_admin WHERE op MATCH '*';        -- one '<table>:<count>' row per partition
//	SELECT op FROM dedup_admin WHERE op MATCH 't_m100123'; -- 'records:<count>'
package sqladmin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite/vtab"

	"github.com/viant/sqlite-dedup/partition"
	"github.com/viant/sqlite-dedup/store/sqlstore"
)

// ModuleName is the virtual table module name.
const ModuleName = "dedup_admin"

// Module provides administrative queries via a virtual table.
type Module struct{ db *sql.DB }

type Table struct{ db *sql.DB }

type Cursor struct {
	table *Table
	rows  []string
	pos   int
}

// ErrSingleConnection is returned by Register for pools pinned to one
// connection. The module answers queries through a second connection, which
// such a pool can never hand out while the outer query holds the first.
var ErrSingleConnection = errors.New("sqladmin: database pool is limited to one connection")

// Register makes the module available to connections opened afterwards.
// Private in-memory databases are rejected with ErrSingleConnection.
func Register(db *sql.DB) error {
	if db.Stats().MaxOpenConnections == 1 {
		return ErrSingleConnection
	}
	if err := vtab.RegisterModule(db, ModuleName, &Module{db: db}); err != nil {
		if !strings.Contains(err.Error(), "already registered") {
			return err
		}
	}
	return nil
}

func (m *Module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.Connect(ctx, args)
}

func (m *Module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("%s: need at least 3 args", ModuleName)
	}
	if err := ctx.EnableConstraintSupport(); err != nil {
		return nil, fmt.Errorf("%s: EnableConstraintSupport failed: %w", ModuleName, err)
	}
	// Single TEXT column `op` reporting results.
	if err := ctx.Declare(fmt.Sprintf("CREATE TABLE %s(op)", args[2])); err != nil {
		return nil, err
	}
	return &Table{db: m.db}, nil
}

func (t *Table) BestIndex(info *vtab.IndexInfo) error {
	for i := range info.Constraints {
		c := &info.Constraints[i]
		if !c.Usable {
			continue
		}
		if c.Column == 0 && c.Op == vtab.OpMATCH {
			// 0-based; the driver passes argvIndex 1 to SQLite.
			c.ArgIndex = 0
			c.Omit = true
			info.IdxNum = 1
			break
		}
	}
	return nil
}

func (t *Table) Open() (vtab.Cursor, error) { return &Cursor{table: t}, nil }
func (t *Table) Disconnect() error { return nil }
func (t *Table) Destroy() error { return nil }

func (c *Cursor) Filter(idxNum int, idxStr string, vals []vtab.Value) error {
	c.rows = nil
	c.pos = 0
	if idxNum != 1 || len(vals) == 0 || vals[0] == nil {
		return nil
	}
	op, ok := vals[0].(string)
	if !ok {
		return fmt.Errorf("%s: MATCH expects '*' or a partition table name as TEXT", ModuleName)
	}
	rows, err := run(context.Background(), c.table.db, strings.TrimSpace(op))
	if err != nil {
		return err
	}
	c.rows = rows
	return nil
}

func (c *Cursor) Next() error {
	if c.pos < len(c.rows) {
		c.pos++
	}
	return nil
}

func (c *Cursor) Eof() bool { return c.pos >= len(c.rows) }

func (c *Cursor) Column(col int) (vtab.Value, error) {
	if c.pos < 0 || c.pos >= len(c.rows) {
		return nil, fmt.Errorf("%s: Column out of range", ModuleName)
	}
	if col == 0 {
		return c.rows[c.pos], nil
	}
	return nil, nil
}

func (c *Cursor) Rowid() (int64, error) { return int64(c.pos + 1), nil }

func (c *Cursor) Close() error {
	c.rows = nil
	c.pos = 0
	return nil
}

func run(ctx context.Context, db *sql.DB, op string) ([]string, error) {
	names, err := partitionNames(ctx, db)
	if err != nil {
		return nil, err
	}
	if op == "*" {
		out := make([]string, 0, len(names))
		for _, name := range names {
			n, err := count(ctx, db, name)
			if err != nil {
				return nil, err
			}
			out = append(out, fmt.Sprintf("%s:%d", name, n))
		}
		return out, nil
	}
	for _, name := range names {
		if name == op {
			n, err := count(ctx, db, name)
			if err != nil {
				return nil, err
			}
			return []string{fmt.Sprintf("records:%d", n)}, nil
		}
	}
	return nil, fmt.Errorf("%s: unknown partition %q", ModuleName, op)
}

// partitionNames reads the registry so only known tables are ever
// interpolated into SQL.
func partitionNames(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM "+sqlstore.RegistryTable+" ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func count(ctx context.Context, db *sql.DB, name string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+partition.Quote(name)).Scan(&n)
	return n, err
}
