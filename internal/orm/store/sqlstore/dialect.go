package sqlstore

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/conduit-lang/detach/internal/orm/store"
)

// dialect captures the SQL differences between the supported databases
type dialect struct {
	name string
	// numbered placeholders ($1) instead of ?
	numbered bool
	// returning fetches generated identifiers with INSERT ... RETURNING
	returning bool
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true, returning: true}
)

// dialectFor maps a database/sql driver name to its dialect
func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return sqliteDialect, nil
	case "postgres", "pgx":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("sqlstore: unsupported driver %q", driver)
}

func (d dialect) placeholder(n int) string {
	if d.numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

var timeType = reflect.TypeFor[time.Time]()

func (d dialect) columnType(c store.Column) string {
	t := c.Type
	if t == timeType {
		if d.numbered {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if d.numbered {
			return "BIGINT"
		}
		return "INTEGER"
	case reflect.Float32, reflect.Float64:
		if d.numbered {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			if d.numbered {
				return "BYTEA"
			}
			return "BLOB"
		}
	}
	return "TEXT"
}

// createTable returns the DDL that creates t and indexes its reference columns
func (d dialect) createTable(t store.Table) []string {
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		switch {
		case c.Name == t.ID && t.Generated && d.numbered:
			defs = append(defs, quote(c.Name)+" BIGSERIAL PRIMARY KEY")
		case c.Name == t.ID && t.Generated:
			defs = append(defs, quote(c.Name)+" INTEGER PRIMARY KEY AUTOINCREMENT")
		case c.Name == t.ID:
			defs = append(defs, quote(c.Name)+" "+d.columnType(c)+" PRIMARY KEY")
		case c.Nullable:
			defs = append(defs, quote(c.Name)+" "+d.columnType(c))
		default:
			defs = append(defs, quote(c.Name)+" "+d.columnType(c)+" NOT NULL")
		}
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(t.Name), strings.Join(defs, ", "))}
	for _, col := range t.Indexed() {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote("idx_"+t.Name+"_"+col), quote(t.Name), quote(col)))
	}
	return stmts
}

func (d dialect) selectColumns(t store.Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quote(c.Name)
	}
	return strings.Join(cols, ", ")
}

func (d dialect) selectWhere(t store.Table, column string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s",
		d.selectColumns(t), quote(t.Name), quote(column), d.placeholder(1), quote(t.ID))
}

// insert builds an INSERT for the columns of t present in rec
func (d dialect) insert(t store.Table, rec store.Record, returning bool) (string, []any) {
	var cols, marks []string
	var args []any
	for _, c := range t.Columns {
		v, ok := rec[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, quote(c.Name))
		args = append(args, v)
		marks = append(marks, d.placeholder(len(args)))
	}

	var query string
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quote(t.Name))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(t.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
	}
	if returning {
		query += " RETURNING " + quote(t.ID)
	}
	return query, args
}

// update builds an UPDATE of the changed columns, guarded by the lock column
// when one is given. Columns follow the table order. It returns false when
// no column of t changes.
func (d dialect) update(t store.Table, id any, changes store.Record, lock *store.Lock) (string, []any, bool) {
	var sets []string
	var args []any
	for _, c := range t.Columns {
		v, ok := changes[c.Name]
		if !ok || c.Name == t.ID {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = %s", quote(c.Name), d.placeholder(len(args))))
	}
	if len(sets) == 0 {
		return "", nil, false
	}

	args = append(args, id)
	where := fmt.Sprintf("%s = %s", quote(t.ID), d.placeholder(len(args)))
	if lock != nil {
		args = append(args, lock.Expected)
		where += fmt.Sprintf(" AND %s = %s", quote(lock.Column), d.placeholder(len(args)))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", quote(t.Name), strings.Join(sets, ", "), where), args, true
}
