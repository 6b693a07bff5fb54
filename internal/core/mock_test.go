package core

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// mockDB stands in for the pool. Expectations match on the SQL text and the
// positional arguments, the latter passed as one []any.
type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// sqlHas matches a statement containing every fragment.
func sqlHas(fragments ...string) any {
	return mock.MatchedBy(func(sql string) bool {
		for _, f := range fragments {
			if !strings.Contains(sql, f) {
				return false
			}
		}
		return true
	})
}

func sqlStarts(prefix string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.HasPrefix(sql, prefix) })
}

// updated is the tag of an UPDATE touching n rows.
func updated(n int) pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n))
}

type scanFn func(dest ...any) error

type row struct{ scan scanFn }

func (r row) Scan(dest ...any) error { return r.scan(dest...) }

func scanRow(fn scanFn) pgx.Row { return row{scan: fn} }

func errRow(err error) pgx.Row {
	return row{scan: func(...any) error { return err }}
}

func noRow() pgx.Row { return errRow(pgx.ErrNoRows) }

// violationRow fails the way a unique index rejects an insert.
func violationRow(constraint string) pgx.Row {
	return errRow(&pgconn.PgError{Code: "23505", ConstraintName: constraint})
}

// columnsRow sets the listed destinations by position and leaves the rest
// zero. A value whose type does not match its destination panics.
func columnsRow(cols map[int]any) pgx.Row {
	return scanRow(func(dest ...any) error {
		for i, v := range cols {
			reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
		}
		return nil
	})
}

// rows yields one scanFn per row, then err from Err.
type rows struct {
	scans []scanFn
	next  int
	err   error
}

func rowsOf(scans ...scanFn) *rows { return &rows{scans: scans} }

// failAfter makes iteration stop with err once the rows are consumed.
func (r *rows) failAfter(err error) *rows {
	r.err = err
	return r
}

func (r *rows) Next() bool { return r.next < len(r.scans) }

func (r *rows) Scan(dest ...any) error {
	fn := r.scans[r.next]
	r.next++
	return fn(dest...)
}

func (r *rows) Err() error                                   { return r.err }
func (r *rows) Close()                                       {}
func (r *rows) CommandTag() pgconn.CommandTag                 { return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.scans))) }
func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rows) RawValues() [][]byte                          { return nil }
func (r *rows) Values() ([]any, error)                       { return nil, r.err }
func (r *rows) Conn() *pgx.Conn                              { return nil }
