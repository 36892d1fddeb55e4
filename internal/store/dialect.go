// ABOUTME: SQL dialect abstraction so one store implementation serves SQLite and PostgreSQL
// ABOUTME: Covers placeholders, column types, JSON parameters and timestamp encoding

package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect abstracts database-specific SQL syntax differences.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// Placeholder returns a parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	TimestampType() string
	BoolType() string
	JSONType() string

	// JSONParam wraps a placeholder so the bound text is read as JSON.
	JSONParam(placeholder string) string

	// Time encodes a timestamp parameter.
	Time(t time.Time) any

	// TimeParam wraps a placeholder where the column type cannot be inferred.
	TimeParam(placeholder string) string
}

// SQLiteDialect implements Dialect for SQLite. Timestamps are stored as TEXT
// in sqliteTimeLayout and JSON as TEXT.
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) Name() string { return "sqlite" }
func (d *SQLiteDialect) Placeholder(int) string { return "?" }
func (d *SQLiteDialect) TimestampType() string { return "TEXT" }
func (d *SQLiteDialect) BoolType() string { return "INTEGER" }
func (d *SQLiteDialect) JSONType() string { return "TEXT" }
func (d *SQLiteDialect) JSONParam(placeholder string) string { return placeholder }
func (d *SQLiteDialect) TimeParam(placeholder string) string { return placeholder }

func (d *SQLiteDialect) Time(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string { return "postgres" }
func (d *PostgresDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }
func (d *PostgresDialect) TimestampType() string { return "TIMESTAMPTZ" }
func (d *PostgresDialect) BoolType() string { return "BOOLEAN" }
func (d *PostgresDialect) JSONType() string { return "JSONB" }
func (d *PostgresDialect) Time(t time.Time) any { return t.UTC() }
func (d *PostgresDialect) JSONParam(ph string) string { return "CAST(" + ph + " AS JSONB)" }
func (d *PostgresDialect) TimeParam(ph string) string { return "CAST(" + ph + " AS TIMESTAMPTZ)" }

// params accumulates positional arguments and hands out the matching
// placeholder for each one. A value used twice is bound twice.
type params struct {
	d    Dialect
	vals []any
}

func newParams(d Dialect) *params {
	return &params{d: d}
}

// add binds v and returns its placeholder.
func (p *params) add(v any) string {
	p.vals = append(p.vals, v)
	return p.d.Placeholder(len(p.vals))
}

// json binds a JSON document (string or nil) and returns the typed placeholder.
func (p *params) json(v any) string {
	return p.d.JSONParam(p.add(v))
}

// time binds t, or NULL when t is nil.
func (p *params) time(t *time.Time) string {
	if t == nil {
		return p.add(nil)
	}
	return p.add(p.d.Time(*t))
}

// in binds each id and returns a parenthesised placeholder list.
func (p *params) in(ids []string) string {
	phs := make([]string, len(ids))
	for i, id := range ids {
		phs[i] = p.add(id)
	}
	return "(" + strings.Join(phs, ", ") + ")"
}

// nullTime scans a nullable timestamp column stored either natively or as text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (n *nullTime) parse(s string) error {
	if s == "" {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("parsing timestamp %q", s)
}

// Ptr returns the scanned time or nil.
func (n nullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// jsonText scans a JSON column returned as text or bytes.
type jsonText struct {
	Data  []byte
	Valid bool
}

func (j *jsonText) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		j.Data, j.Valid = nil, false
	case string:
		j.Data, j.Valid = []byte(v), true
	case []byte:
		j.Data, j.Valid = append([]byte(nil), v...), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("unsupported json column type %T: %w", src, err)
		}
		j.Data, j.Valid = b, true
	}
	return nil
}
