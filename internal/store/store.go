// Package store is the contract between the navigation core and the remote
// record store, plus a SQLite implementation of it.
//
// The core only ever needs two remote primitives: a scalar query (counts,
// min/max keys) and a filtered fill of rows. Ordering in memory is done by
// Sort, because a fill is not guaranteed to preserve any order.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentic-research/incidnav/api"
	"github.com/agentic-research/incidnav/internal/keys"
)

// ErrNoValue is returned by Scalar when the query produced no row or NULL.
var ErrNoValue = errors.New("query returned no value")

// Row is one fetched record, column name → value.
type Row map[string]any

// String returns the column as a string ("" for NULL or missing).
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Key returns the column as a business key.
func (r Row) Key(col string) keys.Key {
	return keys.Key(r.String(col))
}

// Query describes a Fill request.
type Query struct {
	Table   string
	Columns []string // nil selects every column
	Where   string   // boolean SQL expression using ? placeholders; empty matches all
	Args    []any
	OrderBy []api.SortKey
	Limit   int // <= 0 means unlimited
}

// SQL renders the query text.
func (q Query) SQL() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(q.Columns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(q.Columns, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(q.Table)
	if q.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(q.Where)
	}
	if len(q.OrderBy) > 0 {
		parts := make([]string, len(q.OrderBy))
		for i, k := range q.OrderBy {
			parts[i] = k.Column
			if k.Desc {
				parts[i] += " DESC"
			}
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(q.Limit))
	}
	return b.String()
}

// Store is the remote record store.
// Implementations must bound every call by their configured timeout.
type Store interface {
	// Scalar runs a query and returns the first column of the first row.
	Scalar(ctx context.Context, query string, args ...any) (any, error)
	// Fill returns the rows matching q.
	Fill(ctx context.Context, q Query) ([]Row, error)
}

// ScalarInt runs a scalar query and converts the result to int64.
func ScalarInt(ctx context.Context, s Store, query string, args ...any) (int64, error) {
	v, err := s.Scalar(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return Int64(v)
}

// ScalarString runs a scalar query and converts the result to a string.
// A NULL result is ErrNoValue.
func ScalarString(ctx context.Context, s Store, query string, args ...any) (string, error) {
	v, err := s.Scalar(ctx, query, args...)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case nil:
		return "", ErrNoValue
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return fmt.Sprint(x), nil
	}
}

// Int64 converts a driver value to int64.
func Int64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	case nil:
		return 0, ErrNoValue
	default:
		return 0, fmt.Errorf("unexpected scalar type %T", v)
	}
}

// Placeholders returns "?, ?, ..." with n markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Quote renders s as a SQL string literal.
// Used only where a clause must be split as text (see selection.ChunkClauseTopLevel).
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Literal renders a value as a SQL literal.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return Quote(x)
	case keys.Key:
		return Quote(string(x))
	case []byte:
		return Quote(string(x))
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}
