// Package storetest provides SQLite fixtures and an instrumented Store for tests.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/store"
)

// Codec is the key codec used by fixtures: "0001:0000001" style keys.
var Codec = keys.NewCodec("0001", 7)

// Dataset maps table name to the rows to load into it.
type Dataset map[string][]store.Row

// Seed writes ds into a fresh database under t.TempDir and returns its path.
// Tables are loaded in sorted order so fixture IDs are deterministic.
func Seed(t testing.TB, ds Dataset) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hlu.db")

	w, err := store.NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	tables := make([]string, 0, len(ds))
	for tbl := range ds {
		tables = append(tables, tbl)
	}
	slices.Sort(tables)
	for _, tbl := range tables {
		for _, r := range ds[tbl] {
			if err := w.Add(tbl, r); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

// Open opens path as a store and closes it when the test ends.
func Open(t testing.TB, path string) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Incids returns incid rows for the given key numbers.
func Incids(nums ...int64) []store.Row {
	out := make([]store.Row, len(nums))
	for i, n := range nums {
		out[i] = store.Row{"incid": string(Codec.KeyString(n)), "ihs_habitat": fmt.Sprintf("H%d", n)}
	}
	return out
}

// Range returns n incid rows numbered from..from+n-1.
func Range(from int64, n int) []store.Row {
	nums := make([]int64, n)
	for i := range nums {
		nums[i] = from + int64(i)
	}
	return Incids(nums...)
}

// Polygon builds an incid_mm_polygons row.
func Polygon(incid keys.Key, toid, frag string) store.Row {
	return store.Row{"incid": string(incid), "toid": toid, "toidfragid": frag}
}

// Counting wraps a Store, counting calls and optionally injecting failures.
type Counting struct {
	Inner store.Store

	mu      sync.Mutex
	scalars int
	fills   int
	// Fail, when set, is consulted before every call; a non-nil error is
	// returned instead of reaching the inner store.
	Fail func(kind, text string) error
}

// NewCounting wraps s.
func NewCounting(s store.Store) *Counting {
	return &Counting{Inner: s}
}

// Calls returns the number of Scalar and Fill calls seen.
func (c *Counting) Calls() (scalars, fills int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scalars, c.fills
}

// Total returns Scalar + Fill calls.
func (c *Counting) Total() int {
	s, f := c.Calls()
	return s + f
}

// Reset zeroes the counters.
func (c *Counting) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scalars, c.fills = 0, 0
}

// SetFail installs a failure hook.
func (c *Counting) SetFail(fn func(kind, text string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fail = fn
}

func (c *Counting) check(kind, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == "scalar" {
		c.scalars++
	} else {
		c.fills++
	}
	if c.Fail != nil {
		return c.Fail(kind, text)
	}
	return nil
}

// Scalar implements store.Store.
func (c *Counting) Scalar(ctx context.Context, query string, args ...any) (any, error) {
	if err := c.check("scalar", query); err != nil {
		return nil, err
	}
	return c.Inner.Scalar(ctx, query, args...)
}

// Fill implements store.Store.
func (c *Counting) Fill(ctx context.Context, q store.Query) ([]store.Row, error) {
	if err := c.check("fill", q.SQL()); err != nil {
		return nil, err
	}
	return c.Inner.Fill(ctx, q)
}

var _ store.Store = (*Counting)(nil)
