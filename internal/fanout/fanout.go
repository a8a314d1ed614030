// Package fanout retrieves every dependent child collection of a parent record.
//
// Relations are compiled once into per-entity filter templates (child column,
// operator, bound parent column) and sort templates. A fetch binds the parent
// row into each template, fills the rows, and re-sorts them in memory because
// the store's fill does not promise any order.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/agentic-research/incidnav/api"
	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/store"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrNoTemplate is returned in strict mode for an entity with no compiled template.
	ErrNoTemplate = errors.New("no filter template for entity")

	// ErrBadRelation is returned by New for a relation that cannot be compiled.
	ErrBadRelation = errors.New("invalid relation")
)

// FetchError identifies the entity type whose retrieval failed.
type FetchError struct {
	Entity string
	Err    error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.Entity, e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

var allowedOps = map[string]bool{"=": true, "<>": true, "<": true, "<=": true, ">": true, ">=": true, "LIKE": true}

// term is one compiled filter condition.
type term struct {
	column string
	op     string
	parent string // parent column whose value is bound
}

// template is the compiled, immutable form of an api.Relation.
type template struct {
	entity        string
	table         string
	terms         []term
	where         string
	sort          []api.SortKey
	trackOriginal bool
}

// Options configures a Fanout.
type Options struct {
	// Strict makes a missing template an error instead of an empty result.
	Strict bool
	// CacheSize bounds the per-parent result cache; 0 disables caching.
	CacheSize int
}

// Fanout fetches child rows for parent records.
type Fanout struct {
	st        store.Store
	parentKey string
	templates map[string]*template
	order     []string // declared entity order
	strict    bool
	cache     *lru.Cache[keys.Key, *Result]
}

// New compiles rel into templates.
func New(st store.Store, rel *api.Relations, opts Options) (*Fanout, error) {
	f := &Fanout{
		st:        st,
		parentKey: rel.ParentKey,
		templates: make(map[string]*template, len(rel.Children)),
		strict:    opts.Strict,
	}
	if f.parentKey == "" {
		f.parentKey = api.ParentKeyColumn
	}
	for _, r := range rel.Children {
		t, err := compile(r)
		if err != nil {
			return nil, err
		}
		if _, dup := f.templates[t.entity]; dup {
			return nil, fmt.Errorf("%w: duplicate entity %q", ErrBadRelation, t.entity)
		}
		f.templates[t.entity] = t
		f.order = append(f.order, t.entity)
	}
	if opts.CacheSize > 0 {
		c, err := lru.New[keys.Key, *Result](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create fanout cache: %w", err)
		}
		f.cache = c
	}
	return f, nil
}

func compile(r api.Relation) (*template, error) {
	if r.Entity == "" || r.Table == "" {
		return nil, fmt.Errorf("%w: entity and table are required", ErrBadRelation)
	}
	if len(r.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s has no relationship columns", ErrBadRelation, r.Entity)
	}
	t := &template{entity: r.Entity, table: r.Table, trackOriginal: r.TrackOriginal}
	conds := make([]string, 0, len(r.Columns))
	for _, cp := range r.Columns {
		op := strings.ToUpper(strings.TrimSpace(cp.Op))
		if op == "" {
			op = "="
		}
		if !allowedOps[op] {
			return nil, fmt.Errorf("%w: %s operator %q", ErrBadRelation, r.Entity, cp.Op)
		}
		if cp.Child == "" || cp.Parent == "" {
			return nil, fmt.Errorf("%w: %s has an empty column pair", ErrBadRelation, r.Entity)
		}
		t.terms = append(t.terms, term{column: cp.Child, op: op, parent: cp.Parent})
		conds = append(conds, fmt.Sprintf("%s %s ?", cp.Child, op))
	}
	t.where = strings.Join(conds, " AND ")

	t.sort = r.Sort
	if len(t.sort) == 0 {
		t.sort = []api.SortKey{{Column: r.Columns[0].Child}}
	}
	return t, nil
}

// Entities returns the entity names in declared order.
func (f *Fanout) Entities() []string {
	return append([]string(nil), f.order...)
}

// Result holds one parent's child collections.
// Results may be shared through the cache and must be treated as read-only.
type Result struct {
	Parent keys.Key
	Rows   map[string][]store.Row
	// Original is the row count at fetch time for entities that track it.
	Original map[string]int
}

// Get returns the rows of one entity.
func (r *Result) Get(entity string) []store.Row { return r.Rows[entity] }

// Tracked reports whether entity has an original-count snapshot.
func (r *Result) Tracked(entity string) bool {
	_, ok := r.Original[entity]
	return ok
}

// Changed compares a current row count against the snapshot.
func (r *Result) Changed(entity string, now int) (added, removed int) {
	orig, ok := r.Original[entity]
	if !ok {
		return 0, 0
	}
	if now > orig {
		return now - orig, 0
	}
	return 0, orig - now
}

// Dirty reports whether any tracked entity's count differs from its snapshot.
func (r *Result) Dirty(counts map[string]int) bool {
	for e, n := range counts {
		if a, d := r.Changed(e, n); a > 0 || d > 0 {
			return true
		}
	}
	return false
}

// Fetch retrieves every child collection of parent. Entity types are fetched
// independently: a failure in one is recorded as a *FetchError and the rest
// still run. The returned error joins all failures; the Result is always
// non-nil and holds whatever succeeded.
func (f *Fanout) Fetch(ctx context.Context, parent store.Row) (*Result, error) {
	pk := parent.Key(f.parentKey)
	if f.cache != nil {
		if r, ok := f.cache.Get(pk); ok {
			return r, nil
		}
	}

	res := &Result{
		Parent:   pk,
		Rows:     make(map[string][]store.Row, len(f.order)),
		Original: make(map[string]int),
	}
	var errs []error
	for _, e := range f.order {
		if err := ctx.Err(); err != nil {
			errs = append(errs, &FetchError{Entity: e, Err: err})
			continue
		}
		rows, err := f.fetch(ctx, f.templates[e], parent)
		if err != nil {
			errs = append(errs, &FetchError{Entity: e, Err: err})
			continue
		}
		res.Rows[e] = rows
		if f.templates[e].trackOriginal {
			res.Original[e] = len(rows)
		}
	}
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	if f.cache != nil {
		f.cache.Add(pk, res)
	}
	return res, nil
}

// FetchEntity retrieves one child collection. An unknown entity yields an
// empty result in lenient mode and ErrNoTemplate in strict mode; both log.
func (f *Fanout) FetchEntity(ctx context.Context, entity string, parent store.Row) ([]store.Row, error) {
	t, ok := f.templates[entity]
	if !ok {
		log.Printf("fanout: no filter template registered for entity %q (strict=%v)", entity, f.strict)
		if f.strict {
			return nil, fmt.Errorf("%w: %q", ErrNoTemplate, entity)
		}
		return nil, nil
	}
	return f.fetch(ctx, t, parent)
}

func (f *Fanout) fetch(ctx context.Context, t *template, parent store.Row) ([]store.Row, error) {
	args := make([]any, len(t.terms))
	for i, tm := range t.terms {
		v, ok := parent[tm.parent]
		if !ok {
			return nil, fmt.Errorf("%w: parent row has no column %q", ErrBadRelation, tm.parent)
		}
		args[i] = v
	}
	rows, err := f.st.Fill(ctx, store.Query{Table: t.table, Where: t.where, Args: args})
	if err != nil {
		return nil, err
	}
	store.Sort(rows, t.sort)
	return rows, nil
}

// Invalidate drops the cached children of one parent, e.g. after an edit.
func (f *Fanout) Invalidate(k keys.Key) {
	if f.cache != nil {
		f.cache.Remove(k)
	}
}

// Purge drops every cached result.
func (f *Fanout) Purge() {
	if f.cache != nil {
		f.cache.Purge()
	}
}
