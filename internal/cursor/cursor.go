// Package cursor keeps a contiguous window ("page") of a remote, key-ordered
// record collection and moves through it by key, by absolute ordinal, or by
// position within an explicit filtered key list.
//
// The window is only ever replaced whole. Every reload snapshots the previous
// window first and restores it on any failure, so callers never observe a
// half-updated page.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync/atomic"

	"github.com/agentic-research/incidnav/api"
	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/store"
)

// Failed is the ordinal returned alongside every error that left the window unchanged.
const Failed = -1

var (
	// ErrBusy is returned when a navigation is already running on this cursor.
	ErrBusy = errors.New("navigation already in progress")

	// ErrNoRecords means the collection (or the requested range of it) is empty.
	ErrNoRecords = errors.New("no more records")

	// ErrNotInFilteredSet means the requested key was not returned by the store;
	// the cursor moved to the nearest loaded row instead.
	ErrNotInFilteredSet = errors.New("record not found in filtered set")

	// ErrFilterExhausted means a filtered fetch returned nothing. The filtered
	// window has been cleared and the caller should drop its active filter.
	ErrFilterExhausted = errors.New("filtered set returned no records")

	// ErrSeekNotConverged means the ordinal probe hit its iteration bound.
	ErrSeekNotConverged = errors.New("ordinal seek did not converge")

	// ErrCodecMismatch means the stored keys are not in the configured key
	// format, so ordinals cannot be mapped to keys.
	ErrCodecMismatch = errors.New("stored keys do not match the key codec")
)

// Options configures a Cursor.
type Options struct {
	Table     string // parent table, e.g. "incid"
	KeyColumn string // ordering key column
	PageSize  int
	MaxProbes int // bound on the middle-case seek loop
	Codec     keys.Codec
}

// DefaultOptions returns options for the HLU incid table.
func DefaultOptions() Options {
	return Options{
		Table:     api.ParentTable,
		KeyColumn: api.ParentKeyColumn,
		PageSize:  100,
		MaxProbes: 64,
		Codec:     keys.NewCodec("", keys.DefaultWidth),
	}
}

// Window is a materialized slice of the ordered collection.
// Rows hold ordinals [Min, Max). When Filtered is set, the ordinals index the
// caller's explicit key list instead of the full collection; keys the store
// did not return leave holes, and Ords holds each row's list ordinal.
type Window struct {
	Min, Max int
	Rows     []store.Row
	Filtered bool
	Ords     []int
}

// Len returns the number of materialized rows.
func (w Window) Len() int { return len(w.Rows) }

// Contains reports whether ordinal n is materialized.
func (w Window) Contains(n int) bool {
	if w.Filtered {
		return slices.Contains(w.Ords, n)
	}
	return len(w.Rows) > 0 && n >= w.Min && n < w.Max
}

// Ordinal returns the ordinal of Rows[i].
func (w Window) Ordinal(i int) int {
	if w.Filtered {
		return w.Ords[i]
	}
	return w.Min + i
}

// Cursor is a paged, seekable view over the remote collection.
// A Cursor runs one navigation at a time; concurrent calls get ErrBusy.
type Cursor struct {
	st   store.Store
	opts Options

	win   Window
	total int // collection size, -1 until first counted
	pos   int // index of the current row in win.Rows, -1 when none

	busy atomic.Bool
}

// New creates a cursor over st. Zero-valued options fall back to DefaultOptions.
func New(st store.Store, opts Options) *Cursor {
	def := DefaultOptions()
	if opts.Table == "" {
		opts.Table = def.Table
	}
	if opts.KeyColumn == "" {
		opts.KeyColumn = def.KeyColumn
	}
	if opts.PageSize < 1 {
		opts.PageSize = def.PageSize
	}
	if opts.MaxProbes < 1 {
		opts.MaxProbes = def.MaxProbes
	}
	if opts.Codec.Width < 1 {
		opts.Codec = def.Codec
	}
	return &Cursor{st: st, opts: opts, total: -1, pos: -1}
}

// Options returns the cursor configuration.
func (c *Cursor) Options() Options { return c.opts }

// Window returns a copy of the current window.
func (c *Cursor) Window() Window {
	w := c.win
	w.Rows = slices.Clone(c.win.Rows)
	w.Ords = slices.Clone(c.win.Ords)
	return w
}

// Count returns the last known collection size (-1 if never counted).
func (c *Cursor) Count() int { return c.total }

// Current returns the current row and its ordinal: absolute in the
// collection, or 0-based in the key list after SeekInFilteredSet.
func (c *Cursor) Current() (store.Row, int, bool) {
	if c.pos < 0 || c.pos >= len(c.win.Rows) {
		return nil, Failed, false
	}
	return c.win.Rows[c.pos], c.win.Ordinal(c.pos), true
}

// Reset drops the window, e.g. after the active filter is cleared.
func (c *Cursor) Reset() {
	c.win = Window{}
	c.pos = -1
}

func (c *Cursor) acquire() error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (c *Cursor) release() { c.busy.Store(false) }

type snapshot struct {
	win   Window
	total int
	pos   int
}

func (c *Cursor) save() snapshot { return snapshot{win: c.win, total: c.total, pos: c.pos} }

func (c *Cursor) restore(s snapshot, op string, err error) {
	c.win, c.total, c.pos = s.win, s.total, s.pos
	log.Printf("cursor: %s failed, restored window [%d,%d): %v", op, s.win.Min, s.win.Max, err)
}

// Refresh re-counts the collection.
func (c *Cursor) Refresh(ctx context.Context) (int, error) {
	if err := c.acquire(); err != nil {
		return Failed, err
	}
	defer c.release()
	n, err := c.countAll(ctx)
	if err != nil {
		return Failed, err
	}
	c.total = n
	return n, nil
}

// GoToKey loads a page starting at the first key >= k and returns that row's
// absolute ordinal. The window is untouched on failure.
func (c *Cursor) GoToKey(ctx context.Context, k keys.Key) (int, error) {
	if err := c.acquire(); err != nil {
		return Failed, err
	}
	defer c.release()

	saved := c.save()
	start, err := c.countBefore(ctx, k)
	if err != nil {
		c.restore(saved, "go to key", err)
		return Failed, err
	}
	rows, err := c.fillFrom(ctx, k)
	if err != nil {
		c.restore(saved, "go to key", err)
		return Failed, err
	}
	if len(rows) == 0 {
		c.restore(saved, "go to key", ErrNoRecords)
		return Failed, fmt.Errorf("go to %s: %w", k, ErrNoRecords)
	}
	c.win = Window{Min: start, Max: start + len(rows), Rows: rows}
	c.pos = 0
	return start, nil
}

// SeekByOrdinal moves to absolute 0-based ordinal n and returns its index in
// the window. Inside the window no I/O is issued. Negative n clamps to the
// first record and n past the end clamps to the last.
func (c *Cursor) SeekByOrdinal(ctx context.Context, n int) (int, error) {
	if err := c.acquire(); err != nil {
		return Failed, err
	}
	defer c.release()

	if n < 0 {
		n = 0
	}
	if !c.win.Filtered && c.win.Contains(n) {
		c.pos = n - c.win.Min
		return c.pos, nil
	}

	saved := c.save()
	total, err := c.countAll(ctx)
	if err != nil {
		c.restore(saved, "seek", err)
		return Failed, err
	}
	if total == 0 {
		c.restore(saved, "seek", ErrNoRecords)
		return Failed, ErrNoRecords
	}
	c.total = total

	switch {
	case n >= total:
		n = total - 1
		err = c.loadLast(ctx)
	case n < 2 && n < c.opts.PageSize:
		err = c.loadFirst(ctx)
	default:
		err = c.loadAt(ctx, n)
	}
	if err != nil {
		c.restore(saved, "seek", err)
		return Failed, err
	}
	if !c.win.Contains(n) {
		// The collection changed between the count and the fill.
		err = fmt.Errorf("ordinal %d outside reloaded window [%d,%d): %w", n, c.win.Min, c.win.Max, ErrNoRecords)
		c.restore(saved, "seek", err)
		return Failed, err
	}
	c.pos = n - c.win.Min
	return c.pos, nil
}

// SeekInFilteredSet moves to the 1-based position n within set, an explicit
// ordered key list. n is clamped into the list. Rows already materialized are
// used without I/O; otherwise a batch of up to PageSize keys is fetched in the
// direction of travel.
//
// If the store does not return the requested key, the cursor lands on the
// nearest loaded row and the index is returned together with ErrNotInFilteredSet.
func (c *Cursor) SeekInFilteredSet(ctx context.Context, set []keys.Key, n int) (int, error) {
	if err := c.acquire(); err != nil {
		return Failed, err
	}
	defer c.release()

	if len(set) == 0 {
		c.Reset()
		return Failed, ErrFilterExhausted
	}
	idx := min(max(n-1, 0), len(set)-1)
	target := set[idx]

	if i := c.indexOf(target); i >= 0 {
		c.pos = i
		return i, nil
	}

	saved := c.save()
	forward := !c.win.Filtered || idx >= c.win.Min
	lo, hi := idx, min(idx+c.opts.PageSize, len(set))
	if !forward {
		lo, hi = max(0, idx-c.opts.PageSize+1), idx+1
	}
	batch := set[lo:hi]

	rows, ords, err := c.fillKeys(ctx, batch)
	if err != nil {
		c.restore(saved, "filtered seek", err)
		return Failed, err
	}
	if len(rows) == 0 {
		c.Reset()
		log.Printf("cursor: filtered fetch of %d keys returned nothing, filter cleared", len(batch))
		return Failed, ErrFilterExhausted
	}

	for i := range ords {
		ords[i] += lo
	}
	c.win = Window{Min: lo, Max: hi, Rows: rows, Filtered: true, Ords: ords}
	if i := c.indexOf(target); i >= 0 {
		c.pos = i
		return i, nil
	}
	c.pos = 0
	if !forward {
		c.pos = len(rows) - 1
	}
	return c.pos, fmt.Errorf("%s: %w", target, ErrNotInFilteredSet)
}

func (c *Cursor) indexOf(k keys.Key) int {
	for i, r := range c.win.Rows {
		if r.Key(c.opts.KeyColumn) == k {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Remote access
// ---------------------------------------------------------------------------

func (c *Cursor) countAll(ctx context.Context) (int, error) {
	n, err := store.ScalarInt(ctx, c.st, fmt.Sprintf("SELECT COUNT(*) FROM %s", c.opts.Table))
	if err != nil {
		return Failed, fmt.Errorf("count %s: %w", c.opts.Table, err)
	}
	return int(n), nil
}

func (c *Cursor) countBefore(ctx context.Context, k keys.Key) (int, error) {
	n, err := store.ScalarInt(ctx, c.st,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s < ?", c.opts.Table, c.opts.KeyColumn), string(k))
	if err != nil {
		return Failed, fmt.Errorf("count before %s: %w", k, err)
	}
	return int(n), nil
}

func (c *Cursor) firstKeyFrom(ctx context.Context, k keys.Key) (keys.Key, error) {
	s, err := store.ScalarString(ctx, c.st,
		fmt.Sprintf("SELECT MIN(%s) FROM %s WHERE %s >= ?", c.opts.KeyColumn, c.opts.Table, c.opts.KeyColumn), string(k))
	if err != nil {
		return "", fmt.Errorf("first key from %s: %w", k, err)
	}
	return keys.Key(s), nil
}

func (c *Cursor) orderBy(desc bool) []api.SortKey {
	return []api.SortKey{{Column: c.opts.KeyColumn, Desc: desc}}
}

func (c *Cursor) fillFrom(ctx context.Context, k keys.Key) ([]store.Row, error) {
	return c.st.Fill(ctx, store.Query{
		Table:   c.opts.Table,
		Where:   c.opts.KeyColumn + " >= ?",
		Args:    []any{string(k)},
		OrderBy: c.orderBy(false),
		Limit:   c.opts.PageSize,
	})
}

// fillKeys fetches ks and returns the rows in list order together with each
// row's index in ks.
func (c *Cursor) fillKeys(ctx context.Context, ks []keys.Key) ([]store.Row, []int, error) {
	args := make([]any, len(ks))
	for i, k := range ks {
		args[i] = string(k)
	}
	rows, err := c.st.Fill(ctx, store.Query{
		Table: c.opts.Table,
		Where: fmt.Sprintf("%s IN (%s)", c.opts.KeyColumn, store.Placeholders(len(ks))),
		Args:  args,
	})
	if err != nil {
		return nil, nil, err
	}
	// Keep the caller's list order, which need not be key order.
	rank := make(map[keys.Key]int, len(ks))
	for i, k := range ks {
		if _, ok := rank[k]; !ok {
			rank[k] = i
		}
	}
	slices.SortStableFunc(rows, func(a, b store.Row) int {
		return rank[a.Key(c.opts.KeyColumn)] - rank[b.Key(c.opts.KeyColumn)]
	})
	ords := make([]int, len(rows))
	for i, r := range rows {
		ords[i] = rank[r.Key(c.opts.KeyColumn)]
	}
	return rows, ords, nil
}

func (c *Cursor) loadFirst(ctx context.Context) error {
	rows, err := c.st.Fill(ctx, store.Query{Table: c.opts.Table, OrderBy: c.orderBy(false), Limit: c.opts.PageSize})
	if err != nil {
		return err
	}
	c.win = Window{Min: 0, Max: len(rows), Rows: rows}
	return nil
}

func (c *Cursor) loadLast(ctx context.Context) error {
	rows, err := c.st.Fill(ctx, store.Query{Table: c.opts.Table, OrderBy: c.orderBy(true), Limit: c.opts.PageSize})
	if err != nil {
		return err
	}
	slices.Reverse(rows)
	c.win = Window{Min: c.total - len(rows), Max: c.total, Rows: rows}
	return nil
}

// loadAt locates the key whose position in store order is n and loads a page
// starting there.
//
// Keys are distinct integers in number space, so the count of keys below a
// guess grows by at most one per unit of guess. Starting at first+n can only
// undershoot. Each probe jumps to the next existing key and adds the
// remaining shortfall, so the count strictly increases and never passes n.
func (c *Cursor) loadAt(ctx context.Context, n int) error {
	first, err := c.firstKeyFrom(ctx, "")
	if err != nil {
		return err
	}
	firstNum, err := c.codecNumber(first)
	if err != nil {
		return err
	}

	guess := firstNum + int64(n)
	for probe := 0; probe < c.opts.MaxProbes; probe++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		g := c.opts.Codec.KeyString(guess)
		pos, err := c.countBefore(ctx, g)
		if err != nil {
			return err
		}
		if pos == n {
			rows, err := c.fillFrom(ctx, g)
			if err != nil {
				return err
			}
			c.win = Window{Min: n, Max: n + len(rows), Rows: rows}
			return nil
		}
		if pos > n {
			// Only reachable if keys outside the codec's format are present.
			guess -= int64(pos - n)
			continue
		}
		next, err := c.firstKeyFrom(ctx, g)
		if err != nil {
			return err
		}
		nextNum, err := c.codecNumber(next)
		if err != nil {
			return err
		}
		guess = nextNum + int64(n-pos)
	}
	return fmt.Errorf("ordinal %d after %d probes: %w", n, c.opts.MaxProbes, ErrSeekNotConverged)
}

func (c *Cursor) codecNumber(k keys.Key) (int64, error) {
	n, err := c.opts.Codec.KeyNumber(k)
	if err != nil {
		return 0, fmt.Errorf("%w (prefix %q, width %d): %w", ErrCodecMismatch, c.opts.Codec.Prefix, c.opts.Codec.Width, err)
	}
	return n, nil
}

// First moves to the first record.
func (c *Cursor) First(ctx context.Context) (int, error) { return c.SeekByOrdinal(ctx, 0) }

// Last moves to the last record.
func (c *Cursor) Last(ctx context.Context) (int, error) {
	return c.SeekByOrdinal(ctx, int(^uint(0)>>1))
}

// Next moves one record forward, or to the first record when nothing is current.
func (c *Cursor) Next(ctx context.Context) (int, error) {
	_, ord, ok := c.Current()
	if !ok || c.win.Filtered {
		return c.First(ctx)
	}
	return c.SeekByOrdinal(ctx, ord+1)
}

// Previous moves one record back; at the first record it stays there.
func (c *Cursor) Previous(ctx context.Context) (int, error) {
	_, ord, ok := c.Current()
	if !ok || c.win.Filtered {
		return c.First(ctx)
	}
	return c.SeekByOrdinal(ctx, ord-1)
}
