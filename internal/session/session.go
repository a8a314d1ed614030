// Package session wires the cursor, child fan-out, selection analyzer and
// edit gate into one explicit editing session.
//
// Navigation is asynchronous: every move returns a Navigation the caller owns.
// Starting a navigation cancels the one in flight, and a navigation that was
// overtaken never applies its result. Navigations run one at a time, so the
// cursor never sees concurrent calls from a session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/agentic-research/incidnav/api"
	"github.com/agentic-research/incidnav/internal/cursor"
	"github.com/agentic-research/incidnav/internal/fanout"
	"github.com/agentic-research/incidnav/internal/gate"
	"github.com/agentic-research/incidnav/internal/gis"
	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/selection"
	"github.com/agentic-research/incidnav/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrSuperseded is returned by Wait when a newer navigation replaced this one.
	ErrSuperseded = errors.New("navigation superseded")

	// ErrNoFilterMatch is returned by SetFilter when the filter selects no record.
	ErrNoFilterMatch = errors.New("filter matched no records")
)

// Options configures a Session.
type Options struct {
	Cursor    cursor.Options
	Fanout    fanout.Options
	Selection selection.Options
	Relations *api.Relations // nil uses api.DefaultRelations
}

// Record is the applied result of a navigation.
type Record struct {
	Position int // 1-based, within the filter when one is active
	Row      store.Row
	Children *fanout.Result
}

// Key returns the record's incid.
func (r *Record) Key() keys.Key { return r.Row.Key(api.ParentKeyColumn) }

// Session is one operator's editing session.
type Session struct {
	ID string

	cur  *cursor.Cursor
	fan  *fanout.Fanout
	an   *selection.Analyzer
	app  gis.App
	gate *gate.Gate

	run sync.Mutex // held by the navigation that is touching the cursor

	mu       sync.Mutex
	epoch    uint64
	cancel   context.CancelFunc
	current  *Record
	filter   selection.Filter
	filtered []keys.Key // explicit key list while a filter is active
	db       *selection.Set
	origin   selection.Origin
	report   *selection.Report
}

// New creates a session over st and app.
func New(st store.Store, app gis.App, opts Options) (*Session, error) {
	rel := opts.Relations
	if rel == nil {
		rel = api.DefaultRelations()
	}
	fan, err := fanout.New(st, rel, opts.Fanout)
	if err != nil {
		return nil, fmt.Errorf("compile relations: %w", err)
	}
	s := &Session{
		ID:   uuid.NewString(),
		cur:  cursor.New(st, opts.Cursor),
		fan:  fan,
		an:   selection.NewAnalyzer(st, app, opts.Selection),
		app:  app,
		gate: gate.New(),
	}
	log.Printf("session %s: started", s.ID)
	return s, nil
}

// Gate returns the edit eligibility gate.
func (s *Session) Gate() *gate.Gate { return s.gate }

// Cursor returns the underlying cursor. Callers must not navigate it while a
// Navigation is in flight.
func (s *Session) Cursor() *cursor.Cursor { return s.cur }

// Current returns the last applied record, or nil.
func (s *Session) Current() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Report returns the last selection reconciliation, or nil.
func (s *Session) Report() *selection.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Filtered returns the active filter's key list, nil when unfiltered.
func (s *Session) Filtered() []keys.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filtered
}

// Origin returns where the current selection came from.
func (s *Session) Origin() selection.Origin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin
}

// Count returns the number of navigable records: the filter length when a
// filter is active, otherwise the collection size (counting it if needed).
func (s *Session) Count(ctx context.Context) (int, error) {
	if ks := s.Filtered(); ks != nil {
		return len(ks), nil
	}
	s.run.Lock()
	defer s.run.Unlock()
	if n := s.cur.Count(); n >= 0 {
		return n, nil
	}
	return s.cur.Refresh(ctx)
}

// Close cancels any navigation in flight.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Navigation is an in-flight move owned by the caller.
type Navigation struct {
	epoch  uint64
	done   chan struct{}
	cancel context.CancelFunc

	rec *Record
	err error
}

// Epoch identifies the navigation; later navigations have larger epochs.
func (n *Navigation) Epoch() uint64 { return n.epoch }

// Done is closed when the navigation has finished or been discarded.
func (n *Navigation) Done() <-chan struct{} { return n.done }

// Cancel stops the navigation. The cursor keeps its previous window.
func (n *Navigation) Cancel() { n.cancel() }

// Wait blocks until the navigation finishes. A non-nil Record with a non-nil
// error is a warning: the record was applied but something was incomplete
// (a child collection failed, or the filtered key was not found and the
// cursor landed on a neighbour).
func (n *Navigation) Wait(ctx context.Context) (*Record, error) {
	select {
	case <-n.done:
		return n.rec, n.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type move func(ctx context.Context, c *cursor.Cursor) (int, error)

// start runs mv as a new navigation. With leave set, the active filter is
// dropped once the result has been applied.
func (s *Session) start(parent context.Context, what string, mv move, leave bool) *Navigation {

	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	s.epoch++
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	nav := &Navigation{epoch: s.epoch, done: make(chan struct{}), cancel: cancel}
	s.mu.Unlock()

	go func() {
		defer close(nav.done)
		defer cancel()
		nav.rec, nav.err = s.navigate(ctx, nav.epoch, what, mv, leave)
	}()
	return nav
}

func (s *Session) superseded(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch != s.epoch
}

func (s *Session) navigate(ctx context.Context, epoch uint64, what string, mv move, leave bool) (*Record, error) {
	s.run.Lock()
	defer s.run.Unlock()

	if s.superseded(epoch) {
		return nil, ErrSuperseded
	}
	_, err := mv(ctx, s.cur)
	var warn error
	if errors.Is(err, cursor.ErrNotInFilteredSet) {
		warn, err = err, nil
	}
	if err != nil {
		if s.superseded(epoch) {
			return nil, ErrSuperseded
		}
		if errors.Is(err, cursor.ErrFilterExhausted) {
			s.dropFilter()
		}
		log.Printf("session %s: %s failed: %v", s.ID, what, err)
		return nil, err
	}

	row, ord, ok := s.cur.Current()
	if !ok {
		return nil, fmt.Errorf("%s: %w", what, cursor.ErrNoRecords)
	}
	children, ferr := s.fan.Fetch(ctx, row)
	rec := &Record{Position: ord + 1, Row: row, Children: children}

	counts, cerr := s.keyCounts(ctx, rec.Key())
	if err := ctx.Err(); err != nil {
		if s.superseded(epoch) {
			return nil, ErrSuperseded
		}
		return nil, err
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}
	s.current = rec
	dropped := leave && s.clearFilterLocked()
	s.mu.Unlock()
	if dropped {
		log.Printf("session %s: filter cleared", s.ID)
	}

	if cerr == nil && counts != nil {
		s.gate.SetCounts(*counts)
	}
	return rec, errors.Join(warn, ferr, cerr)
}

// keyCounts refreshes the current-record counts of the last report for k.
func (s *Session) keyCounts(ctx context.Context, k keys.Key) (*gate.Counts, error) {
	r := s.Report()
	if r == nil {
		return nil, nil
	}
	dbToids, dbFrags, err := s.an.KeyCounts(ctx, k)
	if err != nil {
		return nil, err
	}
	c := countsOf(r)
	c.CurrentGISToids, c.CurrentGISFrags = r.GIS.KeyCounts(k)
	c.CurrentDBToids, c.CurrentDBFrags = dbToids, dbFrags
	return &c, nil
}

func countsOf(r *selection.Report) gate.Counts {
	return gate.Counts{
		GISRows:         r.GISCounts.Rows,
		Incids:          r.GISCounts.Incids,
		Toids:           r.GISCounts.Toids,
		Frags:           r.GISCounts.Frags,
		CurrentGISToids: r.CurrentGISToids,
		CurrentGISFrags: r.CurrentGISFrags,
		CurrentDBToids:  r.CurrentDBToids,
		CurrentDBFrags:  r.CurrentDBFrags,
		FromMap:         r.FromMap,
	}
}

// MoveTo navigates to the 1-based position n, within the active filter when
// there is one.
func (s *Session) MoveTo(ctx context.Context, n int) *Navigation {
	if ks := s.Filtered(); ks != nil {
		return s.start(ctx, fmt.Sprintf("move to %d of filter", n), func(ctx context.Context, c *cursor.Cursor) (int, error) {
			return c.SeekInFilteredSet(ctx, ks, n)
		}, false)
	}
	return s.start(ctx, fmt.Sprintf("move to %d", n), func(ctx context.Context, c *cursor.Cursor) (int, error) {
		return c.SeekByOrdinal(ctx, n-1)
	}, false)
}

// GoToKey navigates to the first record at or after k and leaves any active
// filter. The filter is kept if the navigation fails or is overtaken.
func (s *Session) GoToKey(ctx context.Context, k keys.Key) *Navigation {
	return s.start(ctx, "go to "+string(k), func(ctx context.Context, c *cursor.Cursor) (int, error) {
		return c.GoToKey(ctx, k)
	}, true)
}

// First moves to position 1.
func (s *Session) First(ctx context.Context) *Navigation { return s.MoveTo(ctx, 1) }

// Next moves one position forward.
func (s *Session) Next(ctx context.Context) *Navigation { return s.MoveTo(ctx, s.position()+1) }

// Previous moves one position back.
func (s *Session) Previous(ctx context.Context) *Navigation { return s.MoveTo(ctx, s.position()-1) }

// Last moves to the final position.
func (s *Session) Last(ctx context.Context) *Navigation {
	if ks := s.Filtered(); ks != nil {
		return s.MoveTo(ctx, len(ks))
	}
	return s.start(ctx, "move to last", func(ctx context.Context, c *cursor.Cursor) (int, error) {
		return c.Last(ctx)
	}, false)
}

func (s *Session) position() int {
	if r := s.Current(); r != nil {
		return r.Position
	}
	return 0
}

// Reload drops the cached children of the current record and fetches it
// again, e.g. after an edit was saved.
func (s *Session) Reload(ctx context.Context) *Navigation {
	r := s.Current()
	if r == nil {
		return s.First(ctx)
	}
	s.fan.Invalidate(r.Key())
	return s.MoveTo(ctx, r.Position)
}

// SetFilter applies a database filter: the matching records become the
// navigable set, their features are selected on the map, and the two
// selections are reconciled. Navigate with MoveTo(1) afterwards.
func (s *Session) SetFilter(ctx context.Context, f selection.Filter) (*selection.Report, error) {
	db, err := s.an.Select(ctx, f)
	if err != nil {
		return nil, err
	}
	ks := db.Keys()
	if len(ks) == 0 {
		return nil, ErrNoFilterMatch
	}
	if _, err := s.app.SelectByKeys(ctx, ks); err != nil {
		return nil, fmt.Errorf("select filter on map: %w", err)
	}

	s.run.Lock()
	s.cur.Reset()
	s.run.Unlock()

	s.mu.Lock()
	s.filter = f
	s.filtered = ks
	s.db = db
	s.origin = selection.OriginFilter
	s.mu.Unlock()

	log.Printf("session %s: filter selects %d incids", s.ID, len(ks))
	return s.Analyze(ctx)
}

// ClearFilter returns navigation to the whole collection.
func (s *Session) ClearFilter() { s.dropFilter() }

func (s *Session) dropFilter() {
	s.mu.Lock()
	had := s.clearFilterLocked()
	s.mu.Unlock()
	if had {
		log.Printf("session %s: filter cleared", s.ID)
	}
}

// clearFilterLocked drops the filter state and reports whether one was set.
// s.mu must be held.
func (s *Session) clearFilterLocked() bool {
	had := s.filtered != nil
	s.filter, s.filtered, s.db = nil, nil, nil
	if s.origin == selection.OriginFilter {
		s.origin = selection.OriginNone
	}
	return had
}

// OnMapSelectionChanged records that the operator changed the selection on
// the map and reconciles it.
func (s *Session) OnMapSelectionChanged(ctx context.Context) (*selection.Report, error) {
	s.mu.Lock()
	s.origin = selection.OriginMap
	s.mu.Unlock()
	return s.Analyze(ctx)
}

// Analyze reconciles the map selection with the database and feeds the
// counts to the gate. The filter is compared against the map only when the
// map selection was pushed from it.
func (s *Session) Analyze(ctx context.Context) (*selection.Report, error) {
	s.mu.Lock()
	in := selection.Input{DB: s.db, Origin: s.origin}
	if s.origin == selection.OriginFilter {
		in.Filter = s.filter
	}
	if s.current != nil {
		in.Current = s.current.Key()
	}
	s.mu.Unlock()

	r, err := s.an.Analyze(ctx, in)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.report = r
	s.mu.Unlock()

	s.gate.SetCounts(countsOf(r))
	if err := r.Err(); err != nil {
		log.Printf("session %s: %v", s.ID, err)
	}
	return r, nil
}

// ZoomToCurrent asks the map to frame the current record's selected features.
func (s *Session) ZoomToCurrent(ctx context.Context) error {
	r := s.Current()
	if r == nil {
		return cursor.ErrNoRecords
	}
	var rows []store.Row
	if rep := s.Report(); rep != nil {
		for _, f := range rep.GIS.Rows() {
			if f.Incid == r.Key() {
				rows = append(rows, store.Row{
					api.ParentKeyColumn:  string(f.Incid),
					api.ToidColumn:       f.Toid,
					api.ToidFragIDColumn: f.Frag,
				})
			}
		}
	}
	if len(rows) == 0 {
		rows = []store.Row{{api.ParentKeyColumn: string(r.Key())}}
	}
	return s.app.ZoomTo(ctx, rows)
}

// SetMode replaces the gate flags.
func (s *Session) SetMode(m gate.Mode) []gate.Change { return s.gate.SetMode(m) }

// SetFlags turns gate flags on.
func (s *Session) SetFlags(m gate.Mode) []gate.Change { return s.gate.Set(m) }

// ClearFlags turns gate flags off.
func (s *Session) ClearFlags(m gate.Mode) []gate.Change { return s.gate.Clear(m) }
