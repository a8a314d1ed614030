package selection

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/agentic-research/incidnav/api"
	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/store"
	"golang.org/x/sync/errgroup"
)

// ErrSelectionDesync reports that the map selected a different number of
// features than the database filter says it should have.
var ErrSelectionDesync = errors.New("map selection does not match database selection")

// Origin records where the current selection came from.
type Origin int

const (
	OriginNone   Origin = iota
	OriginMap           // the operator selected features on the map
	OriginFilter        // a database filter was pushed to the map
)

func (o Origin) String() string {
	switch o {
	case OriginMap:
		return "map"
	case OriginFilter:
		return "filter"
	default:
		return "none"
	}
}

// Reader reads the map's current feature selection.
type Reader interface {
	ReadSelection(ctx context.Context, schema []string) ([]store.Row, error)
}

// Options configures an Analyzer.
type Options struct {
	BatchSize     int
	MaxConditions int
}

// Analyzer reconciles the map selection with the database.
type Analyzer struct {
	st   store.Store
	gis  Reader
	opts Options
}

// NewAnalyzer creates an analyzer. Zero options fall back to the defaults.
func NewAnalyzer(st store.Store, gis Reader, opts Options) *Analyzer {
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxConditions < 1 {
		opts.MaxConditions = DefaultMaxConditions
	}
	return &Analyzer{st: st, gis: gis, opts: opts}
}

// Input is one reconciliation request.
type Input struct {
	// Filter is the business-key selection. When nil and DB is set, a key
	// filter is derived from DB.
	Filter Filter
	// DB is an already materialized database-side selection, if any.
	DB *Set
	// Current is the record being edited; empty skips the per-key counts.
	Current keys.Key
	Origin  Origin
}

// Report is the result of a reconciliation.
type Report struct {
	GIS *Set
	DB  *Set

	GISCounts Counts
	DBCounts  Counts

	Current         keys.Key
	CurrentGISToids int
	CurrentGISFrags int
	CurrentDBToids  int
	CurrentDBFrags  int

	// Expected is the feature count the filter selects in the database,
	// -1 when there is no filter to compare against.
	Expected  int
	Actual    int
	Shortfall bool // Actual < Expected
	Excess    bool // Actual > Expected

	Origin  Origin
	FromMap bool
}

// Desync reports whether the two sides disagree.
func (r *Report) Desync() bool { return r.Shortfall || r.Excess }

// Err returns ErrSelectionDesync, wrapped with the counts, when the sides disagree.
func (r *Report) Err() error {
	if !r.Desync() {
		return nil
	}
	return fmt.Errorf("%d features selected, %d expected: %w", r.Actual, r.Expected, ErrSelectionDesync)
}

// Analyze reads the map selection and the database counts concurrently and
// combines them once both are complete.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Report, error) {
	f := in.Filter
	if f == nil && in.DB != nil {
		f = KeyFilter(in.DB.Keys())
	}

	var (
		gis      *Set
		expected = -1
		dbToids  int
		dbFrags  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := a.gis.ReadSelection(gctx, Schema)
		if err != nil {
			return fmt.Errorf("read map selection: %w", err)
		}
		gis = FromRows(rows)
		return nil
	})
	if len(f) > 0 {
		g.Go(func() error {
			n, err := a.ExpectedCount(gctx, f)
			if err != nil {
				return err
			}
			expected = n
			return nil
		})
	}
	if in.Current != "" {
		g.Go(func() error {
			var err error
			dbToids, dbFrags, err = a.KeyCounts(gctx, in.Current)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r := &Report{
		GIS:            gis,
		DB:             in.DB,
		GISCounts:      gis.Counts(),
		DBCounts:       in.DB.Counts(),
		Current:        in.Current,
		CurrentDBToids: dbToids,
		CurrentDBFrags: dbFrags,
		Expected:       expected,
		Actual:         gis.Len(),
		Origin:         in.Origin,
	}
	if in.Current != "" {
		r.CurrentGISToids, r.CurrentGISFrags = gis.KeyCounts(in.Current)
	}

	r.FromMap = in.Origin == OriginMap && !gis.Empty()
	dbSelected := expected > 0 || !in.DB.Empty()
	switch {
	case gis.Empty() && dbSelected:
		// Nothing on the map while the database has a selection: the
		// selection was not made on the map, so there is nothing to compare.
		r.FromMap = false
	case expected >= 0:
		r.Shortfall = r.Actual < expected
		r.Excess = r.Actual > expected
	}
	if r.Shortfall {
		log.Printf("selection: shortfall, %d features selected on map, %d expected", r.Actual, expected)
	} else if r.Excess {
		log.Printf("selection: over-selection, %d features selected on map, %d expected", r.Actual, expected)
	}
	return r, nil
}

// joinedTable is the feature table joined to its parent records.
var joinedTable = fmt.Sprintf("%s p INNER JOIN %s i ON i.%s = p.%s",
	api.PolygonTable, api.ParentTable, api.ParentKeyColumn, api.ParentKeyColumn)

// ExpectedCount counts the features f selects in the database, chunking the
// rendered filter so that no single query grows past the configured limits.
// A filter that fits one chunk is counted remotely. Otherwise the chunks'
// features are fetched and counted once per fragment, since OR groups in
// different chunks may select the same feature.
func (a *Analyzer) ExpectedCount(ctx context.Context, f Filter) (int, error) {
	chunks, err := f.Chunks("i", a.opts.BatchSize, a.opts.MaxConditions)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 1 {
		n, err := store.ScalarInt(ctx, a.st, "SELECT COUNT(*) FROM "+joinedTable+" WHERE "+chunks[0])
		if err != nil {
			return 0, fmt.Errorf("count expected features: %w", err)
		}
		return int(n), nil
	}
	rows, err := a.selectChunks(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("count expected features: %w", err)
	}
	return len(rows), nil
}

// Select materializes the database-side selection for f.
func (a *Analyzer) Select(ctx context.Context, f Filter) (*Set, error) {
	chunks, err := f.Chunks("i", a.opts.BatchSize, a.opts.MaxConditions)
	if err != nil {
		return nil, err
	}
	rows, err := a.selectChunks(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("select features: %w", err)
	}
	return FromRows(rows), nil
}

// selectChunks fetches the features of every chunk. Across chunks, a
// fragment already fetched is skipped.
func (a *Analyzer) selectChunks(ctx context.Context, chunks []string) ([]store.Row, error) {
	var (
		rows []store.Row
		seen map[string]struct{}
	)
	if len(chunks) > 1 {
		seen = make(map[string]struct{})
	}
	for _, c := range chunks {
		part, err := a.st.Fill(ctx, store.Query{
			Table:   joinedTable,
			Columns: []string{"p." + api.ParentKeyColumn, "p." + api.ToidColumn, "p." + api.ToidFragIDColumn},
			Where:   c,
		})
		if err != nil {
			return nil, err
		}
		if seen == nil {
			rows = append(rows, part...)
			continue
		}
		for _, r := range part {
			id := r.String(api.ToidColumn) + "\x00" + r.String(api.ToidFragIDColumn)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			rows = append(rows, r)
		}
	}
	return rows, nil
}

// KeyCounts returns the authoritative toid and fragment counts of one incid.
func (a *Analyzer) KeyCounts(ctx context.Context, k keys.Key) (toids, frags int, err error) {
	where := " FROM " + api.PolygonTable + " WHERE " + api.ParentKeyColumn + " = ?"
	t, err := store.ScalarInt(ctx, a.st, "SELECT COUNT(DISTINCT "+api.ToidColumn+")"+where, string(k))
	if err != nil {
		return 0, 0, fmt.Errorf("count toids of %s: %w", k, err)
	}
	n, err := store.ScalarInt(ctx, a.st,
		"SELECT COUNT(*) FROM (SELECT DISTINCT "+api.ToidColumn+", "+api.ToidFragIDColumn+where+")", string(k))
	if err != nil {
		return 0, 0, fmt.Errorf("count fragments of %s: %w", k, err)
	}
	return int(t), int(n), nil
}
