package selection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/store"
	"github.com/agentic-research/incidnav/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_Counts(t *testing.T) {
	s := NewSet([]Feature{
		{Incid: "K1", Toid: "T1", Frag: "1"},
		{Incid: "K1", Toid: "T1", Frag: "2"},
		{Incid: "K1", Toid: "T2", Frag: "1"}, // same fragid, different toid
		{Incid: "K2", Toid: "T3", Frag: "1"},
		{Incid: "K2", Toid: "T3", Frag: "1"}, // duplicate row
	})
	assert.Equal(t, Counts{Rows: 5, Incids: 2, Toids: 3, Frags: 4}, s.Counts())

	toids, frags := s.KeyCounts("K1")
	assert.Equal(t, 2, toids)
	assert.Equal(t, 3, frags)
	toids, frags = s.KeyCounts("K9")
	assert.Zero(t, toids+frags)

	assert.Equal(t, []keys.Key{"K1", "K2"}, s.Keys())
	assert.True(t, s.Has("K2"))
	assert.False(t, s.Has("K3"))
}

func TestSet_Nil(t *testing.T) {
	var s *Set
	assert.True(t, s.Empty())
	assert.Equal(t, Counts{}, s.Counts())
	assert.Nil(t, s.Keys())
}

func TestFilter_Clause(t *testing.T) {
	f := Filter{
		{{Column: "incid", Value: keys.Key("0001:0000001")}},
		{{Column: "ihs_habitat", Value: "O'Neil"}, {Column: "boundary_map", Op: "<>", Value: nil}},
	}
	clause, err := f.Clause("i")
	require.NoError(t, err)
	assert.Equal(t, "i.incid = '0001:0000001' OR (i.ihs_habitat = 'O''Neil' AND i.boundary_map IS NOT NULL)", clause)
	assert.Equal(t, 3, f.Conditions())

	_, err = Filter{{{Column: "incid", Op: "; DROP", Value: 1}}}.Clause("")
	assert.ErrorIs(t, err, ErrBadCondition)
	_, err = Filter{{{Column: "incid", Op: ">", Value: nil}}}.Clause("")
	assert.ErrorIs(t, err, ErrBadCondition)
}

func balanced(s string) bool {
	depth := 0
	quoted := false
	for _, r := range s {
		switch {
		case r == '\'':
			quoted = !quoted
		case quoted:
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && !quoted
}

func TestChunkClauseTopLevel_NeverSplitsGroups(t *testing.T) {
	for _, groupSize := range []int{1, 2, 3, 7} {
		var f Filter
		for i := 0; i < 137; i++ {
			g := make(Group, groupSize)
			for j := range g {
				g[j] = Condition{Column: fmt.Sprintf("c%d", j), Value: fmt.Sprintf("v%d OR (x AND y", i)}
			}
			f = append(f, g)
		}
		clause, err := f.Clause("")
		require.NoError(t, err)

		chunks := ChunkClauseTopLevel(clause, 10, 20)
		require.NotEmpty(t, chunks)
		terms := 0
		for _, c := range chunks {
			assert.True(t, balanced(c), "unbalanced chunk %q", c)
			n := len(splitTopLevel(c))
			assert.LessOrEqual(t, n, 10)
			if groupSize <= 20 {
				assert.LessOrEqual(t, n*groupSize, 20)
			}
			terms += n
		}
		assert.Equal(t, len(f), terms, "every term appears exactly once (group size %d)", groupSize)
		assert.Equal(t, clause, strings.Join(chunks, " OR "))
	}
}

func TestChunkClauseTopLevel_OversizedTermStandsAlone(t *testing.T) {
	chunks := ChunkClauseTopLevel("(a = 1 AND b = 2 AND c = 3) OR d = 4 OR e = 5", 50, 2)
	assert.Equal(t, []string{"(a = 1 AND b = 2 AND c = 3)", "d = 4 OR e = 5"}, chunks)
	assert.Nil(t, ChunkClauseTopLevel("  ", 50, 500))
}

func TestChunkClauseTopLevel_Defaults(t *testing.T) {
	ks := make([]keys.Key, 120)
	for i := range ks {
		ks[i] = storetest.Codec.KeyString(int64(i + 1))
	}
	chunks, err := KeyFilter(ks).Chunks("i", 0, 0)
	require.NoError(t, err)
	assert.Len(t, chunks, 3, "120 key terms in batches of 50")
}

// fakeMap is an in-memory map selection.
type fakeMap struct {
	rows []store.Row
	err  error
}

func (m *fakeMap) ReadSelection(ctx context.Context, _ []string) ([]store.Row, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.rows, ctx.Err()
}

func polygons(k keys.Key, toid string, n int) []store.Row {
	out := make([]store.Row, n)
	for i := range out {
		out[i] = storetest.Polygon(k, toid, fmt.Sprintf("%05d", i+1))
	}
	return out
}

func analyzerFixture(t *testing.T) (*storetest.Counting, keys.Key, keys.Key) {
	t.Helper()
	k1, k2 := storetest.Codec.KeyString(1), storetest.Codec.KeyString(2)
	var polys []store.Row
	polys = append(polys, polygons(k1, "T1", 3)...)
	polys = append(polys, polygons(k2, "T2", 3)...)
	polys = append(polys, polygons(k2, "T3", 2)...)
	path := storetest.Seed(t, storetest.Dataset{
		"incid":             storetest.Incids(1, 2, 3),
		"incid_mm_polygons": polys,
	})
	return storetest.NewCounting(storetest.Open(t, path)), k1, k2
}

func TestAnalyze_DesyncDetection(t *testing.T) {
	cs, _, k2 := analyzerFixture(t)
	ctx := context.Background()
	m := &fakeMap{}
	a := NewAnalyzer(cs, m, Options{})

	f := KeyFilter([]keys.Key{k2})
	expected, err := a.ExpectedCount(ctx, f)
	require.NoError(t, err)
	require.Equal(t, 5, expected)

	all := polygons(k2, "T2", 3)
	all = append(all, polygons(k2, "T3", 2)...)

	m.rows = all[:3]
	r, err := a.Analyze(ctx, Input{Filter: f, Origin: OriginFilter})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Actual)
	assert.True(t, r.Shortfall)
	assert.False(t, r.Excess)
	assert.ErrorIs(t, r.Err(), ErrSelectionDesync)

	m.rows = all
	r, err = a.Analyze(ctx, Input{Filter: f, Origin: OriginFilter})
	require.NoError(t, err)
	assert.False(t, r.Shortfall)
	assert.False(t, r.Desync())
	assert.NoError(t, r.Err())

	m.rows = append(all, storetest.Polygon(k2, "T9", "00001"))
	r, err = a.Analyze(ctx, Input{Filter: f, Origin: OriginFilter})
	require.NoError(t, err)
	assert.True(t, r.Excess)
}

func TestAnalyze_EmptyMapSelectionIsNotFromMap(t *testing.T) {
	cs, k1, _ := analyzerFixture(t)
	a := NewAnalyzer(cs, &fakeMap{}, Options{})

	r, err := a.Analyze(context.Background(), Input{Filter: KeyFilter([]keys.Key{k1}), Origin: OriginMap})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Expected)
	assert.False(t, r.FromMap)
	assert.False(t, r.Desync(), "an empty map selection is expected, not a desync")
}

func TestAnalyze_CurrentKeyCounts(t *testing.T) {
	cs, _, k2 := analyzerFixture(t)
	m := &fakeMap{rows: []store.Row{
		storetest.Polygon(k2, "T2", "00001"),
		storetest.Polygon(k2, "T2", "00002"),
	}}
	a := NewAnalyzer(cs, m, Options{})

	r, err := a.Analyze(context.Background(), Input{Current: k2, Origin: OriginMap})
	require.NoError(t, err)
	assert.True(t, r.FromMap)
	assert.Equal(t, -1, r.Expected, "no filter, nothing to compare")
	assert.False(t, r.Desync())
	assert.Equal(t, Counts{Rows: 2, Incids: 1, Toids: 1, Frags: 2}, r.GISCounts)
	assert.Equal(t, 1, r.CurrentGISToids)
	assert.Equal(t, 2, r.CurrentGISFrags)
	assert.Equal(t, 2, r.CurrentDBToids)
	assert.Equal(t, 5, r.CurrentDBFrags)
}

func TestAnalyze_DBSetDerivesFilter(t *testing.T) {
	cs, k1, _ := analyzerFixture(t)
	ctx := context.Background()
	a := NewAnalyzer(cs, &fakeMap{rows: polygons(k1, "T1", 3)}, Options{})

	db, err := a.Select(ctx, KeyFilter([]keys.Key{k1}))
	require.NoError(t, err)
	assert.Equal(t, Counts{Rows: 3, Incids: 1, Toids: 1, Frags: 3}, db.Counts())

	r, err := a.Analyze(ctx, Input{DB: db, Origin: OriginFilter})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Expected)
	assert.Equal(t, db.Counts(), r.DBCounts)
	assert.False(t, r.Desync())
	assert.False(t, r.FromMap)
}

func TestAnalyze_FailureIsAllOrNothing(t *testing.T) {
	cs, k1, _ := analyzerFixture(t)
	boom := errors.New("map not responding")
	a := NewAnalyzer(cs, &fakeMap{err: boom}, Options{})

	r, err := a.Analyze(context.Background(), Input{Filter: KeyFilter([]keys.Key{k1}), Current: k1})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, r)

	cs.SetFail(func(kind, _ string) error { return boom })
	a = NewAnalyzer(cs, &fakeMap{}, Options{})
	_, err = a.Analyze(context.Background(), Input{Current: k1})
	assert.ErrorIs(t, err, boom)
}

func TestExpectedCount_Chunked(t *testing.T) {
	cs, k1, k2 := analyzerFixture(t)
	a := NewAnalyzer(cs, &fakeMap{}, Options{BatchSize: 1})

	n, err := a.ExpectedCount(context.Background(), KeyFilter([]keys.Key{k1, k2, storetest.Codec.KeyString(3)}))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	scalars, fills := cs.Calls()
	assert.Zero(t, scalars)
	assert.Equal(t, 3, fills, "one query per chunk")

	cs.Reset()
	a = NewAnalyzer(cs, &fakeMap{}, Options{})
	n, err = a.ExpectedCount(context.Background(), KeyFilter([]keys.Key{k1, k2}))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	scalars, fills = cs.Calls()
	assert.Equal(t, 1, scalars, "a single chunk is counted remotely")
	assert.Zero(t, fills)
}

func TestExpectedCount_OverlappingChunksCountOnce(t *testing.T) {
	cs, k1, k2 := analyzerFixture(t)
	ctx := context.Background()
	a := NewAnalyzer(cs, &fakeMap{}, Options{BatchSize: 1})

	// k2's fragments are selected by both the first and the last chunk.
	f := Filter{
		{{Column: "incid", Value: k2}},
		{{Column: "incid", Value: k1}},
		{{Column: "incid", Op: ">=", Value: k2}},
	}
	n, err := a.ExpectedCount(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	db, err := a.Select(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, Counts{Rows: 8, Incids: 2, Toids: 3, Frags: 8}, db.Counts())

	m := &fakeMap{rows: append(polygons(k1, "T1", 3), append(polygons(k2, "T2", 3), polygons(k2, "T3", 2)...)...)}
	a = NewAnalyzer(cs, m, Options{BatchSize: 1})
	r, err := a.Analyze(ctx, Input{Filter: f, Origin: OriginFilter})
	require.NoError(t, err)
	assert.False(t, r.Excess, "overlap is not over-selection")
	assert.False(t, r.Desync())
}
