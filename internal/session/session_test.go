package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentic-research/incidnav/api"
	"github.com/agentic-research/incidnav/internal/cursor"
	"github.com/agentic-research/incidnav/internal/fanout"
	"github.com/agentic-research/incidnav/internal/gate"
	"github.com/agentic-research/incidnav/internal/gis"
	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/selection"
	"github.com/agentic-research/incidnav/internal/store"
	"github.com/agentic-research/incidnav/internal/store/storetest"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(n int64) keys.Key { return storetest.Codec.KeyString(n) }

func polygons() []store.Row {
	return []store.Row{
		storetest.Polygon(key(1), "T1", "00001"),
		storetest.Polygon(key(1), "T1", "00002"),
		storetest.Polygon(key(1), "T1", "00003"),
		storetest.Polygon(key(2), "T2", "00001"),
		storetest.Polygon(key(2), "T2", "00002"),
		storetest.Polygon(key(5), "T5", "00001"),
		storetest.Polygon(key(9), "T9", "00001"),
		storetest.Polygon(key(9), "T9", "00002"),
	}
}

type fixture struct {
	s   *Session
	cs  *storetest.Counting
	db  *store.SQLite
	app *gis.FileApp
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := storetest.Seed(t, storetest.Dataset{
		"incid":             storetest.Range(1, 10),
		"incid_mm_polygons": polygons(),
		"incid_condition": {
			{"incid_condition_id": int64(1), "incid": string(key(1)), "condition": "good"},
		},
	})
	db := storetest.Open(t, path)
	cs := storetest.NewCounting(db)

	app, err := gis.NewFileApp(memfs.New(), gis.FileOptions{
		SelectionFile: "selection.json",
		LayerFile:     "layer.json",
		RequestFile:   "request.json",
	})
	require.NoError(t, err)
	require.NoError(t, app.Layer(context.Background(), polygons()))

	s, err := New(cs, app, Options{
		Cursor: cursor.Options{PageSize: 3, Codec: storetest.Codec},
		Fanout: fanout.Options{CacheSize: 8},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return &fixture{s: s, cs: cs, db: db, app: app}
}

func wait(t *testing.T, n *Navigation) (*Record, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.Wait(ctx)
}

func TestMoveTo_AppliesRecordAndChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := wait(t, f.s.MoveTo(ctx, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Position)
	assert.Equal(t, key(1), rec.Key())
	require.Len(t, rec.Children.Get(api.EntityCondition), 1)
	assert.Equal(t, "good", rec.Children.Get(api.EntityCondition)[0].String("condition"))
	assert.Same(t, rec, f.s.Current())

	rec, err = wait(t, f.s.MoveTo(ctx, 7))
	require.NoError(t, err)
	assert.Equal(t, key(7), rec.Key())

	rec, err = wait(t, f.s.Next(ctx))
	require.NoError(t, err)
	assert.Equal(t, 8, rec.Position)

	rec, err = wait(t, f.s.Last(ctx))
	require.NoError(t, err)
	assert.Equal(t, key(10), rec.Key())
	assert.Equal(t, 10, rec.Position)

	n, err := f.s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

// blockFirstCall stalls the first store call until release is closed.
func blockFirstCall(cs *storetest.Counting) (entered <-chan struct{}, release chan struct{}) {
	in := make(chan struct{})
	rel := make(chan struct{})
	var first atomic.Bool
	cs.SetFail(func(string, string) error {
		if first.CompareAndSwap(false, true) {
			close(in)
			<-rel
		}
		return nil
	})
	return in, rel
}

func TestNavigation_NewerSupersedesOlder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entered, release := blockFirstCall(f.cs)

	older := f.s.MoveTo(ctx, 5)
	<-entered
	newer := f.s.MoveTo(ctx, 7)
	assert.Greater(t, newer.Epoch(), older.Epoch())
	close(release)

	rec, err := wait(t, older)
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Nil(t, rec)

	rec, err = wait(t, newer)
	require.NoError(t, err)
	assert.Equal(t, key(7), rec.Key())
	assert.Equal(t, key(7), f.s.Current().Key(), "the superseded result is never applied")
}

func TestNavigation_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := wait(t, f.s.MoveTo(ctx, 2))
	require.NoError(t, err)

	entered, release := blockFirstCall(f.cs)
	nav := f.s.GoToKey(ctx, key(9))
	<-entered
	nav.Cancel()
	close(release)

	_, err = wait(t, nav)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Same(t, rec, f.s.Current(), "cancelled navigation leaves the current record")
	_, ord, ok := f.s.Cursor().Current()
	require.True(t, ok)
	assert.Equal(t, 1, ord, "cursor rolled back")
}

func TestSetFilter_NavigatesWithinFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.s.SetFilter(ctx, selection.KeyFilter([]keys.Key{key(2), key(5), key(9)}))
	require.NoError(t, err)
	assert.Equal(t, selection.OriginFilter, f.s.Origin())
	assert.Equal(t, []keys.Key{key(2), key(5), key(9)}, f.s.Filtered())
	assert.Equal(t, 5, r.Expected)
	assert.Equal(t, 5, r.Actual, "filter features pushed to the map")
	assert.False(t, r.Desync())

	n, err := f.s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rec, err := wait(t, f.s.MoveTo(ctx, 2))
	require.NoError(t, err)
	assert.Equal(t, key(5), rec.Key())
	assert.Equal(t, 2, rec.Position)

	rec, err = wait(t, f.s.Next(ctx))
	require.NoError(t, err)
	assert.Equal(t, key(9), rec.Key())

	rec, err = wait(t, f.s.Next(ctx))
	require.NoError(t, err)
	assert.Equal(t, key(9), rec.Key(), "moving past the end clamps")

	rec, err = wait(t, f.s.GoToKey(ctx, key(4)))
	require.NoError(t, err)
	assert.Equal(t, key(4), rec.Key())
	assert.Nil(t, f.s.Filtered(), "going to a key leaves the filter")
	assert.Equal(t, 4, rec.Position)
}

func TestSetFilter_NoMatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.s.SetFilter(context.Background(), selection.KeyFilter([]keys.Key{key(3)}))
	assert.ErrorIs(t, err, ErrNoFilterMatch)
	assert.Nil(t, f.s.Filtered())
}

func TestMapSelection_DrivesGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var changes []gate.Change
	f.s.Gate().OnChange(func(cs []gate.Change) { changes = append(changes, cs...) })
	f.s.SetFlags(gate.CanEdit | gate.HasReasonAndProcess)
	assert.True(t, f.s.Gate().Get(gate.IsEditOperationModeReady))

	// Two of K1's three fragments selected on the map.
	require.NoError(t, f.app.SelectFeatures(ctx, polygons()[:2]))
	r, err := f.s.OnMapSelectionChanged(ctx)
	require.NoError(t, err)
	assert.True(t, r.FromMap)
	assert.Equal(t, -1, r.Expected)
	assert.True(t, f.s.Gate().Get(gate.CanPhysicallyMerge))
	assert.False(t, f.s.Gate().Get(gate.CanLogicallySplit), "no current record yet")

	_, err = wait(t, f.s.GoToKey(ctx, key(1)))
	require.NoError(t, err)
	c := f.s.Gate().Counts()
	assert.Equal(t, 2, c.CurrentGISFrags)
	assert.Equal(t, 3, c.CurrentDBFrags)
	assert.True(t, f.s.Gate().Get(gate.CanLogicallySplit))
	assert.Contains(t, changes, gate.Change{Predicate: gate.CanLogicallySplit, Value: true})

	f.s.SetFlags(gate.OSMMBulk)
	assert.False(t, f.s.Gate().Get(gate.CanSplit))
	assert.False(t, f.s.Gate().Get(gate.CanMerge))
}

func TestReload_RefetchesChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := wait(t, f.s.MoveTo(ctx, 1))
	require.NoError(t, err)
	require.Len(t, rec.Children.Get(api.EntityCondition), 1)

	_, err = f.db.DB().Exec(`INSERT INTO incid_condition (incid_condition_id, incid, condition) VALUES (2, ?, 'poor')`, string(key(1)))
	require.NoError(t, err)

	rec, err = wait(t, f.s.MoveTo(ctx, 1))
	require.NoError(t, err)
	assert.Len(t, rec.Children.Get(api.EntityCondition), 1, "children come from the cache")

	rec, err = wait(t, f.s.Reload(ctx))
	require.NoError(t, err)
	conds := rec.Children.Get(api.EntityCondition)
	require.Len(t, conds, 2)
	added, removed := rec.Children.Changed(api.EntityCondition, len(conds))
	assert.Zero(t, added+removed, "fresh snapshot after reload")
}

func TestZoomToCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.ErrorIs(t, f.s.ZoomToCurrent(ctx), cursor.ErrNoRecords)

	_, err := wait(t, f.s.MoveTo(ctx, 2))
	require.NoError(t, err)
	require.NoError(t, f.s.ZoomToCurrent(ctx))

	req, err := f.app.Request()
	require.NoError(t, err)
	assert.Equal(t, "zoom", req["action"])
}

func TestNavigation_WaitHonoursContext(t *testing.T) {
	f := newFixture(t)
	entered, release := blockFirstCall(f.cs)
	defer close(release)

	nav := f.s.MoveTo(context.Background(), 3)
	<-entered
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := nav.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGoToKey_KeepsFilterWhenAborted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	filtered := []keys.Key{key(2), key(5)}
	_, err := f.s.SetFilter(ctx, selection.KeyFilter(filtered))
	require.NoError(t, err)

	errDown := errors.New("database unavailable")
	f.cs.SetFail(func(string, string) error { return errDown })
	rec, err := wait(t, f.s.GoToKey(ctx, key(4)))
	assert.ErrorIs(t, err, errDown)
	assert.Nil(t, rec)
	assert.Equal(t, filtered, f.s.Filtered(), "failed move keeps the filter")
	assert.Equal(t, selection.OriginFilter, f.s.Origin())
	f.cs.SetFail(nil)

	entered, release := blockFirstCall(f.cs)
	nav := f.s.GoToKey(ctx, key(4))
	<-entered
	nav.Cancel()
	close(release)
	_, err = wait(t, nav)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, filtered, f.s.Filtered(), "cancelled move keeps the filter")
	f.cs.SetFail(nil)

	rec, err = wait(t, f.s.MoveTo(ctx, 2))
	require.NoError(t, err)
	assert.Equal(t, key(5), rec.Key())
	assert.Equal(t, 2, rec.Position)
}
