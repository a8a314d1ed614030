package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/agentic-research/incidnav/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func seed(t *testing.T, rows map[string][]Row) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hlu.db")
	w, err := NewWriter(path)
	require.NoError(t, err)
	for tbl, rs := range rows {
		for _, r := range rs {
			require.NoError(t, w.Add(tbl, r))
		}
	}
	require.NoError(t, w.Close())
	return path
}

func TestQuery_SQL(t *testing.T) {
	q := Query{
		Table:   "incid",
		Columns: []string{"incid", "ihs_habitat"},
		Where:   "incid >= ?",
		OrderBy: []api.SortKey{{Column: "incid"}, {Column: "ihs_habitat", Desc: true}},
		Limit:   10,
	}
	assert.Equal(t, "SELECT incid, ihs_habitat FROM incid WHERE incid >= ? ORDER BY incid, ihs_habitat DESC LIMIT 10", q.SQL())
	assert.Equal(t, "SELECT * FROM incid", Query{Table: "incid"}.SQL())
}

func TestSQLite_FillAndScalar(t *testing.T) {
	path := seed(t, map[string][]Row{
		"incid": {
			{"incid": "0001:0000001", "ihs_habitat": "A"},
			{"incid": "0001:0000002", "ihs_habitat": "B"},
			{"incid": "0001:0000003", "ihs_habitat": "C"},
		},
	})
	s, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	n, err := ScalarInt(ctx, s, "SELECT COUNT(*) FROM incid WHERE incid < ?", "0001:0000003")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	first, err := ScalarString(ctx, s, "SELECT MIN(incid) FROM incid")
	require.NoError(t, err)
	assert.Equal(t, "0001:0000001", first)

	_, err = ScalarString(ctx, s, "SELECT MIN(incid) FROM incid WHERE incid > 'z'")
	assert.ErrorIs(t, err, ErrNoValue)

	rows, err := s.Fill(ctx, Query{
		Table:   "incid",
		Where:   "incid >= ?",
		Args:    []any{"0001:0000002"},
		OrderBy: []api.SortKey{{Column: "incid"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "0001:0000002", rows[0].String("incid"))
	assert.Equal(t, "C", rows[1].String("ihs_habitat"))
	assert.Equal(t, "", rows[1].String("general_comments"), "NULL reads as empty")
}

func TestSQLite_TimeoutSurfacesContextError(t *testing.T) {
	path := seed(t, map[string][]Row{"incid": {{"incid": "0001:0000001"}}})
	s, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Fill(ctx, Query{Table: "incid"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriter_BatchesAcrossCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hlu.db")
	w, err := NewWriter(path)
	require.NoError(t, err)
	w.batchSize = 3

	for i := 0; i < 7; i++ {
		require.NoError(t, w.Add("incid_mm_polygons", Row{"incid": "0001:0000001", "toid": "T", "toidfragid": string(rune('a' + i))}))
	}
	assert.Equal(t, 7, w.Count())
	require.NoError(t, w.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM incid_mm_polygons").Scan(&n))
	assert.Equal(t, 7, n)
}

func TestSort(t *testing.T) {
	rows := []Row{
		{"id": int64(3), "order": "10"},
		{"id": int64(1), "order": "9"},
		{"id": int64(2), "order": nil},
		{"id": int64(4), "order": "9"},
	}

	sorted := Select(rows, []api.SortKey{{Column: "order"}})
	var ids []int64
	for _, r := range sorted {
		ids = append(ids, r["id"].(int64))
	}
	// NULL first, numeric text compared as numbers, ties keep fetched order.
	assert.Equal(t, []int64{2, 1, 4, 3}, ids)
	assert.Equal(t, int64(3), rows[0]["id"], "Select must not reorder its input")

	Sort(rows, []api.SortKey{{Column: "id", Desc: true}})
	assert.Equal(t, int64(4), rows[0]["id"])
	assert.Equal(t, int64(1), rows[3]["id"])
}

func TestLiteralAndPlaceholders(t *testing.T) {
	assert.Equal(t, "'O''Brien'", Literal("O'Brien"))
	assert.Equal(t, "NULL", Literal(nil))
	assert.Equal(t, "42", Literal(int64(42)))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
	assert.Equal(t, "", Placeholders(0))
}

func TestInt64(t *testing.T) {
	for _, v := range []any{int64(5), 5, float64(5), "5", []byte("5")} {
		n, err := Int64(v)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
	}
	_, err := Int64(nil)
	assert.ErrorIs(t, err, ErrNoValue)
}
