// Package selection compares the map's feature selection with the business-key
// selection derived from a database filter.
//
// Both sides are held as a Set: a bag of (incid, toid, toidfragid) rows with
// distinct counts kept in roaring bitmaps over interned identifiers. Sets are
// built once and never mutated; a new selection replaces the old Set whole.
package selection

import (
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/incidnav/api"
	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/store"
)

// Schema is the column list read back from the map for every selected feature.
var Schema = []string{api.ParentKeyColumn, api.ToidColumn, api.ToidFragIDColumn}

// Feature is one selected spatial fragment.
type Feature struct {
	Incid keys.Key
	Toid  string
	Frag  string
}

// Counts are the distinct counts of one Set.
type Counts struct {
	Rows   int
	Incids int
	Toids  int
	Frags  int // distinct (toid, toidfragid) pairs
}

// dict interns strings to dense uint32 IDs.
type dict struct {
	ids   map[string]uint32
	names []string
}

func newDict() *dict { return &dict{ids: make(map[string]uint32)} }

func (d *dict) id(s string) uint32 {
	if id, ok := d.ids[s]; ok {
		return id
	}
	id := uint32(len(d.names))
	d.ids[s] = id
	d.names = append(d.names, s)
	return id
}

// Set is an immutable selection.
type Set struct {
	rows []Feature

	incids *dict
	toids  *dict
	frags  *dict

	incidBM *roaring.Bitmap
	toidBM  *roaring.Bitmap
	fragBM  *roaring.Bitmap

	// per-incid toid and fragment bitmaps
	keyToids map[uint32]*roaring.Bitmap
	keyFrags map[uint32]*roaring.Bitmap
}

// NewSet indexes rows.
func NewSet(rows []Feature) *Set {
	s := &Set{
		rows:     slices.Clone(rows),
		incids:   newDict(),
		toids:    newDict(),
		frags:    newDict(),
		incidBM:  roaring.New(),
		toidBM:   roaring.New(),
		fragBM:   roaring.New(),
		keyToids: make(map[uint32]*roaring.Bitmap),
		keyFrags: make(map[uint32]*roaring.Bitmap),
	}
	for _, f := range s.rows {
		k := s.incids.id(string(f.Incid))
		t := s.toids.id(f.Toid)
		fr := s.frags.id(f.Toid + "\x00" + f.Frag)

		s.incidBM.Add(k)
		s.toidBM.Add(t)
		s.fragBM.Add(fr)

		bm, ok := s.keyToids[k]
		if !ok {
			bm = roaring.New()
			s.keyToids[k] = bm
		}
		bm.Add(t)
		bm, ok = s.keyFrags[k]
		if !ok {
			bm = roaring.New()
			s.keyFrags[k] = bm
		}
		bm.Add(fr)
	}
	return s
}

// FromRows builds a Set from store rows carrying the Schema columns.
func FromRows(rows []store.Row) *Set {
	fs := make([]Feature, len(rows))
	for i, r := range rows {
		fs[i] = Feature{
			Incid: r.Key(api.ParentKeyColumn),
			Toid:  r.String(api.ToidColumn),
			Frag:  r.String(api.ToidFragIDColumn),
		}
	}
	return NewSet(fs)
}

// Len returns the number of rows, duplicates included.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rows)
}

// Empty reports whether the set has no rows.
func (s *Set) Empty() bool { return s.Len() == 0 }

// Rows returns a copy of the selected features.
func (s *Set) Rows() []Feature {
	if s == nil {
		return nil
	}
	return slices.Clone(s.rows)
}

// Counts returns the distinct counts.
func (s *Set) Counts() Counts {
	if s == nil {
		return Counts{}
	}
	return Counts{
		Rows:   len(s.rows),
		Incids: int(s.incidBM.GetCardinality()),
		Toids:  int(s.toidBM.GetCardinality()),
		Frags:  int(s.fragBM.GetCardinality()),
	}
}

// KeyCounts returns the distinct toid and fragment counts selected for one incid.
func (s *Set) KeyCounts(k keys.Key) (toids, frags int) {
	if s == nil {
		return 0, 0
	}
	id, ok := s.incids.ids[string(k)]
	if !ok {
		return 0, 0
	}
	return int(s.keyToids[id].GetCardinality()), int(s.keyFrags[id].GetCardinality())
}

// Has reports whether any row belongs to k.
func (s *Set) Has(k keys.Key) bool {
	if s == nil {
		return false
	}
	_, ok := s.incids.ids[string(k)]
	return ok
}

// Keys returns the distinct incids in key order.
func (s *Set) Keys() []keys.Key {
	if s == nil {
		return nil
	}
	out := make([]keys.Key, 0, s.incidBM.GetCardinality())
	it := s.incidBM.Iterator()
	for it.HasNext() {
		out = append(out, keys.Key(s.incids.names[it.Next()]))
	}
	slices.Sort(out)
	return out
}
