// Package gate derives edit, split and merge eligibility from the session
// mode flags and the latest selection counts.
//
// The Mode bitmask is the only state; every predicate is a pure function of
// the mask and Counts. A Gate recomputes the full predicate table on each
// change and reports only the predicates whose value flipped.
package gate

import (
	"strings"
	"sync"
)

// Mode is a set of session flags.
type Mode uint32

const (
	CanEdit Mode = 1 << iota
	HasReasonAndProcess
	Bulk
	OSMMReview
	OSMMBulk
)

// EditReady is the combination required before any edit is applied.
const EditReady = CanEdit | HasReasonAndProcess

// DisallowMask suppresses ordinary edit, split and merge operations.
const DisallowMask = Bulk | OSMMReview | OSMMBulk

var modeNames = []struct {
	m    Mode
	name string
}{
	{CanEdit, "CanEdit"},
	{HasReasonAndProcess, "HasReasonAndProcess"},
	{Bulk, "Bulk"},
	{OSMMReview, "OSMMReview"},
	{OSMMBulk, "OSMMBulk"},
}

// Has reports whether every flag in f is set.
func (m Mode) Has(f Mode) bool { return m&f == f }

// Any reports whether at least one flag in f is set.
func (m Mode) Any(f Mode) bool { return m&f != 0 }

func (m Mode) String() string {
	if m == 0 {
		return "0"
	}
	var parts []string
	for _, n := range modeNames {
		if m&n.m != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Counts is the selection state the predicates read.
type Counts struct {
	GISRows int
	Incids  int // distinct incids in the map selection
	Toids   int
	Frags   int

	// Counts for the current record only, on the map and in the database.
	CurrentGISToids int
	CurrentGISFrags int
	CurrentDBToids  int
	CurrentDBFrags  int

	FromMap bool
}

// Predicate names a derived boolean.
type Predicate int

const (
	IsEditMode Predicate = iota
	IsEditReady
	IsEditOperationModeReady
	CanPhysicallySplit
	CanLogicallySplit
	CanPhysicallyMerge
	CanLogicallyMerge
	CanSplit
	CanMerge
	numPredicates
)

var predicateNames = [numPredicates]string{
	"IsEditMode",
	"IsEditReady",
	"IsEditOperationModeReady",
	"CanPhysicallySplit",
	"CanLogicallySplit",
	"CanPhysicallyMerge",
	"CanLogicallyMerge",
	"CanSplit",
	"CanMerge",
}

func (p Predicate) String() string {
	if p < 0 || p >= numPredicates {
		return "Predicate(?)"
	}
	return predicateNames[p]
}

// Predicates returns every predicate in table order.
func Predicates() []Predicate {
	out := make([]Predicate, numPredicates)
	for i := range out {
		out[i] = Predicate(i)
	}
	return out
}

// State is one evaluation of the predicate table.
type State [numPredicates]bool

// Get returns one predicate.
func (s State) Get(p Predicate) bool { return s[p] }

func editOperationReady(m Mode) bool {
	return m.Has(EditReady) && !m.Any(DisallowMask)
}

func physicalSplit(m Mode, c Counts) bool {
	return editOperationReady(m) && c.GISRows > 1 && c.FromMap &&
		c.Incids == 1 && c.Toids == 1 && c.Frags == 1
}

func logicalSplit(m Mode, c Counts) bool {
	if !editOperationReady(m) || c.GISRows < 1 || !c.FromMap || c.Incids != 1 {
		return false
	}
	if !((c.GISRows > 1 && c.Frags > 1) || c.GISRows == 1) {
		return false
	}
	// The map holds only part of the record's fragments.
	return c.CurrentGISToids < c.CurrentDBToids || c.CurrentGISFrags < c.CurrentDBFrags
}

func physicalMerge(m Mode, c Counts) bool {
	return editOperationReady(m) && c.GISRows > 1 && c.FromMap &&
		c.Incids == 1 && c.Toids == 1 && c.Frags > 1
}

func logicalMerge(m Mode, c Counts) bool {
	return editOperationReady(m) && c.GISRows > 1 && c.FromMap &&
		c.Incids > 1 && c.Frags > 1
}

// Evaluate computes the predicate table.
func Evaluate(m Mode, c Counts) State {
	var s State
	s[IsEditMode] = m.Has(CanEdit)
	s[IsEditReady] = m.Has(EditReady)
	s[IsEditOperationModeReady] = editOperationReady(m)
	s[CanPhysicallySplit] = physicalSplit(m, c)
	s[CanLogicallySplit] = logicalSplit(m, c)
	s[CanPhysicallyMerge] = physicalMerge(m, c)
	s[CanLogicallyMerge] = logicalMerge(m, c)
	s[CanSplit] = s[CanPhysicallySplit] || s[CanLogicallySplit]
	s[CanMerge] = s[CanPhysicallyMerge] || s[CanLogicallyMerge]
	return s
}

// Change is one predicate transition.
type Change struct {
	Predicate Predicate
	Value     bool
}

// Gate holds the mode and counts and notifies on predicate transitions.
type Gate struct {
	mu       sync.Mutex
	mode     Mode
	counts   Counts
	state    State
	onChange func([]Change)
}

// New creates a gate with no flags set.
func New() *Gate {
	g := &Gate{}
	g.state = Evaluate(0, Counts{})
	return g
}

// OnChange registers fn to receive the predicates that flipped after a
// mutation. fn runs synchronously, without the gate's lock held.
func (g *Gate) OnChange(fn func([]Change)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// Mode returns the current flags.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Counts returns the latest selection counts.
func (g *Gate) Counts() Counts {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts
}

// State returns the current predicate table.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Get returns one predicate.
func (g *Gate) Get(p Predicate) bool { return g.State().Get(p) }

// Set turns flags on.
func (g *Gate) Set(f Mode) []Change {
	return g.update(func() { g.mode |= f })
}

// Clear turns flags off.
func (g *Gate) Clear(f Mode) []Change {
	return g.update(func() { g.mode &^= f })
}

// SetMode replaces every flag.
func (g *Gate) SetMode(m Mode) []Change {
	return g.update(func() { g.mode = m })
}

// SetCounts replaces the selection counts.
func (g *Gate) SetCounts(c Counts) []Change {
	return g.update(func() { g.counts = c })
}

func (g *Gate) update(mutate func()) []Change {
	g.mu.Lock()
	mutate()
	next := Evaluate(g.mode, g.counts)
	var changes []Change
	for p := range numPredicates {
		if next[p] != g.state[p] {
			changes = append(changes, Change{Predicate: p, Value: next[p]})
		}
	}
	g.state = next
	fn := g.onChange
	g.mu.Unlock()

	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
	return changes
}
