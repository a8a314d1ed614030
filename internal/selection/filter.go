package selection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentic-research/incidnav/api"
	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/store"
)

// Default chunking limits for rendered filters.
const (
	DefaultBatchSize     = 50
	DefaultMaxConditions = 500
)

// ErrBadCondition is returned when a condition cannot be rendered.
var ErrBadCondition = errors.New("invalid filter condition")

var filterOps = map[string]bool{"=": true, "<>": true, "<": true, "<=": true, ">": true, ">=": true, "LIKE": true}

// Condition is one column comparison against a literal value.
type Condition struct {
	Column string
	Op     string // "=" when empty
	Value  any
}

// Group is a conjunction of conditions.
type Group []Condition

// Filter is a disjunction of groups: (a AND b) OR (c) OR ...
type Filter []Group

// KeyFilter selects each key with its own group.
func KeyFilter(ks []keys.Key) Filter {
	f := make(Filter, len(ks))
	for i, k := range ks {
		f[i] = Group{{Column: api.ParentKeyColumn, Value: k}}
	}
	return f
}

// Conditions returns the number of atomic conditions.
func (f Filter) Conditions() int {
	n := 0
	for _, g := range f {
		n += len(g)
	}
	return n
}

// Clause renders f as a SQL boolean expression with inline literals.
// Columns are qualified with alias when it is non-empty. Multi-condition
// groups are parenthesized so that the clause can be split at its top-level ORs.
func (f Filter) Clause(alias string) (string, error) {
	terms := make([]string, 0, len(f))
	for _, g := range f {
		if len(g) == 0 {
			continue
		}
		conds := make([]string, len(g))
		for i, c := range g {
			s, err := c.render(alias)
			if err != nil {
				return "", err
			}
			conds[i] = s
		}
		if len(conds) == 1 {
			terms = append(terms, conds[0])
		} else {
			terms = append(terms, "("+strings.Join(conds, " AND ")+")")
		}
	}
	return strings.Join(terms, " OR "), nil
}

func (c Condition) render(alias string) (string, error) {
	if c.Column == "" {
		return "", fmt.Errorf("%w: empty column", ErrBadCondition)
	}
	op := strings.ToUpper(strings.TrimSpace(c.Op))
	if op == "" {
		op = "="
	}
	if !filterOps[op] {
		return "", fmt.Errorf("%w: operator %q", ErrBadCondition, c.Op)
	}
	col := c.Column
	if alias != "" {
		col = alias + "." + col
	}
	if c.Value == nil {
		switch op {
		case "=":
			return col + " IS NULL", nil
		case "<>":
			return col + " IS NOT NULL", nil
		}
		return "", fmt.Errorf("%w: NULL with %s", ErrBadCondition, op)
	}
	return col + " " + op + " " + store.Literal(c.Value), nil
}

// Chunks renders f and splits it with ChunkClauseTopLevel.
func (f Filter) Chunks(alias string, batchSize, maxConditions int) ([]string, error) {
	clause, err := f.Clause(alias)
	if err != nil {
		return nil, err
	}
	return ChunkClauseTopLevel(clause, batchSize, maxConditions), nil
}

// ChunkClauseTopLevel splits a rendered clause into OR-joined chunks of at
// most batchSize terms and maxConditions atomic conditions each. Splits happen
// only at OR operators outside parentheses and string literals, so a
// parenthesized AND group is never divided. A single term that exceeds
// maxConditions on its own becomes a chunk by itself.
func ChunkClauseTopLevel(clause string, batchSize, maxConditions int) []string {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if maxConditions < 1 {
		maxConditions = DefaultMaxConditions
	}
	terms := splitTopLevel(clause)
	if len(terms) == 0 {
		return nil
	}

	var chunks []string
	var cur []string
	conds := 0
	for _, t := range terms {
		n := countConditions(t)
		if len(cur) > 0 && (len(cur) >= batchSize || conds+n > maxConditions) {
			chunks = append(chunks, strings.Join(cur, " OR "))
			cur, conds = nil, 0
		}
		cur = append(cur, t)
		conds += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, " OR "))
	}
	return chunks
}

// scanClause walks clause calling fn at every byte that is outside a string
// literal, with the current parenthesis depth.
func scanClause(clause string, fn func(i, depth int)) {
	depth := 0
	quoted := false
	for i := 0; i < len(clause); i++ {
		ch := clause[i]
		if ch == '\'' {
			// '' inside a literal toggles twice and stays quoted.
			quoted = !quoted
			continue
		}
		if quoted {
			continue
		}
		switch ch {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		}
		fn(i, depth)
	}
}

func keywordAt(s string, i int, kw string) bool {
	return i+len(kw) <= len(s) && strings.EqualFold(s[i:i+len(kw)], kw)
}

func splitTopLevel(clause string) []string {
	var terms []string
	start := 0
	skip := 0
	scanClause(clause, func(i, depth int) {
		if i < skip || depth != 0 || !keywordAt(clause, i, " OR ") {
			return
		}
		if t := strings.TrimSpace(clause[start:i]); t != "" {
			terms = append(terms, t)
		}
		start = i + len(" OR ")
		skip = start
	})
	if t := strings.TrimSpace(clause[start:]); t != "" {
		terms = append(terms, t)
	}
	return terms
}

func countConditions(term string) int {
	n := 1
	scanClause(term, func(i, _ int) {
		if keywordAt(term, i, " AND ") || keywordAt(term, i, " OR ") {
			n++
		}
	})
	return n
}
