package store

import (
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Writer bulk-loads rows into an HLU database. Inserts are batched into
// transactions of batchSize rows with one prepared statement per
// (table, column set) in the open transaction.
type Writer struct {
	db        *sql.DB
	tx        *sql.Tx
	stmts     map[string]*sql.Stmt
	batchSize int
	count     int
	mu        sync.Mutex
}

// NewWriter opens (or creates) dbPath and ensures the HLU schema exists.
func NewWriter(dbPath string) (*Writer, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Performance tuning for bulk insert
	if _, err := db.Exec("PRAGMA synchronous = OFF"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	w := &Writer{db: db, batchSize: 10000, stmts: make(map[string]*sql.Stmt)}
	if err := w.beginTx(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) beginTx() error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin load tx: %w", err)
	}
	w.tx = tx
	return nil
}

func (w *Writer) commitTx() error {
	for k, st := range w.stmts {
		_ = st.Close()
		delete(w.stmts, k)
	}
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("commit load tx: %w", err)
	}
	return nil
}

// Add inserts one row into table. Columns are taken from the row's keys.
func (w *Writer) Add(table string, r Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	slices.Sort(cols)

	sig := table + "(" + strings.Join(cols, ",") + ")"
	st, ok := w.stmts[sig]
	if !ok {
		var err error
		st, err = w.tx.Prepare(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), Placeholders(len(cols))))
		if err != nil {
			return fmt.Errorf("prepare insert %s: %w", sig, err)
		}
		w.stmts[sig] = st
	}

	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = r[c]
	}
	if _, err := st.Exec(args...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}

	w.count++
	if w.count%w.batchSize == 0 {
		if err := w.commitTx(); err != nil {
			return err
		}
		return w.beginTx()
	}
	return nil
}

// Count returns the number of rows written so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close commits pending rows and closes the database. Closing twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil
	}

	err := w.commitTx()
	if cerr := w.db.Close(); err == nil {
		err = cerr
	}
	w.db, w.tx = nil, nil
	return err
}
