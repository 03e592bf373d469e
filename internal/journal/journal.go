// Package journal provides an optional SQLite audit trail of mode
// transitions and delivered accessory events. The daemon's own state stays
// in memory; the journal only records what already happened.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"accessoryd/internal/event"
	"accessoryd/internal/gadget"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns    INTEGER NOT NULL,
    from_mode       TEXT NOT NULL,
    to_mode         TEXT NOT NULL,
    error           TEXT
);

CREATE TABLE IF NOT EXISTS events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns    INTEGER NOT NULL,
    type            TEXT NOT NULL,
    string_kind     INTEGER,
    payload         TEXT
);

CREATE INDEX IF NOT EXISTS idx_transitions_timestamp ON transitions(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_ns);
`

// queueDepth bounds the async write queue. Entries beyond it are dropped
// rather than stalling the control path.
const queueDepth = 256

type entry struct {
	transition bool
	at         time.Time
	from, to   gadget.Mode
	opErr      string
	rec        event.Record
}

// Journal writes audit records through a background goroutine so callers
// never block on the database.
type Journal struct {
	db     *sql.DB
	ch     chan entry
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

// Open opens or creates the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	j := &Journal{
		db:     db,
		ch:     make(chan entry, queueDepth),
		logger: logger,
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j, nil
}

// RecordTransition records a mode transition outcome. Never blocks.
func (j *Journal) RecordTransition(from, to gadget.Mode, opErr error) {
	e := entry{transition: true, at: time.Now(), from: from, to: to}
	if opErr != nil {
		e.opErr = opErr.Error()
	}
	j.push(e)
}

// RecordEvent records an event delivered to the consumer. Never blocks.
func (j *Journal) RecordEvent(rec event.Record) {
	j.push(entry{at: time.Now(), rec: rec})
}

func (j *Journal) push(e entry) {
	select {
	case j.ch <- e:
	default:
		j.logger.Warn("journal queue full, dropping entry")
	}
}

// Close flushes pending entries and closes the database.
func (j *Journal) Close() error {
	j.once.Do(func() { close(j.ch) })
	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()

	for e := range j.ch {
		var err error
		if e.transition {
			_, err = j.db.Exec(
				`INSERT INTO transitions (timestamp_ns, from_mode, to_mode, error) VALUES (?, ?, ?, ?)`,
				e.at.UnixNano(), e.from.String(), e.to.String(), nullable(e.opErr),
			)
		} else {
			var kind any
			var payload any
			if e.rec.Type == event.StringReceived {
				kind = int(e.rec.Kind)
				payload = string(e.rec.Payload)
			}
			_, err = j.db.Exec(
				`INSERT INTO events (timestamp_ns, type, string_kind, payload) VALUES (?, ?, ?, ?)`,
				e.at.UnixNano(), e.rec.Type.String(), kind, payload,
			)
		}
		if err != nil {
			j.logger.Warn("journal write failed", "error", err)
		}
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Transitions returns the most recent limit transitions, newest first.
// Used by tests and offline inspection.
func (j *Journal) Transitions(limit int) ([]Transition, error) {
	rows, err := j.db.Query(
		`SELECT timestamp_ns, from_mode, to_mode, COALESCE(error, '')
		 FROM transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var ns int64
		if err := rows.Scan(&ns, &t.From, &t.To, &t.Error); err != nil {
			return nil, fmt.Errorf("journal: scan transition: %w", err)
		}
		t.At = time.Unix(0, ns)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Transition is one recorded mode transition.
type Transition struct {
	At    time.Time
	From  string
	To    string
	Error string
}
