// Package audit keeps a history of table commits in SQLite. Each event
// records who committed which table, the resulting size, and the diff of the
// counter-free dumps before and after.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"grimm.is/xtables/internal/clock"
)

// Event represents a single commit attempt.
type Event struct {
	ID        int64     `json:"id"`
	Run       string    `json:"run"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Table     string    `json:"table"`
	Family    string    `json:"family"`
	Rules     int       `json:"rules"`
	Size      int       `json:"size"`
	Diff      string    `json:"diff,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// OK reports whether the commit succeeded.
func (e Event) OK() bool { return e.Error == "" }

// Query selects events. Zero fields do not filter.
type Query struct {
	Since time.Time
	Table string
	Run   string
	Limit int
}

// Store provides persistent storage for commit events.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	clock         clock.Clock
	retentionDays int
}

// NewStore opens or creates the store at dbPath. Events older than
// retentionDays are dropped by Prune; zero means 90 days.
func NewStore(dbPath string, retentionDays int, clk clock.Clock) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS commits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			user TEXT NOT NULL,
			tbl TEXT NOT NULL,
			family TEXT NOT NULL,
			rules INTEGER DEFAULT 0,
			size INTEGER DEFAULT 0,
			diff TEXT,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_commits_timestamp ON commits(timestamp);
		CREATE INDEX IF NOT EXISTS idx_commits_table ON commits(tbl);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create commits table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Store{db: db, clock: clock.OrReal(clk), retentionDays: retentionDays}, nil
}

// NewRun returns an identifier grouping the events of one apply run.
func NewRun() string {
	return uuid.NewString()
}

// Write persists an event. A zero Timestamp is set from the store's clock.
func (s *Store) Write(evt Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO commits (run, timestamp, user, tbl, family, rules, size, diff, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.Run, evt.Timestamp.UTC(), evt.User, evt.Table, evt.Family, evt.Rules, evt.Size,
		nullString(evt.Diff), nullString(evt.Error))
	if err != nil {
		return 0, fmt.Errorf("insert commit event: %w", err)
	}
	return res.LastInsertId()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Query returns matching events, newest first.
func (s *Store) Query(q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, run, timestamp, user, tbl, family, rules, size, diff, error
		FROM commits WHERE 1=1`
	var args []any

	if !q.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, q.Since.UTC())
	}
	if q.Table != "" {
		query += " AND tbl = ?"
		args = append(args, q.Table)
	}
	if q.Run != "" {
		query += " AND run = ?"
		args = append(args, q.Run)
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var diff, errText sql.NullString

		err := rows.Scan(&evt.ID, &evt.Run, &evt.Timestamp, &evt.User, &evt.Table, &evt.Family,
			&evt.Rules, &evt.Size, &diff, &errText)
		if err != nil {
			return nil, fmt.Errorf("scan commit event: %w", err)
		}
		evt.Diff = diff.String
		evt.Error = errText.String
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention period.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().AddDate(0, 0, -s.retentionDays).UTC()
	result, err := s.db.Exec("DELETE FROM commits WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune commit events: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of events in the store.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM commits").Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
