// Package queue holds the ordered list of not-yet-confirmed POS actions
// and persists it across terminal restarts. The in-memory queue is
// authoritative for the session; sqlite persistence is best-effort
// because the ChefCloud server, not local storage, is the system of
// record.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chefcloud/possync/internal/action"
)

// Recorder is the slice of the sync log the queue drives: a pending
// entry is created atomically with every enqueue, and clearing the
// queue trims the log down to confirmed history.
type Recorder interface {
	RecordPending(id, label string)
	TrimToSuccess()
}

// Store is the sqlite-backed action queue. Order is FIFO by insertion.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	items  []action.QueuedAction
	rules  *action.RuleSet
	log    Recorder
	logger *slog.Logger
}

// Open creates or opens the queue database at path and loads any
// actions left over from a previous session. Loading is fail-open: an
// unreadable store starts the session with an empty queue rather than
// failing the terminal.
func Open(path string, rules *action.RuleSet, log Recorder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: wal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS pos_queue (
		position        INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		idempotency_key TEXT NOT NULL,
		url             TEXT NOT NULL,
		method          TEXT NOT NULL,
		body            BLOB,
		headers         TEXT NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}

	s := &Store{
		db:     db,
		rules:  rules,
		log:    log,
		logger: logger.With("component", "queue"),
	}
	s.load()
	return s, nil
}

// load reads the persisted queue in FIFO order.
func (s *Store) load() {
	rows, err := s.db.Query(
		`SELECT id, idempotency_key, url, method, body, headers, created_at
		 FROM pos_queue ORDER BY position`)
	if err != nil {
		s.logger.Warn("failed to load persisted queue, starting empty", "error", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var a action.QueuedAction
		var body []byte
		var headers, createdAt string
		if err := rows.Scan(&a.ID, &a.IdempotencyKey, &a.URL, &a.Method, &body, &headers, &createdAt); err != nil {
			s.logger.Warn("skipping unreadable queue row", "error", err)
			continue
		}
		a.Body = body
		if err := json.Unmarshal([]byte(headers), &a.Headers); err != nil {
			a.Headers = nil
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			a.CreatedAt = t
		}
		s.items = append(s.items, a)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("error reading persisted queue", "error", err)
	}
	if len(s.items) > 0 {
		s.logger.Info("restored queued actions", "count", len(s.items))
	}
}

// Add captures a request as a queued action, creates its pending sync
// log entry, persists the queue, and returns the new queue snapshot.
func (s *Store) Add(req action.Request) []action.QueuedAction {
	a := action.New(req)

	s.mu.Lock()
	s.items = append(s.items, a)
	s.persist()
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.log.RecordPending(a.ID, s.rules.Label(a))
	s.logger.Info("action queued", "id", a.ID, "method", a.Method, "url", a.URL)
	return snapshot
}

// Items returns a snapshot of the queue in FIFO order.
func (s *Store) Items() []action.QueuedAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Len returns the number of queued actions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Remove drops a resolved action from the queue and persists the
// shrunken snapshot. Unknown IDs are ignored.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, a := range s.items {
		if a.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			s.persist()
			return
		}
	}
}

// Clear empties the queue entirely and trims the sync log to confirmed
// entries, since everything still pending, failed, or conflicted has
// just lost its source action.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = nil
	s.persist()
	s.mu.Unlock()

	s.log.TrimToSuccess()
	s.logger.Info("queue cleared")
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) snapshot() []action.QueuedAction {
	out := make([]action.QueuedAction, len(s.items))
	copy(out, s.items)
	return out
}

// persist replaces the stored snapshot with the in-memory queue.
// Best-effort: a failed write is logged and swallowed. Must be called
// with the lock held.
func (s *Store) persist() {
	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Warn("failed to persist queue", "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM pos_queue`); err != nil {
		s.logger.Warn("failed to persist queue", "error", err)
		return
	}
	for _, a := range s.items {
		headers, err := json.Marshal(a.Headers)
		if err != nil {
			headers = []byte("{}")
		}
		if _, err := tx.Exec(
			`INSERT INTO pos_queue (id, idempotency_key, url, method, body, headers, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.IdempotencyKey, a.URL, a.Method, []byte(a.Body), string(headers),
			a.CreatedAt.Format(time.RFC3339Nano),
		); err != nil {
			s.logger.Warn("failed to persist queued action", "id", a.ID, "error", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("failed to persist queue", "error", err)
	}
}
