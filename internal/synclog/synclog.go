// Package synclog keeps the persisted audit trail of every queued POS
// action's lifecycle. Entries are keyed by the originating action ID and
// survive terminal restarts independently of the queue, so a confirmed
// action remains visible in history after it has been dequeued.
package synclog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a log entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
	StatusRejected Status = "rejected"
)

// Terminal reports whether a status ends the entry's lifecycle. A failed
// entry is retried on the next sync pass and may still transition.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusConflict || s == StatusRejected
}

// ConflictDetails captures the authoritative server state that made a
// queued action unreplayable.
type ConflictDetails struct {
	ServerStatus string `json:"server_status"`
}

// Entry is one audit record. ID correlates to the originating
// QueuedAction; the entry is mutated in place on each sync attempt until
// it reaches a terminal status.
type Entry struct {
	ID           string           `json:"id"`
	Label        string           `json:"label"`
	CreatedAt    time.Time        `json:"created_at"`
	Status       Status           `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Conflict     *ConflictDetails `json:"conflict_details,omitempty"`
}

// Log is the sqlite-backed sync log. In-memory state is authoritative
// for the session; persistence is best-effort since the server, not
// local storage, is the system of record.
type Log struct {
	mu        sync.Mutex
	db        *sql.DB
	entries   []Entry
	index     map[string]int
	observers map[int]func(Entry)
	nextObs   int
	logger    *slog.Logger
}

// Open creates or opens the sync log database at path and loads the
// persisted history. A corrupt or unreadable store is logged and treated
// as empty; Open fails only when the database cannot be created at all.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("synclog: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("synclog: wal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sync_log (
		position      INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		label         TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		status        TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		server_status TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("synclog: migrate: %w", err)
	}

	l := &Log{
		db:        db,
		index:     make(map[string]int),
		observers: make(map[int]func(Entry)),
		logger:    logger.With("component", "synclog"),
	}
	l.load()
	return l, nil
}

// load reads the persisted log. Fail-open: any error leaves the log
// empty for this session.
func (l *Log) load() {
	rows, err := l.db.Query(
		`SELECT id, label, created_at, status, error_message, server_status
		 FROM sync_log ORDER BY position`)
	if err != nil {
		l.logger.Warn("failed to load persisted sync log, starting empty", "error", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var createdAt, serverStatus string
		if err := rows.Scan(&e.ID, &e.Label, &createdAt, &e.Status, &e.ErrorMessage, &serverStatus); err != nil {
			l.logger.Warn("skipping unreadable sync log row", "error", err)
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		if serverStatus != "" {
			e.Conflict = &ConflictDetails{ServerStatus: serverStatus}
		}
		l.index[e.ID] = len(l.entries)
		l.entries = append(l.entries, e)
	}
	if err := rows.Err(); err != nil {
		l.logger.Warn("error reading persisted sync log", "error", err)
	}
}

// Observe registers a callback invoked after every entry transition.
// Callbacks must not call back into the log. The returned func removes
// the observer; callers with bounded lifetimes (a UI connection) must
// call it, or dead callbacks pile up for the life of the daemon.
func (l *Log) Observe(fn func(Entry)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observe(fn)
}

// Watch atomically snapshots the log and registers fn for subsequent
// transitions: every transition lands in exactly one of the two, so a
// backlog-then-updates stream never delivers an entry state twice.
func (l *Log) Watch(fn func(Entry)) ([]Entry, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := make([]Entry, len(l.entries))
	copy(snapshot, l.entries)
	return snapshot, l.observe(fn)
}

// observe registers fn. Must be called with the lock held.
func (l *Log) observe(fn func(Entry)) func() {
	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.observers, id)
	}
}

// RecordPending creates the entry for a freshly enqueued action. A
// repeat call for the same ID is a no-op.
func (l *Log) RecordPending(id, label string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[id]; ok {
		return
	}
	e := Entry{
		ID:        id,
		Label:     label,
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
	l.index[id] = len(l.entries)
	l.entries = append(l.entries, e)
	l.persist()
	l.notify(e)
}

// RecordSuccess marks the entry's action as confirmed by the server.
func (l *Log) RecordSuccess(id string) {
	l.transition(id, StatusSuccess, "", "")
}

// RecordFailed marks a retryable failure; the action stays queued and
// the entry is overwritten again on the next attempt.
func (l *Log) RecordFailed(id, message string) {
	l.transition(id, StatusFailed, message, "")
}

// RecordConflict marks the action permanently unreplayable because the
// server reports an incompatible terminal resource state.
func (l *Log) RecordConflict(id, message, serverStatus string) {
	l.transition(id, StatusConflict, message, serverStatus)
}

// RecordRejected marks a business-rule rejection: the server answered,
// refused the request deterministically, and a retry would refuse again.
func (l *Log) RecordRejected(id, message string) {
	l.transition(id, StatusRejected, message, "")
}

// transition overwrites the entry's status. Transitions out of a
// terminal state are dropped, which also makes repeat recordings of the
// same outcome idempotent.
func (l *Log) transition(id string, status Status, message, serverStatus string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[id]
	if !ok {
		l.logger.Warn("transition for unknown sync log entry", "id", id, "status", status)
		return
	}
	if l.entries[i].Status.Terminal() {
		return
	}

	l.entries[i].Status = status
	l.entries[i].ErrorMessage = message
	if serverStatus != "" {
		l.entries[i].Conflict = &ConflictDetails{ServerStatus: serverStatus}
	} else {
		l.entries[i].Conflict = nil
	}
	l.persist()
	l.notify(l.entries[i])
}

// Entries returns a snapshot of the log in insertion order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Get returns the entry for an action ID.
func (l *Log) Get(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return Entry{}, false
	}
	return l.entries[i], true
}

// TrimToSuccess drops every entry whose status is not success. Called by
// the queue's clear operation: once the source actions are gone, only
// the history of confirmed work is worth keeping.
func (l *Log) TrimToSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.Status == StatusSuccess {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	l.reindex()
	l.persist()
}

// ClearHistory unconditionally empties the log and its persisted copy.
func (l *Log) ClearHistory() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
	l.reindex()
	l.persist()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) reindex() {
	l.index = make(map[string]int, len(l.entries))
	for i, e := range l.entries {
		l.index[e.ID] = i
	}
}

// persist replaces the stored snapshot with the in-memory log.
// Best-effort: a failed write is logged and swallowed.
func (l *Log) persist() {
	tx, err := l.db.Begin()
	if err != nil {
		l.logger.Warn("failed to persist sync log", "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM sync_log`); err != nil {
		l.logger.Warn("failed to persist sync log", "error", err)
		return
	}
	for _, e := range l.entries {
		serverStatus := ""
		if e.Conflict != nil {
			serverStatus = e.Conflict.ServerStatus
		}
		if _, err := tx.Exec(
			`INSERT INTO sync_log (id, label, created_at, status, error_message, server_status)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.Label, e.CreatedAt.Format(time.RFC3339Nano), string(e.Status), e.ErrorMessage, serverStatus,
		); err != nil {
			l.logger.Warn("failed to persist sync log entry", "id", e.ID, "error", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		l.logger.Warn("failed to persist sync log", "error", err)
	}
}

func (l *Log) notify(e Entry) {
	for _, fn := range l.observers {
		fn(e)
	}
}
