// Package store persists session runtime state (directories, repositories,
// conversations, and mux UI state) in the gateway's control-plane SQLite
// database. All mutations flow through a single writer goroutine; readers
// see committed snapshots. Every mutation reports the envelopes the gateway
// should broadcast.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Conversation status values.
const (
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusNeedsInput = "needs-input"
	StatusCompleted  = "completed"
	StatusExited     = "exited"
)

// ErrNotFound is returned for unknown directory, repository, or session ids.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned for mutations after Close.
var ErrClosed = errors.New("store closed")

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	remote_url TEXT NOT NULL DEFAULT '',
	last_commit_sha TEXT NOT NULL DEFAULT '',
	last_commit_title TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS directories (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	repository_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS conversations (
	session_id TEXT PRIMARY KEY,
	directory_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	last_event_at TEXT NOT NULL,
	attention_reason TEXT NOT NULL DEFAULT '',
	archived INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS ui_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Event is an envelope the gateway must broadcast after a mutation commits.
type Event struct {
	Name string
	Data any
}

// Repository is a known remote repository.
type Repository struct {
	ID              string `json:"repositoryId"`
	Name            string `json:"name"`
	RemoteURL       string `json:"remoteUrl"`
	LastCommitSHA   string `json:"lastCommitSha,omitempty"`
	LastCommitTitle string `json:"lastCommitTitle,omitempty"`
}

// Directory is a workspace directory a conversation can run in.
type Directory struct {
	ID           string `json:"directoryId"`
	Path         string `json:"path"`
	RepositoryID string `json:"repositoryId,omitempty"`
}

// Conversation is one AI-coding session.
type Conversation struct {
	SessionID       string    `json:"sessionId"`
	DirectoryID     string    `json:"directoryId,omitempty"`
	Title           string    `json:"title"`
	AgentType       string    `json:"agentType"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"startedAt"`
	LastEventAt     time.Time `json:"lastEventAt"`
	AttentionReason string    `json:"attentionReason,omitempty"`
}

// UIState is the persisted mux layout.
type UIState struct {
	ActivePane string         `json:"activePane"`
	Dividers   map[string]int `json:"dividers"`
	Collapsed  map[string]bool `json:"collapsed"`
}

type mutation struct {
	fn    func(tx *sql.Tx) ([]Event, error)
	reply chan mutationResult
}

type mutationResult struct {
	events []Event
	err    error
}

// Store wraps the control-plane database.
type Store struct {
	db      *sql.DB
	writes  chan mutation
	closing chan struct{}
	done    chan struct{}
}

// Open opens (creating if needed) the database at path and starts the
// writer goroutine.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &Store{
		db:      db,
		writes:  make(chan mutation, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.writerLoop()
	return s, nil
}

// Close drains the writer and closes the database.
func (s *Store) Close() error {
	close(s.closing)
	<-s.done
	return s.db.Close()
}

func (s *Store) writerLoop() {
	defer close(s.done)
	for {
		select {
		case m := <-s.writes:
			m.reply <- s.applyMutation(m.fn)
		case <-s.closing:
			// Drain anything already queued before shutting down.
			for {
				select {
				case m := <-s.writes:
					m.reply <- s.applyMutation(m.fn)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) applyMutation(fn func(tx *sql.Tx) ([]Event, error)) mutationResult {
	tx, err := s.db.Begin()
	if err != nil {
		return mutationResult{err: err}
	}
	events, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return mutationResult{err: err}
	}
	if err := tx.Commit(); err != nil {
		return mutationResult{err: err}
	}
	return mutationResult{events: events}
}

// mutate submits one mutation to the writer and waits for commit.
func (s *Store) mutate(fn func(tx *sql.Tx) ([]Event, error)) ([]Event, error) {
	m := mutation{fn: fn, reply: make(chan mutationResult, 1)}
	select {
	case s.writes <- m:
	case <-s.closing:
		return nil, ErrClosed
	}
	select {
	case res := <-m.reply:
		return res.events, res.err
	case <-s.done:
		return nil, ErrClosed
	}
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
