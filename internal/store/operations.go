package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope names produced by mutations. They mirror the wire protocol event
// names so the gateway can forward events verbatim.
const (
	EventConversationStatus = "conversation.status"
	EventConversationTitle  = "conversation.title"
	EventRailInvalidated    = "rail.invalidated"
)

// UpsertRepository inserts or updates a repository by remote URL, returning
// its id.
func (s *Store) UpsertRepository(name, remoteURL string) (Repository, []Event, error) {
	var repo Repository
	events, err := s.mutate(func(tx *sql.Tx) ([]Event, error) {
		row := tx.QueryRow(`SELECT id, name, remote_url, last_commit_sha, last_commit_title FROM repositories WHERE remote_url = ?`, remoteURL)
		err := row.Scan(&repo.ID, &repo.Name, &repo.RemoteURL, &repo.LastCommitSHA, &repo.LastCommitTitle)
		switch {
		case err == sql.ErrNoRows:
			repo = Repository{ID: uuid.NewString(), Name: name, RemoteURL: remoteURL}
			if _, err := tx.Exec(`INSERT INTO repositories (id, name, remote_url) VALUES (?, ?, ?)`,
				repo.ID, repo.Name, repo.RemoteURL); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			repo.Name = name
			if _, err := tx.Exec(`UPDATE repositories SET name = ? WHERE id = ?`, name, repo.ID); err != nil {
				return nil, err
			}
		}
		return []Event{{Name: EventRailInvalidated, Data: railEpoch()}}, nil
	})
	return repo, events, err
}

// UpsertDirectory registers a directory by absolute path. A non-empty
// repositoryID must reference a known repository.
func (s *Store) UpsertDirectory(path, repositoryID string) (Directory, []Event, error) {
	var dir Directory
	events, err := s.mutate(func(tx *sql.Tx) ([]Event, error) {
		if repositoryID != "" {
			var one int
			if err := tx.QueryRow(`SELECT 1 FROM repositories WHERE id = ?`, repositoryID).Scan(&one); err == sql.ErrNoRows {
				return nil, fmt.Errorf("%w: repository %s", ErrNotFound, repositoryID)
			} else if err != nil {
				return nil, err
			}
		}
		row := tx.QueryRow(`SELECT id FROM directories WHERE path = ?`, path)
		err := row.Scan(&dir.ID)
		switch {
		case err == sql.ErrNoRows:
			dir = Directory{ID: uuid.NewString(), Path: path, RepositoryID: repositoryID}
			if _, err := tx.Exec(`INSERT INTO directories (id, path, repository_id) VALUES (?, ?, ?)`,
				dir.ID, dir.Path, dir.RepositoryID); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			dir.Path = path
			dir.RepositoryID = repositoryID
			if _, err := tx.Exec(`UPDATE directories SET repository_id = ? WHERE id = ?`, repositoryID, dir.ID); err != nil {
				return nil, err
			}
		}
		return []Event{{Name: EventRailInvalidated, Data: railEpoch()}}, nil
	})
	return dir, events, err
}

// DirectoryByID returns the directory row, or ErrNotFound.
func (s *Store) DirectoryByID(id string) (Directory, error) {
	var dir Directory
	row := s.db.QueryRow(`SELECT id, path, repository_id FROM directories WHERE id = ?`, id)
	if err := row.Scan(&dir.ID, &dir.Path, &dir.RepositoryID); err == sql.ErrNoRows {
		return dir, fmt.Errorf("%w: directory %s", ErrNotFound, id)
	} else if err != nil {
		return dir, err
	}
	return dir, nil
}

// Directories returns all registered directories.
func (s *Store) Directories() ([]Directory, error) {
	rows, err := s.db.Query(`SELECT id, path, repository_id FROM directories ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var dirs []Directory
	for rows.Next() {
		var d Directory
		if err := rows.Scan(&d.ID, &d.Path, &d.RepositoryID); err != nil {
			return nil, err
		}
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}

// Repositories returns all known repositories.
func (s *Store) Repositories() ([]Repository, error) {
	rows, err := s.db.Query(`SELECT id, name, remote_url, last_commit_sha, last_commit_title FROM repositories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var repos []Repository
	for rows.Next() {
		var r Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.RemoteURL, &r.LastCommitSHA, &r.LastCommitTitle); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// CreateConversation inserts a new conversation in status "starting". An
// empty directoryID is allowed; a non-empty one must exist.
func (s *Store) CreateConversation(directoryID, title, agentType string) (Conversation, []Event, error) {
	now := time.Now()
	conv := Conversation{
		SessionID:   uuid.NewString(),
		DirectoryID: directoryID,
		Title:       title,
		AgentType:   agentType,
		Status:      StatusStarting,
		StartedAt:   now,
		LastEventAt: now,
	}
	events, err := s.mutate(func(tx *sql.Tx) ([]Event, error) {
		if directoryID != "" {
			var one int
			if err := tx.QueryRow(`SELECT 1 FROM directories WHERE id = ?`, directoryID).Scan(&one); err == sql.ErrNoRows {
				return nil, fmt.Errorf("%w: directory %s", ErrNotFound, directoryID)
			} else if err != nil {
				return nil, err
			}
		}
		_, err := tx.Exec(`INSERT INTO conversations (session_id, directory_id, title, agent_type, status, started_at, last_event_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conv.SessionID, conv.DirectoryID, conv.Title, conv.AgentType, conv.Status, fmtTime(now), fmtTime(now))
		if err != nil {
			return nil, err
		}
		return []Event{
			{Name: EventConversationStatus, Data: statusData(conv.SessionID, conv.Status, "")},
			{Name: EventRailInvalidated, Data: railEpoch()},
		}, nil
	})
	return conv, events, err
}

// RecreateConversation re-inserts a conversation row with a known session
// id. The runtime scheduler uses it for its single SessionNotFound retry.
func (s *Store) RecreateConversation(conv Conversation) ([]Event, error) {
	return s.mutate(func(tx *sql.Tx) ([]Event, error) {
		now := time.Now()
		if conv.StartedAt.IsZero() {
			conv.StartedAt = now
		}
		_, err := tx.Exec(`INSERT OR REPLACE INTO conversations
			(session_id, directory_id, title, agent_type, status, started_at, last_event_at, archived)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			conv.SessionID, conv.DirectoryID, conv.Title, conv.AgentType, StatusStarting,
			fmtTime(conv.StartedAt), fmtTime(now))
		if err != nil {
			return nil, err
		}
		return []Event{{Name: EventRailInvalidated, Data: railEpoch()}}, nil
	})
}

// SetConversationStatus updates the status and attention reason, bumping
// lastEventAt.
func (s *Store) SetConversationStatus(sessionID, status, attentionReason string) ([]Event, error) {
	return s.mutate(func(tx *sql.Tx) ([]Event, error) {
		res, err := tx.Exec(`UPDATE conversations SET status = ?, attention_reason = ?, last_event_at = ?
			WHERE session_id = ? AND archived = 0`,
			status, attentionReason, fmtTime(time.Now()), sessionID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return []Event{
			{Name: EventConversationStatus, Data: statusData(sessionID, status, attentionReason)},
			{Name: EventRailInvalidated, Data: railEpoch()},
		}, nil
	})
}

// SetConversationTitle renames a conversation.
func (s *Store) SetConversationTitle(sessionID, title string) ([]Event, error) {
	return s.mutate(func(tx *sql.Tx) ([]Event, error) {
		res, err := tx.Exec(`UPDATE conversations SET title = ?, last_event_at = ? WHERE session_id = ? AND archived = 0`,
			title, fmtTime(time.Now()), sessionID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return []Event{
			{Name: EventConversationTitle, Data: map[string]string{"sessionId": sessionID, "title": title}},
			{Name: EventRailInvalidated, Data: railEpoch()},
		}, nil
	})
}

// TouchConversation bumps lastEventAt, keeping lastEventAt >= startedAt.
func (s *Store) TouchConversation(sessionID string) error {
	_, err := s.mutate(func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.Exec(`UPDATE conversations SET last_event_at = ? WHERE session_id = ?`, fmtTime(time.Now()), sessionID)
		return nil, err
	})
	return err
}

// ArchiveConversation hides a conversation from listings. The PTY engine
// releases the retained output ring when this succeeds.
func (s *Store) ArchiveConversation(sessionID string) ([]Event, error) {
	return s.mutate(func(tx *sql.Tx) ([]Event, error) {
		res, err := tx.Exec(`UPDATE conversations SET archived = 1, last_event_at = ? WHERE session_id = ?`,
			fmtTime(time.Now()), sessionID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return []Event{{Name: EventRailInvalidated, Data: railEpoch()}}, nil
	})
}

// ConversationBySessionID returns a conversation row, or ErrNotFound.
func (s *Store) ConversationBySessionID(sessionID string) (Conversation, error) {
	row := s.db.QueryRow(`SELECT session_id, directory_id, title, agent_type, status, started_at, last_event_at, attention_reason
		FROM conversations WHERE session_id = ? AND archived = 0`, sessionID)
	return scanConversation(row)
}

// Conversations lists unarchived conversations, newest first. limit <= 0
// means no limit.
func (s *Store) Conversations(limit int) ([]Conversation, error) {
	q := `SELECT session_id, directory_id, title, agent_type, status, started_at, last_event_at, attention_reason
		FROM conversations WHERE archived = 0 ORDER BY started_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UIStateSnapshot loads the persisted layout, defaulting empty maps.
func (s *Store) UIStateSnapshot() (UIState, error) {
	ui := UIState{Dividers: map[string]int{}, Collapsed: map[string]bool{}}
	var value string
	err := s.db.QueryRow(`SELECT value FROM ui_state WHERE key = 'layout'`).Scan(&value)
	if err == sql.ErrNoRows {
		return ui, nil
	}
	if err != nil {
		return ui, err
	}
	if err := json.Unmarshal([]byte(value), &ui); err != nil {
		return UIState{Dividers: map[string]int{}, Collapsed: map[string]bool{}}, nil
	}
	return ui, nil
}

// SaveUIState persists the layout. Called from the scheduler's debounced
// divider writer.
func (s *Store) SaveUIState(ui UIState) error {
	data, err := json.Marshal(ui)
	if err != nil {
		return err
	}
	_, err = s.mutate(func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.Exec(`INSERT INTO ui_state (key, value) VALUES ('layout', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(data))
		return nil, err
	})
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var startedAt, lastEventAt string
	err := row.Scan(&c.SessionID, &c.DirectoryID, &c.Title, &c.AgentType, &c.Status, &startedAt, &lastEventAt, &c.AttentionReason)
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("%w: session", ErrNotFound)
	}
	if err != nil {
		return c, err
	}
	c.StartedAt = parseTime(startedAt)
	c.LastEventAt = parseTime(lastEventAt)
	if c.LastEventAt.Before(c.StartedAt) {
		c.LastEventAt = c.StartedAt
	}
	return c, nil
}

func statusData(sessionID, status, reason string) map[string]string {
	d := map[string]string{"sessionId": sessionID, "status": status}
	if reason != "" {
		d["attentionReason"] = reason
	}
	return d
}

// railEpoch is an opaque cache-invalidation token for rail.invalidated.
func railEpoch() map[string]string {
	return map[string]string{"epoch": uuid.NewString()}
}
