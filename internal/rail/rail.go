// Package rail builds the mux rail view model: a flat list of typed rows the
// terminal renderer turns into ANSI. Build is a pure function of its input,
// with no I/O and no clocks, so the gateway can rebuild the
// model on every rail.invalidated without caching hazards.
package rail

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/jaakkos/harness/internal/store"
)

// Row kinds, in the order a renderer typically styles them.
const (
	RowDirHeader         = "dir-header"
	RowDirMeta           = "dir-meta"
	RowConversationTitle = "conversation-title"
	RowConversationMeta  = "conversation-meta"
	RowProcessTitle      = "process-title"
	RowProcessMeta       = "process-meta"
	RowShortcutHeader    = "shortcut-header"
	RowShortcutBody      = "shortcut-body"
	RowAction            = "action"
	RowMuted             = "muted"
)

// Row is one rendered line of the rail.
type Row struct {
	Kind   string `json:"kind"`
	Text   string `json:"text"`
	Active bool   `json:"active,omitempty"`

	ConversationID string `json:"conversationId,omitempty"`
	DirectoryKey   string `json:"directoryKey,omitempty"`
	ActionID       string `json:"actionId,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Process is a long-running helper shown under its own header, e.g. the
// gateway daemon itself.
type Process struct {
	Name   string
	PID    int
	Status string
}

// Input is everything Build needs. Now is passed in rather than read from
// the clock so identical inputs yield identical models.
type Input struct {
	Repositories  []store.Repository
	Directories   []store.Directory
	Conversations []store.Conversation
	Processes     []Process

	ActiveConversationID string
	Collapsed            map[string]bool
	ShowShortcuts        bool
	Now                  time.Time
}

// Model is the built rail.
type Model struct {
	Rows []Row `json:"rows"`
}

// Shortcut lines shown when the help overlay is open.
var shortcutLines = []string{
	"enter  open conversation",
	"n      new conversation",
	"a      archive",
	"tab    switch pane",
	"q      quit",
}

// Build assembles the rail. Repositories sort by name, loose directories
// come after them sorted by path, and conversations within a directory sort
// by startedAt, oldest first.
func Build(in Input) Model {
	var m Model

	byDir := make(map[string][]store.Conversation)
	var loose []store.Conversation
	for _, c := range in.Conversations {
		if c.DirectoryID == "" {
			loose = append(loose, c)
			continue
		}
		byDir[c.DirectoryID] = append(byDir[c.DirectoryID], c)
	}

	repos := append([]store.Repository(nil), in.Repositories...)
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	repoByID := make(map[string]store.Repository, len(repos))
	for _, r := range repos {
		repoByID[r.ID] = r
	}

	var repoDirs, looseDirs []store.Directory
	for _, d := range in.Directories {
		if _, ok := repoByID[d.RepositoryID]; ok && d.RepositoryID != "" {
			repoDirs = append(repoDirs, d)
		} else {
			looseDirs = append(looseDirs, d)
		}
	}
	sort.Slice(repoDirs, func(i, j int) bool {
		ri, rj := repoByID[repoDirs[i].RepositoryID], repoByID[repoDirs[j].RepositoryID]
		if ri.Name != rj.Name {
			return ri.Name < rj.Name
		}
		return repoDirs[i].Path < repoDirs[j].Path
	})
	sort.Slice(looseDirs, func(i, j int) bool { return looseDirs[i].Path < looseDirs[j].Path })

	for _, d := range append(repoDirs, looseDirs...) {
		m.appendDirectory(in, d, repoByID[d.RepositoryID], byDir[d.ID])
	}

	if len(loose) > 0 {
		m.rows(Row{Kind: RowDirHeader, Text: "(no directory)", DirectoryKey: "loose"})
		if !in.Collapsed["loose"] {
			m.appendConversations(in, loose)
		}
	}

	if len(in.Directories) == 0 && len(loose) == 0 {
		m.rows(Row{Kind: RowMuted, Text: "no directories registered"})
		m.rows(Row{Kind: RowAction, Text: "register this directory", ActionID: "directory.upsert"})
	}

	if len(in.Processes) > 0 {
		m.rows(Row{Kind: RowProcessTitle, Text: "processes"})
		for _, p := range in.Processes {
			m.rows(Row{
				Kind:   RowProcessMeta,
				Text:   fmt.Sprintf("%s pid %d %s", p.Name, p.PID, p.Status),
				Status: p.Status,
			})
		}
	}

	if in.ShowShortcuts {
		m.rows(Row{Kind: RowShortcutHeader, Text: "shortcuts"})
		for _, line := range shortcutLines {
			m.rows(Row{Kind: RowShortcutBody, Text: line})
		}
	}

	return m
}

func (m *Model) rows(rs ...Row) { m.Rows = append(m.Rows, rs...) }

func (m *Model) appendDirectory(in Input, d store.Directory, repo store.Repository, convs []store.Conversation) {
	m.rows(Row{Kind: RowDirHeader, Text: filepath.Base(d.Path), DirectoryKey: d.ID})
	if repo.ID != "" {
		meta := repo.Name
		if repo.LastCommitTitle != "" {
			meta += " · " + repo.LastCommitTitle
		}
		m.rows(Row{Kind: RowDirMeta, Text: meta, DirectoryKey: d.ID})
	} else {
		m.rows(Row{Kind: RowDirMeta, Text: d.Path, DirectoryKey: d.ID})
	}
	if in.Collapsed[d.ID] {
		return
	}
	if len(convs) == 0 {
		m.rows(Row{Kind: RowMuted, Text: "no conversations", DirectoryKey: d.ID})
	} else {
		m.appendConversations(in, convs)
	}
	m.rows(Row{Kind: RowAction, Text: "new conversation", ActionID: "conversation.create", DirectoryKey: d.ID})
}

func (m *Model) appendConversations(in Input, convs []store.Conversation) {
	sorted := append([]store.Conversation(nil), convs...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].StartedAt.Before(sorted[j].StartedAt)
		}
		return sorted[i].SessionID < sorted[j].SessionID
	})
	for _, c := range sorted {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		active := c.SessionID == in.ActiveConversationID
		m.rows(Row{Kind: RowConversationTitle, Text: title, Active: active, ConversationID: c.SessionID})

		meta := c.Status
		if c.AttentionReason != "" {
			meta += " · " + c.AttentionReason
		}
		if age := relativeAge(in.Now, c.LastEventAt); age != "" {
			meta += " · " + age
		}
		m.rows(Row{Kind: RowConversationMeta, Text: meta, Active: active, ConversationID: c.SessionID, Status: c.Status})
	}
}

// relativeAge renders a coarse "time since" label.
func relativeAge(now, t time.Time) string {
	if t.IsZero() || now.Before(t) {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
