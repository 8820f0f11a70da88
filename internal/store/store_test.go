package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "control-plane.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDirectoryUpsert(t *testing.T) {
	s := openStore(t)

	dir, events, err := s.UpsertDirectory("/work/repo/api", "")
	require.NoError(t, err)
	require.NotEmpty(t, dir.ID)
	require.Len(t, events, 1)
	assert.Equal(t, EventRailInvalidated, events[0].Name)

	// Upserting the same path keeps the id stable.
	again, _, err := s.UpsertDirectory("/work/repo/api", "")
	require.NoError(t, err)
	assert.Equal(t, dir.ID, again.ID)

	got, err := s.DirectoryByID(dir.ID)
	require.NoError(t, err)
	assert.Equal(t, "/work/repo/api", got.Path)

	_, err = s.DirectoryByID("directory-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectoryRejectsUnknownRepository(t *testing.T) {
	s := openStore(t)
	_, _, err := s.UpsertDirectory("/work/repo", "repo-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationLifecycle(t *testing.T) {
	s := openStore(t)
	dir, _, err := s.UpsertDirectory("/work/repo", "")
	require.NoError(t, err)

	conv, events, err := s.CreateConversation(dir.ID, "fix bug", "claude-code")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, conv.Status)
	assert.False(t, conv.LastEventAt.Before(conv.StartedAt))
	var names []string
	for _, e := range events {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, EventConversationStatus)
	assert.Contains(t, names, EventRailInvalidated)

	events, err = s.SetConversationStatus(conv.SessionID, StatusRunning, "")
	require.NoError(t, err)
	assert.Equal(t, EventConversationStatus, events[0].Name)

	events, err = s.SetConversationTitle(conv.SessionID, "fix bug #42")
	require.NoError(t, err)
	assert.Equal(t, EventConversationTitle, events[0].Name)

	got, err := s.ConversationBySessionID(conv.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "fix bug #42", got.Title)
	assert.False(t, got.LastEventAt.Before(got.StartedAt))

	_, err = s.ArchiveConversation(conv.SessionID)
	require.NoError(t, err)
	_, err = s.ConversationBySessionID(conv.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	convs, err := s.Conversations(0)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestConversationUnknownDirectory(t *testing.T) {
	s := openStore(t)
	_, _, err := s.CreateConversation("directory-missing", "t", "claude-code")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationsLimit(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 5; i++ {
		_, _, err := s.CreateConversation("", "conv", "claude-code")
		require.NoError(t, err)
	}
	convs, err := s.Conversations(2)
	require.NoError(t, err)
	assert.Len(t, convs, 2)
}

func TestStatusUpdateUnknownSession(t *testing.T) {
	s := openStore(t)
	_, err := s.SetConversationStatus("session-missing", StatusRunning, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUIStateRoundTrip(t *testing.T) {
	s := openStore(t)

	ui, err := s.UIStateSnapshot()
	require.NoError(t, err)
	assert.Empty(t, ui.ActivePane)

	ui.ActivePane = "conversation"
	ui.Dividers["rail"] = 42
	ui.Collapsed["dir-1"] = true
	require.NoError(t, s.SaveUIState(ui))

	got, err := s.UIStateSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "conversation", got.ActivePane)
	assert.Equal(t, 42, got.Dividers["rail"])
	assert.True(t, got.Collapsed["dir-1"])
}

func TestConcurrentMutations(t *testing.T) {
	s := openStore(t)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.CreateConversation("", "conv", "claude-code")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	convs, err := s.Conversations(0)
	require.NoError(t, err)
	assert.Len(t, convs, 20)
}

func TestMutateAfterClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, _, err = s.CreateConversation("", "x", "claude-code")
	assert.True(t, errors.Is(err, ErrClosed))
}
