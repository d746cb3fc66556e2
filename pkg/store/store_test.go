package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_runtime/pkg/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "agent.db"), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sessionEvent(session string, e events.Event) events.Event {
	e.SessionID = session
	return e
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, Session{ID: "s1", WorkspaceDir: "/work/s1", DeviceID: "laptop"}))
	require.Error(t, s.CreateSession(ctx, Session{ID: "s1", WorkspaceDir: "/dup"}), "duplicate id")

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "/work/s1", got.WorkspaceDir)
	assert.Equal(t, "laptop", got.DeviceID)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	assert.ErrorIs(t, s.DeleteSession(ctx, "s1"), ErrSessionNotFound)
}

func TestEventsAreStoredInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, Session{ID: "s1", WorkspaceDir: "/w"}))

	stream := []events.Event{
		events.UserMessage("list files"),
		events.ToolCall("c1", "bash", map[string]any{"command": "ls"}),
		events.ToolResult("c1", "bash", "a.txt", false),
		events.AgentResponse("There is one file."),
	}
	for _, e := range stream {
		require.NoError(t, s.Handle(ctx, sessionEvent("s1", e)))
	}

	got, err := s.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := range stream {
		assert.Equal(t, stream[i].ID, got[i].ID)
		assert.Equal(t, stream[i].Type, got[i].Type)
		assert.Equal(t, "s1", got[i].SessionID)
	}
	assert.Equal(t, "list files", got[0].String("text"))
	assert.Equal(t, map[string]any{"command": "ls"}, got[1].Content["tool_input"])
	assert.Equal(t, false, got[2].Content["is_error"])
}

func TestSaveEventRequiresSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.Error(t, s.SaveEvent(ctx, events.Processing()), "no session id")
	require.Error(t, s.SaveEvent(ctx, sessionEvent("ghost", events.Processing())), "unknown session")
}

func TestDeleteFromLastUserMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, Session{ID: "s1", WorkspaceDir: "/w"}))
	require.NoError(t, s.CreateSession(ctx, Session{ID: "s2", WorkspaceDir: "/w2"}))

	first := events.UserMessage("first")
	for _, e := range []events.Event{
		first,
		events.AgentResponse("one"),
		events.UserMessage("second"),
		events.Processing(),
		events.AgentResponse("two"),
	} {
		require.NoError(t, s.SaveEvent(ctx, sessionEvent("s1", e)))
	}
	require.NoError(t, s.SaveEvent(ctx, sessionEvent("s2", events.UserMessage("other"))))

	deleted, err := s.DeleteFromLastUserMessage(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	got, err := s.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)

	other, err := s.SessionEvents(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, other, 1, "other sessions are untouched")
}

func TestDeleteFromLastUserMessageWithoutUserMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, Session{ID: "s1", WorkspaceDir: "/w"}))
	require.NoError(t, s.SaveEvent(ctx, sessionEvent("s1", events.System("hello"))))

	deleted, err := s.DeleteFromLastUserMessage(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestHandleHistoryTruncated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, Session{ID: "s1", WorkspaceDir: "/w"}))

	for _, e := range []events.Event{
		events.UserMessage("first"),
		events.AgentResponse("one"),
		events.UserMessage("typo"),
		events.AgentResponse("two"),
		events.HistoryTruncated(),
		events.UserMessage("fixed"),
	} {
		require.NoError(t, s.Handle(ctx, sessionEvent("s1", e)))
	}

	got, err := s.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	var texts []string
	for _, e := range got {
		texts = append(texts, string(e.Type)+":"+e.String("text"))
	}
	assert.Equal(t, []string{
		"user_message:first",
		"agent_response:one",
		"history_truncated:",
		"user_message:fixed",
	}, texts)
}
