// Package store persists sessions and their event streams in SQLite.
//
// Writes come from each session's event forwarder, never from the worker
// running the agent, so a slow disk delays persistence but not the agent.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"agent_runtime/pkg/events"
	"agent_runtime/pkg/logging"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("store: session not found")

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		workspace_dir TEXT NOT NULL,
		device_id     TEXT,
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		type       TEXT NOT NULL,
		content    BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_session_type ON events(session_id, type, seq);
`

// Session is the persisted record of one agent session.
type Session struct {
	ID           string    `json:"id"`
	WorkspaceDir string    `json:"workspace_dir"`
	DeviceID     string    `json:"device_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize defaults to max(NumCPU, 4).
	PoolSize int

	Logger *logging.Logger
}

// Store is safe for concurrent use.
type Store struct {
	pool *pool
	log  *logging.Logger
}

// Open creates the database if needed and applies the schema.
func Open(cfg Config) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	p, err := openPool(cfg.Path, cfg.PoolSize, log, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, log: log}, nil
}

// Close blocks until all borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.close()
}

// CreateSession inserts a session record.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO sessions (id, workspace_dir, device_id, created_at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{sess.ID, sess.WorkspaceDir, sess.DeviceID, sess.CreatedAt.UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns the session record for id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return Session{}, err
	}
	defer s.pool.put(conn)

	var (
		sess  Session
		found bool
	)
	err = sqlitex.Execute(conn,
		"SELECT id, workspace_dir, device_id, created_at FROM sessions WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				sess = Session{
					ID:           stmt.ColumnText(0),
					WorkspaceDir: stmt.ColumnText(1),
					DeviceID:     stmt.ColumnText(2),
					CreatedAt:    time.Unix(0, stmt.ColumnInt64(3)).UTC(),
				}
				return nil
			},
		})
	if err != nil {
		return Session{}, fmt.Errorf("store: get session %s: %w", id, err)
	}
	if !found {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// ListSessions returns every session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var sessions []Session
	err = sqlitex.Execute(conn,
		"SELECT id, workspace_dir, device_id, created_at FROM sessions ORDER BY created_at DESC",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, Session{
					ID:           stmt.ColumnText(0),
					WorkspaceDir: stmt.ColumnText(1),
					DeviceID:     stmt.ColumnText(2),
					CreatedAt:    time.Unix(0, stmt.ColumnInt64(3)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return sessions, nil
}

// SaveEvent appends e to its session's stream.
func (s *Store) SaveEvent(ctx context.Context, e events.Event) error {
	if e.SessionID == "" {
		return fmt.Errorf("store: event %s has no session", e.ID)
	}
	content, err := events.MarshalContent(e.Content)
	if err != nil {
		return fmt.Errorf("store: encode %s event: %w", e.Type, err)
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO events (id, session_id, type, content, created_at) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{e.ID, e.SessionID, string(e.Type), content, e.Time.UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("store: save %s event: %w", e.Type, err)
	}
	return nil
}

// Handle implements events.Handler. A history_truncated event first removes
// the request it replaces, so the stored stream matches the conversation.
func (s *Store) Handle(ctx context.Context, e events.Event) error {
	if e.Type == events.TypeHistoryTruncated {
		if _, err := s.DeleteFromLastUserMessage(ctx, e.SessionID); err != nil {
			return err
		}
	}
	return s.SaveEvent(ctx, e)
}

// SessionEvents returns the events of sessionID in emission order.
func (s *Store) SessionEvents(ctx context.Context, sessionID string) ([]events.Event, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var out []events.Event
	err = sqlitex.Execute(conn,
		"SELECT id, session_id, type, content, created_at FROM events WHERE session_id = ? ORDER BY seq",
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, err := scanEvent(stmt)
				if err != nil {
					return err
				}
				out = append(out, e)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: session events %s: %w", sessionID, err)
	}
	return out, nil
}

func scanEvent(stmt *sqlite.Stmt) (events.Event, error) {
	raw := make([]byte, stmt.ColumnLen(3))
	stmt.ColumnBytes(3, raw)
	content, err := events.UnmarshalContent(raw)
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{
		ID:        stmt.ColumnText(0),
		SessionID: stmt.ColumnText(1),
		Type:      events.Type(stmt.ColumnText(2)),
		Content:   content,
		Time:      time.Unix(0, stmt.ColumnInt64(4)).UTC(),
	}, nil
}

// DeleteFromLastUserMessage removes the most recent user_message event of
// sessionID and every event after it, returning how many were deleted. It
// backs editing the last query.
func (s *Store) DeleteFromLastUserMessage(ctx context.Context, sessionID string) (deleted int, err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var (
		lastSeq int64
		found   bool
	)
	err = sqlitex.Execute(conn,
		"SELECT MAX(seq) FROM events WHERE session_id = ? AND type = ?",
		&sqlitex.ExecOptions{
			Args: []any{sessionID, string(events.TypeUserMessage)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnType(0) != sqlite.TypeNull {
					found = true
					lastSeq = stmt.ColumnInt64(0)
				}
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: find last user message: %w", err)
	}
	if !found {
		return 0, nil
	}

	err = sqlitex.Execute(conn,
		"DELETE FROM events WHERE session_id = ? AND seq >= ?",
		&sqlitex.ExecOptions{Args: []any{sessionID, lastSeq}})
	if err != nil {
		return 0, fmt.Errorf("store: delete events: %w", err)
	}
	deleted = conn.Changes()
	s.log.Info("events deleted from last user message", "session", sessionID, "deleted", deleted)
	return deleted, nil
}

// DeleteSession removes a session and, by cascade, its events.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM sessions WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("store: delete session %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return ErrSessionNotFound
	}
	return nil
}
