package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore persists the history of many sessions in one database.
// Use Session to obtain the Store of a single session.
type SQLiteStore struct {
	db    *sql.DB
	limit int
}

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	SessionID    string    `json:"session_id" yaml:"session_id"`
	Exchanges    int       `json:"exchanges" yaml:"exchanges"`
	LastActivity time.Time `json:"last_activity" yaml:"last_activity"`
}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout for the database at path.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite history store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func NewSQLiteStore(dsn string, limit int) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite history store: empty dsn")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, limit: limit}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
		  seq INTEGER PRIMARY KEY AUTOINCREMENT,
		  session_id TEXT NOT NULL,
		  exchange_id TEXT NOT NULL,
		  query TEXT NOT NULL,
		  answer TEXT NOT NULL,
		  context_json TEXT NOT NULL DEFAULT '{}',
		  created_at_ms INTEGER NOT NULL,
		  duration_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS exchanges_by_session
		  ON exchanges(session_id, seq);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite history store: migrate")
		}
	}
	return nil
}

// Session returns the Store of one session.
func (s *SQLiteStore) Session(sessionID string) Store {
	return &sqliteSessionStore{parent: s, sessionID: strings.TrimSpace(sessionID)}
}

func (s *SQLiteStore) append(ctx context.Context, sessionID string, ex Exchange) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store: db is nil")
	}
	if sessionID == "" {
		return errors.New("sqlite history store: session id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctxJSON, err := json.Marshal(ex.Context)
	if err != nil {
		return errors.Wrap(err, "sqlite history store: marshal context summary")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite history store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO exchanges (session_id, exchange_id, query, answer, context_json, created_at_ms, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sessionID, ex.ID, ex.Query, ex.Answer, string(ctxJSON), ex.CreatedAt.UnixMilli(), ex.Duration.Milliseconds()); err != nil {
		return errors.Wrap(err, "sqlite history store: insert exchange")
	}
	// evict the oldest rows beyond the limit
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM exchanges
		WHERE session_id = ? AND seq NOT IN (
		  SELECT seq FROM exchanges WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, sessionID, sessionID, s.limit); err != nil {
		return errors.Wrap(err, "sqlite history store: evict exchanges")
	}
	return errors.Wrap(tx.Commit(), "sqlite history store: commit")
}

func (s *SQLiteStore) history(ctx context.Context, sessionID string) ([]Exchange, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite history store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT exchange_id, query, answer, context_json, created_at_ms, duration_ms
		FROM exchanges
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history store: query exchanges")
	}
	defer func() { _ = rows.Close() }()

	out := []Exchange{}
	for rows.Next() {
		var (
			ex          Exchange
			ctxJSON     string
			createdAtMs int64
			durationMs  int64
		)
		if err := rows.Scan(&ex.ID, &ex.Query, &ex.Answer, &ctxJSON, &createdAtMs, &durationMs); err != nil {
			return nil, errors.Wrap(err, "sqlite history store: scan exchange")
		}
		var sum contextsnap.Summary
		if err := json.Unmarshal([]byte(ctxJSON), &sum); err != nil {
			return nil, errors.Wrapf(err, "sqlite history store: decode context of %s", ex.ID)
		}
		ex.Context = sum
		ex.CreatedAt = time.UnixMilli(createdAtMs)
		ex.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, ex)
	}
	return out, errors.Wrap(rows.Err(), "sqlite history store: iterate exchanges")
}

func (s *SQLiteStore) clear(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE session_id = ?`, sessionID)
	return errors.Wrap(err, "sqlite history store: clear")
}

// ListSessions returns stored sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite history store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MAX(created_at_ms)
		FROM exchanges
		GROUP BY session_id
		ORDER BY MAX(created_at_ms) DESC, session_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []SessionInfo
	for rows.Next() {
		var (
			info   SessionInfo
			lastMs int64
		)
		if err := rows.Scan(&info.SessionID, &info.Exchanges, &lastMs); err != nil {
			return nil, errors.Wrap(err, "sqlite history store: scan session")
		}
		info.LastActivity = time.UnixMilli(lastMs)
		out = append(out, info)
	}
	return out, errors.Wrap(rows.Err(), "sqlite history store: iterate sessions")
}

type sqliteSessionStore struct {
	parent    *SQLiteStore
	sessionID string
}

var _ Store = &sqliteSessionStore{}

func (s *sqliteSessionStore) Append(ctx context.Context, ex Exchange) error {
	return s.parent.append(ctx, s.sessionID, ex)
}

func (s *sqliteSessionStore) History(ctx context.Context) ([]Exchange, error) {
	return s.parent.history(ctx, s.sessionID)
}

func (s *sqliteSessionStore) Clear(ctx context.Context) error {
	return s.parent.clear(ctx, s.sessionID)
}
