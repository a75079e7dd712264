package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/3coins/acp-agentcore-poc/errors"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLite stores checkpoints in a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path, applies the WAL
// pragmas and runs pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating database directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database")
	}
	// modernc.org/sqlite serialises writes; limit to one connection.
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "setting %s", p)
		}
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "setting goose dialect")
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "running migrations")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.SessionID == "" {
		return errors.New("checkpoint has no session id")
	}
	messages, err := json.Marshal(cp.Messages)
	if err != nil {
		return errors.Wrapf(err, "encoding messages")
	}
	todos, err := json.Marshal(cp.Todos)
	if err != nil {
		return errors.Wrapf(err, "encoding todos")
	}
	now := time.Now().UTC().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, cwd, mode, model, messages, todos, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			cwd = excluded.cwd,
			mode = excluded.mode,
			model = excluded.model,
			messages = excluded.messages,
			todos = excluded.todos,
			updated_at = excluded.updated_at`,
		cp.SessionID, cp.Cwd, cp.Mode, cp.Model, string(messages), string(todos), now, now)
	if err != nil {
		return errors.Wrapf(err, "saving checkpoint %s", cp.SessionID)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var (
		cp                 = Checkpoint{SessionID: sessionID}
		messages, todos    string
		created, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT cwd, mode, model, messages, todos, created_at, updated_at
		FROM checkpoints WHERE session_id = ?`, sessionID).
		Scan(&cp.Cwd, &cp.Mode, &cp.Model, &messages, &todos, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading checkpoint %s", sessionID)
	}
	if err := json.Unmarshal([]byte(messages), &cp.Messages); err != nil {
		return nil, errors.Wrapf(err, "decoding messages of %s", sessionID)
	}
	if err := json.Unmarshal([]byte(todos), &cp.Todos); err != nil {
		return nil, errors.Wrapf(err, "decoding todos of %s", sessionID)
	}
	cp.CreatedAt = time.UnixMilli(created).UTC()
	cp.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &cp, nil
}

func (s *SQLite) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return errors.Wrapf(err, "deleting checkpoint %s", sessionID)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM checkpoints ORDER BY updated_at DESC, session_id`)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrapf(err, "scanning checkpoint id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
