package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/speech"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a message id has no history.
var ErrNotFound = errors.New("message not found")

// Message is the latest known state of one speak request.
type Message struct {
	MsgID     string
	AppID     string
	Channel   int
	Status    string
	Language  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition is one recorded status change of a message.
type Transition struct {
	ID        int64
	MsgID     string
	Status    string
	Language  string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed message history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the message history according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS messages (
    msg_id TEXT PRIMARY KEY,
    app_id TEXT,
    channel INTEGER NOT NULL,
    status TEXT NOT NULL,
    language TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS message_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    msg_id TEXT NOT NULL,
    status TEXT NOT NULL,
    language TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(msg_id) REFERENCES messages(msg_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_message_events_msg ON message_events(msg_id, id);
CREATE INDEX IF NOT EXISTS idx_messages_updated ON messages(updated_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Record upserts the message row for ev and appends a transition.
func (s *Store) Record(ctx context.Context, ev speech.Event) error {
	if s.disabled() {
		return nil
	}
	at := ev.Time
	if at.IsZero() {
		at = s.clock()
	}
	ts := at.UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(msg_id, app_id, channel, status, language, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(msg_id) DO UPDATE SET status=excluded.status, language=excluded.language, updated_at=excluded.updated_at`,
		ev.MsgID, ev.Owner, ev.Channel, ev.Status.String(), ev.Language, ts, ts); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_events(msg_id, status, language, created_at) VALUES(?, ?, ?, ?)`,
		ev.MsgID, ev.Status.String(), ev.Language, ts); err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return tx.Commit()
}

// Message returns the latest state of msgID.
func (s *Store) Message(ctx context.Context, msgID string) (Message, error) {
	if s.disabled() {
		return Message{}, ErrNotFound
	}
	var m Message
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT msg_id, app_id, channel, status, language, created_at, updated_at
		 FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.MsgID, &m.AppID, &m.Channel, &m.Status, &m.Language, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	m.UpdatedAt = time.Unix(0, updated).UTC()
	return m, nil
}

// Transitions retrieves up to limit transitions of msgID in recording order.
func (s *Store) Transitions(ctx context.Context, msgID string, limit int) ([]Transition, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, msg_id, status, language, created_at
		 FROM message_events WHERE msg_id = ? ORDER BY id ASC LIMIT ?`, msgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var created int64
		if err := rows.Scan(&t.ID, &t.MsgID, &t.Status, &t.Language, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Recent lists the most recently updated messages, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT msg_id, app_id, channel, status, language, created_at, updated_at
		 FROM messages ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created, updated int64
		if err := rows.Scan(&m.MsgID, &m.AppID, &m.Channel, &m.Status, &m.Language, &created, &updated); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		m.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and on a schedule).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxMessages > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE msg_id IN (
			SELECT msg_id FROM messages ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxMessages)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
