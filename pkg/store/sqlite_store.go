package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/metrics"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const sqliteChatsSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT,
    model_id TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    model_id TEXT NOT NULL,
    UNIQUE (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);
`

// Summary is one row of List.
type Summary struct {
	ID conversation.ChatID
	// Title is the assigned title, or a preview of the first user message
	// when HasTitle is false.
	Title        string
	HasTitle     bool
	ModelID      string
	CreatedAt    time.Time
	UpdateTime   time.Time
	MessageCount int
}

// SQLiteChatStore persists conversations and their messages in SQLite.
//
// Every write runs in a single immediate transaction, so a conversation is
// either stored with all its initial messages or not at all, and message
// sequence numbers stay gapless per conversation.
type SQLiteChatStore struct {
	// mu is held shared by regular operations and exclusively by Reset and
	// Close. SQLite serializes the writers themselves.
	mu      sync.RWMutex
	db      *sqlx.DB
	tracer  trace.Tracer
	metrics *metrics.Metrics
	closed  bool
}

type Option func(*SQLiteChatStore)

func WithTracer(tracer trace.Tracer) Option {
	return func(s *SQLiteChatStore) {
		s.tracer = tracer
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SQLiteChatStore) {
		s.metrics = m
	}
}

func NewSQLiteChatStore(dsn string, options ...Option) (*SQLiteChatStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite chat store: empty dsn")
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, persistenceError("open", err)
	}

	s := newSQLiteChatStore(db, options...)
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, persistenceError("migrate", err)
	}
	return s, nil
}

func newSQLiteChatStore(db *sqlx.DB, options ...Option) *SQLiteChatStore {
	s := &SQLiteChatStore{
		db:     db,
		tracer: otel.Tracer("luna.store"),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// DSNForFile returns the DSN used for on-disk stores.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path), nil
}

func (s *SQLiteChatStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, sqliteChatsSchemaV1)
	return err
}

// Create stores a draft conversation with all of its messages and returns
// the assigned id. Ids are strictly increasing for the lifetime of the store.
func (s *SQLiteChatStore) Create(ctx context.Context, chat *conversation.Chat) (id conversation.ChatID, err error) {
	ctx, done := s.begin(ctx, "create")
	defer func() { done(err) }()

	if err := chat.Validate(); err != nil {
		return 0, err
	}
	if chat.IsPersisted() {
		return 0, &conversation.ValidationError{Field: "id", Reason: "conversation is already persisted"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	err = s.withTx(ctx, "create", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (title, model_id, created_at) VALUES (?, ?, ?)`,
			nullString(chat.Title), chat.ModelID, chat.CreatedAt.UnixNano(),
		)
		if err != nil {
			return persistenceError("insert conversation", err)
		}
		lastID, err := res.LastInsertId()
		if err != nil {
			return persistenceError("insert conversation", err)
		}
		id = conversation.ChatID(lastID)
		return insertMessages(ctx, tx, id, 0, chat.Messages)
	})
	if err != nil {
		return 0, err
	}

	log.Debug().Int64("chat_id", int64(id)).Int("messages", len(chat.Messages)).Msg("created conversation")
	return id, nil
}

// Append adds exactly one message to the end of a stored conversation.
func (s *SQLiteChatStore) Append(ctx context.Context, id conversation.ChatID, msg conversation.Message) error {
	return s.AppendMany(ctx, id, msg)
}

// AppendMany adds messages to the end of a stored conversation in one
// transaction, preserving their order.
func (s *SQLiteChatStore) AppendMany(ctx context.Context, id conversation.ChatID, msgs ...conversation.Message) (err error) {
	ctx, done := s.begin(ctx, "append", attribute.Int64("chat_id", int64(id)))
	defer func() { done(err) }()

	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		if err := conversation.ValidateMessage(m); err != nil {
			return err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.withTx(ctx, "append", func(tx *sqlx.Tx) error {
		var next sql.NullInt64
		err := tx.GetContext(ctx, &next,
			`SELECT (SELECT MAX(seq) FROM messages WHERE conversation_id = c.id) FROM conversations c WHERE c.id = ?`,
			int64(id),
		)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{ID: id}
		}
		if err != nil {
			return persistenceError("select sequence", err)
		}
		if !next.Valid {
			return persistenceError("select sequence", fmt.Errorf("conversation %d has no messages", id))
		}
		return insertMessages(ctx, tx, id, int(next.Int64)+1, msgs)
	})
}

// Get loads a conversation with all of its messages.
func (s *SQLiteChatStore) Get(ctx context.Context, id conversation.ChatID) (chat *conversation.Chat, err error) {
	ctx, done := s.begin(ctx, "get", attribute.Int64("chat_id", int64(id)))
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var header conversationRow
	err = s.db.GetContext(ctx, &header,
		`SELECT id, title, model_id, created_at FROM conversations WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, persistenceError("select conversation", err)
	}

	var rows []messageRow
	err = s.db.SelectContext(ctx, &rows,
		`SELECT seq, role, content, timestamp, model_id FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		int64(id))
	if err != nil {
		return nil, persistenceError("select messages", err)
	}

	chat = &conversation.Chat{
		Identity:  conversation.Persisted{ID: conversation.ChatID(header.ID)},
		Title:     header.Title.String,
		CreatedAt: fromUnixNano(header.CreatedAt),
		ModelID:   header.ModelID,
		Messages:  make([]conversation.Message, 0, len(rows)),
	}
	for i, r := range rows {
		if r.Seq != int64(i) {
			return nil, persistenceError("select messages",
				fmt.Errorf("conversation %d: expected seq %d, found %d", id, i, r.Seq))
		}
		chat.Messages = append(chat.Messages, r.toMessage())
	}
	if err := chat.Validate(); err != nil {
		return nil, persistenceError("select messages", err)
	}
	return chat, nil
}

// List returns summaries of all conversations, most recently updated first.
func (s *SQLiteChatStore) List(ctx context.Context) (summaries []Summary, err error) {
	ctx, done := s.begin(ctx, "list")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var rows []summaryRow
	err = s.db.SelectContext(ctx, &rows, `
SELECT
    c.id,
    c.title,
    c.model_id,
    c.created_at,
    (SELECT m.timestamp FROM messages m WHERE m.conversation_id = c.id ORDER BY m.seq DESC LIMIT 1) AS updated_at,
    (SELECT m.content FROM messages m WHERE m.conversation_id = c.id AND m.seq = 1) AS first_user_content,
    (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count
FROM conversations c
ORDER BY updated_at DESC, c.id DESC`)
	if err != nil {
		return nil, persistenceError("list conversations", err)
	}

	summaries = make([]Summary, 0, len(rows))
	for _, r := range rows {
		summaries = append(summaries, r.toSummary())
	}
	return summaries, nil
}

// Count returns the number of stored conversations.
func (s *SQLiteChatStore) Count(ctx context.Context) (n int, err error) {
	ctx, done := s.begin(ctx, "count")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM conversations`); err != nil {
		return 0, persistenceError("count conversations", err)
	}
	return n, nil
}

// SetTitle assigns the title of a stored conversation.
func (s *SQLiteChatStore) SetTitle(ctx context.Context, id conversation.ChatID, title string) (err error) {
	ctx, done := s.begin(ctx, "set_title", attribute.Int64("chat_id", int64(id)))
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.withTx(ctx, "set_title", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, nullString(title), int64(id))
		if err != nil {
			return persistenceError("update title", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return persistenceError("update title", err)
		}
		if n == 0 {
			return &NotFoundError{ID: id}
		}
		return nil
	})
}

// Reset drops every conversation and recreates an empty schema. Ids start
// again from 1 afterwards. This is the only operation that loses data.
func (s *SQLiteChatStore) Reset(ctx context.Context) (err error) {
	ctx, done := s.begin(ctx, "reset")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err = s.withTx(ctx, "reset", func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			`DROP TABLE IF EXISTS messages`,
			`DROP TABLE IF EXISTS conversations`,
			sqliteChatsSchemaV1,
			`DELETE FROM sqlite_sequence WHERE name IN ('conversations', 'messages')`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return persistenceError("reset", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Msg("chat store reset")
	return nil
}

func (s *SQLiteChatStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// withTx runs fn in a transaction and rolls back on any error. Errors from
// fn are returned as is, transaction plumbing errors become PersistenceErrors.
func (s *SQLiteChatStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistenceError(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistenceError(op+": commit", err)
	}
	return nil
}

// begin starts a span and returns the function that records the outcome.
func (s *SQLiteChatStore) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		s.metrics.ObserveStoreOp(op, err, time.Since(start))
	}
}

func insertMessages(ctx context.Context, tx *sqlx.Tx, id conversation.ChatID, firstSeq int, msgs []conversation.Message) error {
	for i, m := range msgs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, role, content, timestamp, model_id) VALUES (?, ?, ?, ?, ?, ?)`,
			int64(id), firstSeq+i, string(m.Role), m.Content, m.Timestamp.UnixNano(), m.ModelID,
		)
		if err != nil {
			return persistenceError("insert message", err)
		}
	}
	return nil
}

type conversationRow struct {
	ID        int64          `db:"id"`
	Title     sql.NullString `db:"title"`
	ModelID   string         `db:"model_id"`
	CreatedAt int64          `db:"created_at"`
}

type messageRow struct {
	Seq       int64  `db:"seq"`
	Role      string `db:"role"`
	Content   string `db:"content"`
	Timestamp int64  `db:"timestamp"`
	ModelID   string `db:"model_id"`
}

func (r messageRow) toMessage() conversation.Message {
	return conversation.Message{
		Role:      conversation.Role(r.Role),
		Content:   r.Content,
		Timestamp: fromUnixNano(r.Timestamp),
		ModelID:   r.ModelID,
	}
}

type summaryRow struct {
	ID               int64          `db:"id"`
	Title            sql.NullString `db:"title"`
	ModelID          string         `db:"model_id"`
	CreatedAt        int64          `db:"created_at"`
	UpdatedAt        sql.NullInt64  `db:"updated_at"`
	FirstUserContent sql.NullString `db:"first_user_content"`
	MessageCount     int            `db:"message_count"`
}

func (r summaryRow) toSummary() Summary {
	ret := Summary{
		ID:           conversation.ChatID(r.ID),
		ModelID:      r.ModelID,
		CreatedAt:    fromUnixNano(r.CreatedAt),
		MessageCount: r.MessageCount,
	}
	if r.UpdatedAt.Valid {
		ret.UpdateTime = fromUnixNano(r.UpdatedAt.Int64)
	}
	if r.Title.Valid && r.Title.String != "" {
		ret.Title = r.Title.String
		ret.HasTitle = true
	} else {
		ret.Title = conversation.Preview(r.FirstUserContent.String)
	}
	return ret
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
