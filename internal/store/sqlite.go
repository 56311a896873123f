package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes multi-statement writes to avoid SQLITE_BUSY
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tools_used_json TEXT,
		confidence REAL,
		metrics_json TEXT,
		tool_results_json TEXT,
		trace_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		score INTEGER NOT NULL,
		comment TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_trace ON feedback(trace_id);

	CREATE TABLE IF NOT EXISTS dividend_goals (
		id TEXT PRIMARY KEY,
		target_monthly REAL NOT NULL,
		target_annual REAL NOT NULL,
		currency TEXT NOT NULL,
		deadline TEXT,
		notes TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// EnsureConversation creates the conversation row if needed.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, id, sessionID string) (bool, error) {
	var created bool
	err := s.withRetry(ctx, "ensure conversation", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		now := s.now().Unix()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, session_id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			id, nullString(sessionID), now, now)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		created = rows > 0
		return nil
	})
	return created, err
}

// AppendMessage inserts a message and touches the conversation in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	if msg.Pending {
		return fmt.Errorf("append message: pending messages are not persisted")
	}
	toolsJSON, err := marshalOptional(msg.ToolsUsed, len(msg.ToolsUsed) > 0)
	if err != nil {
		return fmt.Errorf("marshal tools_used: %w", err)
	}
	metricsJSON, err := marshalOptional(msg.Metrics, msg.Metrics != nil)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	resultsJSON, err := marshalOptional(msg.ToolResults, len(msg.ToolResults) > 0)
	if err != nil {
		return fmt.Errorf("marshal tool_results: %w", err)
	}
	var confidence any
	if msg.Confidence != nil {
		confidence = *msg.Confidence
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	return s.withRetry(ctx, "append message", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, s.now().Unix(), conversationID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, tools_used_json, confidence, metrics_json, tool_results_json, trace_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, string(msg.Role), msg.Content, toolsJSON, confidence,
			metricsJSON, resultsJSON, nullString(msg.TraceID), ts.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return tx.Commit()
	})
}

// GetConversation retrieves a conversation and its messages in append order.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, created_at, updated_at FROM conversations WHERE id = ?`, id)

	var conv domain.Conversation
	var sessionID sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&conv.ID, &sessionID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	conv.SessionID = sessionID.String
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tools_used_json, confidence, metrics_json, tool_results_json, trace_id, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	conv.Messages = []domain.Message{}
	for rows.Next() {
		var (
			msg                                 domain.Message
			role                                string
			toolsJSON, metricsJSON, resultsJSON sql.NullString
			traceID                             sql.NullString
			confidence                          sql.NullFloat64
			created                             int64
		)
		if err := rows.Scan(&role, &msg.Content, &toolsJSON, &confidence, &metricsJSON, &resultsJSON, &traceID, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.TraceID = traceID.String
		msg.Timestamp = time.UnixMilli(created)
		if confidence.Valid {
			c := confidence.Float64
			msg.Confidence = &c
		}
		if toolsJSON.Valid {
			if err := json.Unmarshal([]byte(toolsJSON.String), &msg.ToolsUsed); err != nil {
				return nil, fmt.Errorf("decode tools_used: %w", err)
			}
		}
		if metricsJSON.Valid {
			msg.Metrics = &domain.AgentMetrics{}
			if err := json.Unmarshal([]byte(metricsJSON.String), msg.Metrics); err != nil {
				return nil, fmt.Errorf("decode metrics: %w", err)
			}
		}
		if resultsJSON.Valid {
			if err := json.Unmarshal([]byte(resultsJSON.String), &msg.ToolResults); err != nil {
				return nil, fmt.Errorf("decode tool_results: %w", err)
			}
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return &conv, nil
}

// DeleteIdleConversations removes conversations idle longer than maxIdle.
// Messages go with them through the foreign key cascade.
func (s *SQLiteStore) DeleteIdleConversations(ctx context.Context, maxIdle time.Duration) (int64, error) {
	threshold := s.now().Add(-maxIdle).Unix()
	var deleted int64
	err := s.withRetry(ctx, "delete idle conversations", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("delete idle conversations: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// RecordFeedback stores one rating.
func (s *SQLiteStore) RecordFeedback(ctx context.Context, fb domain.Feedback) error {
	created := fb.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	return s.withRetry(ctx, "record feedback", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		_, err := s.db.ExecContext(ctx,
			`INSERT INTO feedback (trace_id, score, comment, created_at) VALUES (?, ?, ?, ?)`,
			fb.TraceID, fb.Score, nullString(fb.Comment), created.Unix())
		if err != nil {
			return fmt.Errorf("insert feedback: %w", err)
		}
		return nil
	})
}

// withRetry retries op with exponential backoff while SQLite reports a lock conflict.
func (s *SQLiteStore) withRetry(ctx context.Context, name string, op func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms
		slog.Debug("SQLite write conflict, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxRetries, err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalOptional(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func newID() string {
	return uuid.NewString()
}
