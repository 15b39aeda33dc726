// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides message/memory/job persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"
)

// historyCacheDepth is how many recent messages per conversation the in-memory
// cache keeps. RecentMessages requests at or below this depth skip the database.
const historyCacheDepth = 200

// historyCacheConversations bounds how many conversations keep a cached tail.
const historyCacheConversations = 128

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db      *sql.DB
	history *lru.Cache[string, []*Message]
	logger  *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	history, err := lru.New[string, []*Message](historyCacheConversations)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history cache: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		history: history,
		logger:  logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			conversation_key TEXT NOT NULL,
			role             TEXT NOT NULL,
			sender           TEXT NOT NULL,
			content          TEXT NOT NULL,
			tool_name        TEXT,
			tool_call_id     TEXT,
			created_at       TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'tool'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conv_created
			ON messages(conversation_key, created_at);

		CREATE TABLE IF NOT EXISTS memories (
			id               TEXT PRIMARY KEY,
			conversation_key TEXT NOT NULL DEFAULT '',
			content          TEXT NOT NULL,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_conversation
			ON memories(conversation_key);

		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			kind             TEXT NOT NULL,
			conversation_key TEXT NOT NULL,
			connector_id     TEXT NOT NULL,
			participant_id   TEXT,
			payload          TEXT NOT NULL,
			fire_at          TEXT NOT NULL,
			every_ns         INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,

			CHECK (kind IN ('reminder', 'wake'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_fire_at ON jobs(fire_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// AppendMessage inserts a message and updates the cached history tail.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_key, role, sender, content, tool_name, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationKey,
		msg.Role,
		msg.Sender,
		msg.Content,
		msg.ToolName,
		msg.ToolCallID,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	if cached, ok := s.history.Get(msg.ConversationKey); ok {
		updated := append(cached, msg)
		if len(updated) > historyCacheDepth {
			updated = updated[len(updated)-historyCacheDepth:]
		}
		s.history.Add(msg.ConversationKey, updated)
	}

	s.logger.Debug("appended message", "conversation", msg.ConversationKey, "role", msg.Role)
	return nil
}

// RecentMessages returns the most recent messages for a conversation in
// chronological order. The cached tail serves requests at or below the cache
// depth; larger requests fall through to the database.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationKey string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	if limit <= historyCacheDepth {
		if cached, ok := s.history.Get(conversationKey); ok {
			if len(cached) <= limit {
				return append([]*Message(nil), cached...), nil
			}
			return append([]*Message(nil), cached[len(cached)-limit:]...), nil
		}
	}

	msgs, err := s.queryRecent(ctx, conversationKey, max(limit, historyCacheDepth))
	if err != nil {
		return nil, err
	}

	tail := msgs
	if len(tail) > historyCacheDepth {
		tail = tail[len(tail)-historyCacheDepth:]
	}
	s.history.Add(conversationKey, append([]*Message(nil), tail...))

	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *SQLiteStore) queryRecent(ctx context.Context, conversationKey string, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_key, role, sender, content, tool_name, tool_call_id, created_at
		FROM messages
		WHERE conversation_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationKey, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Reverse into chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var msg Message
	var toolName, toolCallID sql.NullString
	var createdAtStr string

	err := rows.Scan(
		&msg.ID,
		&msg.ConversationKey,
		&msg.Role,
		&msg.Sender,
		&msg.Content,
		&toolName,
		&toolCallID,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.ToolName = toolName.String
	msg.ToolCallID = toolCallID.String
	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}

// ClearMessages removes a conversation's history and invalidates its
// cache entry.
func (s *SQLiteStore) ClearMessages(ctx context.Context, conversationKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_key = ?`, conversationKey)
	if err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	s.history.Remove(conversationKey)
	return nil
}

// ListConversations returns distinct conversation keys ordered by most recent activity.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT conversation_key, MAX(created_at) AS last
		FROM messages
		GROUP BY conversation_key
		ORDER BY last DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key, last string
		if err := rows.Scan(&key, &last); err != nil {
			return nil, fmt.Errorf("scanning conversation key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// SaveMemory inserts a memory item.
func (s *SQLiteStore) SaveMemory(ctx context.Context, mem *Memory) error {
	query := `
		INSERT INTO memories (id, conversation_key, content, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		mem.ID,
		mem.ConversationKey,
		mem.Content,
		mem.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting memory: %w", err)
	}

	s.logger.Debug("saved memory", "id", mem.ID, "conversation", mem.ConversationKey)
	return nil
}

// SearchMemories performs keyword search over memory contents. Every
// whitespace-separated term in the query must match, case-insensitively.
// Global memories (empty conversation key) match for every conversation.
func (s *SQLiteStore) SearchMemories(ctx context.Context, conversationKey, query string, limit int) ([]*Memory, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return s.ListMemories(ctx, conversationKey, limit)
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, conversation_key, content, created_at
		FROM memories
		WHERE (conversation_key = '' OR conversation_key = ?)
	`)
	args := []any{conversationKey}
	for _, term := range terms {
		sb.WriteString(" AND LOWER(content) LIKE ?")
		args = append(args, "%"+term+"%")
	}
	sb.WriteString(" ORDER BY created_at DESC LIMIT ?")
	args = append(args, limit)

	return s.queryMemories(ctx, sb.String(), args...)
}

// ListMemories returns memories visible to a conversation, newest first.
func (s *SQLiteStore) ListMemories(ctx context.Context, conversationKey string, limit int) ([]*Memory, error) {
	query := `
		SELECT id, conversation_key, content, created_at
		FROM memories
		WHERE (conversation_key = '' OR conversation_key = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`
	return s.queryMemories(ctx, query, conversationKey, limit)
}

func (s *SQLiteStore) queryMemories(ctx context.Context, query string, args ...any) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	defer rows.Close()

	var mems []*Memory
	for rows.Next() {
		var mem Memory
		var createdAtStr string
		if err := rows.Scan(&mem.ID, &mem.ConversationKey, &mem.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		mem.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		mems = append(mems, &mem)
	}
	return mems, rows.Err()
}

// DeleteMemory removes a memory by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting memory: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateJob inserts a scheduled job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (id, kind, conversation_key, connector_id, participant_id, payload, fire_at, every_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Kind,
		job.ConversationKey,
		job.ConnectorID,
		job.ParticipantID,
		job.Payload,
		job.FireAt.UTC().Format(time.RFC3339Nano),
		int64(job.Every),
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting job: %w", err)
	}

	s.logger.Debug("created job", "id", job.ID, "kind", job.Kind, "fire_at", job.FireAt)
	return nil
}

// GetJob retrieves a job by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := jobSelect + ` WHERE id = ?`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying job: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanJob(rows)
}

const jobSelect = `
	SELECT id, kind, conversation_key, connector_id, participant_id, payload, fire_at, every_ns, created_at
	FROM jobs
`

// ListJobs returns all jobs ordered by fire time.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, jobSelect+` ORDER BY fire_at`)
}

// DueJobs returns jobs whose fire time is at or before now, ordered by fire time.
func (s *SQLiteStore) DueJobs(ctx context.Context, now time.Time) ([]*Job, error) {
	return s.queryJobs(ctx, jobSelect+` WHERE fire_at <= ? ORDER BY fire_at`,
		now.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (*Job, error) {
	var job Job
	var participantID sql.NullString
	var fireAtStr, createdAtStr string
	var everyNs int64

	err := rows.Scan(
		&job.ID,
		&job.Kind,
		&job.ConversationKey,
		&job.ConnectorID,
		&participantID,
		&job.Payload,
		&fireAtStr,
		&everyNs,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	job.ParticipantID = participantID.String
	job.Every = time.Duration(everyNs)
	job.FireAt, err = time.Parse(time.RFC3339Nano, fireAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing fire_at: %w", err)
	}
	job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &job, nil
}

// RescheduleJob moves a job's fire time. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) RescheduleJob(ctx context.Context, id string, fireAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET fire_at = ? WHERE id = ?`,
		fireAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("rescheduling job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteJob removes a job by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
