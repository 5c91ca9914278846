package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botpipe/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queries wraps database queries
type Queries struct {
	*pgxpool.Pool
}

// NewQueries creates a new Queries instance
func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{Pool: pool}
}

// Conversation queries

func (q *Queries) GetConversation(ctx context.Context, id int64) (model.Conversation, error) {
	var c model.Conversation
	err := q.Pool.QueryRow(ctx,
		`SELECT id, bot_id, user_id, ai_paused, status, last_message,
			last_responded_at, last_active_at, created_at
		FROM conversations WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.BotID, &c.UserID, &c.AIPaused, &c.Status, &c.LastMessage,
		&c.LastRespondedAt, &c.LastActiveAt, &c.CreatedAt)
	return c, err
}

// SetAIPaused toggles the pause flag under a single row-level update. The
// conversation row is the only source of truth for the flag so the gateway
// and the worker agree across processes.
func (q *Queries) SetAIPaused(ctx context.Context, id int64, paused bool) error {
	_, err := q.Pool.Exec(ctx,
		"UPDATE conversations SET ai_paused = $2 WHERE id = $1",
		id, paused,
	)
	return err
}

func (q *Queries) UpdateConversationStatus(ctx context.Context, id int64, status model.ConversationStatus) error {
	_, err := q.Pool.Exec(ctx,
		"UPDATE conversations SET status = $2 WHERE id = $1",
		id, status,
	)
	return err
}

// TouchConversation updates the denormalized last-message fields after a
// user or admin turn.
func (q *Queries) TouchConversation(ctx context.Context, id int64, lastMessage string, at time.Time) error {
	_, err := q.Pool.Exec(ctx,
		`UPDATE conversations
		SET last_message = $2, last_active_at = $3, status = 'active'
		WHERE id = $1`,
		id, lastMessage, at,
	)
	return err
}

// RecordBotResponse updates the denormalized fields after a bot turn.
func (q *Queries) RecordBotResponse(ctx context.Context, id int64, lastMessage string, at time.Time) error {
	_, err := q.Pool.Exec(ctx,
		`UPDATE conversations
		SET last_message = $2, last_responded_at = $3, last_active_at = $3
		WHERE id = $1`,
		id, lastMessage, at,
	)
	return err
}

// ListOpenConversationSummaries returns one row per distinct counterpart
// user with the most recently active open conversation. Anonymous
// conversations have no user and are listed individually. Used for the
// admin join snapshot.
func (q *Queries) ListOpenConversationSummaries(ctx context.Context) ([]model.ConversationSummary, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT DISTINCT ON (COALESCE(c.user_id, -c.id))
			c.id, c.user_id, u.name, c.last_message, c.last_active_at, c.last_responded_at
		FROM conversations c
		LEFT JOIN users u ON u.id = c.user_id
		WHERE c.status <> 'closed'
		ORDER BY COALESCE(c.user_id, -c.id), c.last_active_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConversationSummary
	for rows.Next() {
		var s model.ConversationSummary
		if err := rows.Scan(&s.ConversationID, &s.UserID, &s.UserName,
			&s.LastMessage, &s.LastActiveAt, &s.RespondedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkIdleConversations moves active conversations that have been silent
// since before the cutoff to the given status, returning affected ids.
func (q *Queries) MarkIdleConversations(ctx context.Context, from, to model.ConversationStatus, cutoff time.Time) ([]int64, error) {
	rows, err := q.Pool.Query(ctx,
		`UPDATE conversations SET status = $2
		WHERE status = $1 AND last_active_at < $3
		RETURNING id`,
		from, to, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Message queries

type InsertMessageParams struct {
	ConversationID int64
	Sender         model.Sender
	Text           string
	ReplyToID      *int64
	FileID         *int64
	Status         model.MessageStatus
}

func (q *Queries) InsertMessage(ctx context.Context, p InsertMessageParams) (model.Message, error) {
	var m model.Message
	err := q.Pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, sender, text, reply_to_id, file_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, conversation_id, sender, text, reply_to_id, file_id, job_id, status, created_at`,
		p.ConversationID, p.Sender, p.Text, p.ReplyToID, p.FileID, p.Status,
	).Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text, &m.ReplyToID,
		&m.FileID, &m.JobID, &m.Status, &m.CreatedAt)
	return m, err
}

// InsertBotMessage persists the bot reply for a job with insert-if-absent
// semantics keyed by job id, so a redelivered job never produces a second
// bot message for the same turn. The bool reports whether a row was
// actually written.
func (q *Queries) InsertBotMessage(ctx context.Context, jobID string, conversationID int64, text string) (model.Message, bool, error) {
	var m model.Message
	err := q.Pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, sender, text, job_id, status)
		VALUES ($1, 'bot', $2, $3, 'sent')
		ON CONFLICT (job_id) WHERE job_id IS NOT NULL DO NOTHING
		RETURNING id, conversation_id, sender, text, reply_to_id, file_id, job_id, status, created_at`,
		conversationID, text, jobID,
	).Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text, &m.ReplyToID,
		&m.FileID, &m.JobID, &m.Status, &m.CreatedAt)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, false, err
	}

	// Conflict: a previous delivery already wrote this reply.
	m, gerr := q.GetMessageByJobID(ctx, jobID)
	return m, false, gerr
}

func (q *Queries) GetMessage(ctx context.Context, id int64) (model.Message, error) {
	var m model.Message
	err := q.Pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender, text, reply_to_id, file_id, job_id, status, created_at
		FROM messages WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text, &m.ReplyToID,
		&m.FileID, &m.JobID, &m.Status, &m.CreatedAt)
	return m, err
}

func (q *Queries) GetMessageByJobID(ctx context.Context, jobID string) (model.Message, error) {
	var m model.Message
	err := q.Pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender, text, reply_to_id, file_id, job_id, status, created_at
		FROM messages WHERE job_id = $1`,
		jobID,
	).Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text, &m.ReplyToID,
		&m.FileID, &m.JobID, &m.Status, &m.CreatedAt)
	return m, err
}

func (q *Queries) ListMessages(ctx context.Context, conversationID int64, limit int) ([]model.Message, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT id, conversation_id, sender, text, reply_to_id, file_id, job_id, status, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY id ASC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text,
			&m.ReplyToID, &m.FileID, &m.JobID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queries) SetMessageFile(ctx context.Context, id, fileID int64) error {
	_, err := q.Pool.Exec(ctx,
		"UPDATE messages SET file_id = $2 WHERE id = $1",
		id, fileID,
	)
	return err
}

// statusesAllowing returns the statuses a message may be in for a
// transition to the given status to be legal.
func statusesAllowing(to model.MessageStatus) []string {
	var from []string
	for _, s := range []model.MessageStatus{
		model.MessagePending,
		model.MessageUploading,
		model.MessageSent,
		model.MessageFailed,
	} {
		if s.CanTransition(to) {
			from = append(from, string(s))
		}
	}
	return from
}

// UpdateMessageStatus advances a message along the forward-only status
// lifecycle. The allowed predecessors are enforced in the WHERE clause so
// a delayed writer cannot move a message backwards.
func (q *Queries) UpdateMessageStatus(ctx context.Context, id int64, status model.MessageStatus) error {
	from := statusesAllowing(status)
	if len(from) == 0 {
		return fmt.Errorf("no status transitions into %q", status)
	}
	tag, err := q.Pool.Exec(ctx,
		"UPDATE messages SET status = $2 WHERE id = $1 AND status = ANY($3)",
		id, status, from,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %d not in a status that allows %q", id, status)
	}
	return nil
}

// User queries

func (q *Queries) UserExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := q.Pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)",
		id,
	).Scan(&exists)
	return exists, err
}

// Capture queries

func (q *Queries) ListCaptureFieldConfigs(ctx context.Context, botID int64) ([]model.CaptureFieldConfig, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT field_name, field_type, required, pattern
		FROM capture_fields WHERE bot_id = $1
		ORDER BY field_name`,
		botID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CaptureFieldConfig
	for rows.Next() {
		var c model.CaptureFieldConfig
		if err := rows.Scan(&c.FieldName, &c.FieldType, &c.Required, &c.Pattern); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertCaptureSubmission records a captured value keyed by
// (conversation_id, field_name). A second submission for the same field in
// the same session is a no-op; the bool reports whether a row was written.
func (q *Queries) InsertCaptureSubmission(ctx context.Context, conversationID int64, fieldName, fieldType, value string) (bool, error) {
	tag, err := q.Pool.Exec(ctx,
		`INSERT INTO capture_submissions (conversation_id, field_name, field_type, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, field_name) DO NOTHING`,
		conversationID, fieldName, fieldType, value,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetCapturedValues returns the values already captured for a session.
func (q *Queries) GetCapturedValues(ctx context.Context, conversationID int64) (map[string]string, error) {
	rows, err := q.Pool.Query(ctx,
		"SELECT field_name, value FROM capture_submissions WHERE conversation_id = $1",
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

// File queries

func (q *Queries) InsertFile(ctx context.Context, conversationID int64, name, contentType, url string) (model.File, error) {
	var f model.File
	err := q.Pool.QueryRow(ctx,
		`INSERT INTO files (conversation_id, name, content_type, url)
		VALUES ($1, $2, $3, $4)
		RETURNING id, conversation_id, name, content_type, url, created_at`,
		conversationID, name, contentType, url,
	).Scan(&f.ID, &f.ConversationID, &f.Name, &f.ContentType, &f.URL, &f.CreatedAt)
	return f, err
}

// Knowledge base queries

// SearchSnippets runs a full-text query against the bot's knowledge base
// and returns ranked snippets. An empty result is a valid answer, not an
// error.
func (q *Queries) SearchSnippets(ctx context.Context, botID int64, query string, limit int) ([]model.Snippet, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT content, ts_rank(tsv, plainto_tsquery('simple', $2)) AS rank
		FROM knowledge_snippets
		WHERE bot_id = $1 AND tsv @@ plainto_tsquery('simple', $2)
		ORDER BY rank DESC
		LIMIT $3`,
		botID, query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Snippet
	for rows.Next() {
		var s model.Snippet
		if err := rows.Scan(&s.Content, &s.Score); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
