package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ListConversations returns every conversation with its message count,
// ordered by id.
func (db *DB) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.identity, c.linked_identity, c.type, c.display_name,
			c.created_at, c.last_activity_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count
		FROM conversations c
		ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Identity, &c.LinkedIdentity, &c.Type, &c.DisplayName,
			&c.CreatedAt, &c.LastActivityAt, &c.MessageCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a conversation by identity, or nil if absent.
func (db *DB) GetConversation(ctx context.Context, identity string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRowContext(ctx, `
		SELECT c.id, c.identity, c.linked_identity, c.type, c.display_name,
			c.created_at, c.last_activity_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		WHERE c.identity = ?`, identity).
		Scan(&c.ID, &c.Identity, &c.LinkedIdentity, &c.Type, &c.DisplayName,
			&c.CreatedAt, &c.LastActivityAt, &c.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertConversation stores a new conversation and returns its surrogate id.
func (db *DB) InsertConversation(ctx context.Context, c *Conversation) (int64, error) {
	if c.Type == "" {
		c.Type = ConversationSingle
	}
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO conversations (identity, linked_identity, type, display_name, created_at, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Identity, c.LinkedIdentity, c.Type, c.DisplayName, c.CreatedAt, c.LastActivityAt, now)
	if err != nil {
		return 0, fmt.Errorf("insert conversation %q: %w", c.Identity, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// UpsertConversation inserts a conversation or refreshes the name and type
// of an existing one. Non-empty linked identities are never cleared.
func (db *DB) UpsertConversation(ctx context.Context, c *Conversation) (int64, error) {
	if c.Type == "" {
		c.Type = ConversationSingle
	}
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (identity, linked_identity, type, display_name, created_at, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			linked_identity = CASE WHEN excluded.linked_identity != '' THEN excluded.linked_identity ELSE conversations.linked_identity END,
			type = excluded.type,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
			updated_at = excluded.updated_at`,
		c.Identity, c.LinkedIdentity, c.Type, c.DisplayName, c.CreatedAt, c.LastActivityAt, now)
	if err != nil {
		return 0, fmt.Errorf("upsert conversation %q: %w", c.Identity, err)
	}
	var id int64
	if err := db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE identity = ?`, c.Identity).Scan(&id); err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// LinkIdentities records linked as the alternate identity of each
// conversation keyed by identity. Conversations not present are skipped.
// Returns the number of conversations updated.
func (db *DB) LinkIdentities(ctx context.Context, links map[string]string) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	for identity, linked := range links {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET linked_identity = ?
			WHERE identity = ? AND linked_identity != ?`, linked, identity, linked)
		if err != nil {
			return 0, fmt.Errorf("link %q: %w", identity, err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// RefreshActivity recomputes created/last-activity timestamps of a
// conversation from its messages.
func (db *DB) RefreshActivity(ctx context.Context, convID int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversations SET
			created_at = COALESCE((SELECT MIN(timestamp) FROM messages WHERE conversation_id = ? AND timestamp > 0), created_at),
			last_activity_at = COALESCE((SELECT MAX(timestamp) FROM messages WHERE conversation_id = ?), last_activity_at),
			updated_at = ?
		WHERE id = ?`, convID, convID, time.Now().UnixMilli(), convID)
	if err != nil {
		return fmt.Errorf("refresh activity %d: %w", convID, err)
	}
	return nil
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}
