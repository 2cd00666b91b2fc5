// Package message provides PostgreSQL-backed storage for durable chat
// messages and the HTTP handlers of the durable path. The live transport and
// this path are intentionally decoupled; clients reconcile the two by
// de-duplicating on message ID.
package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver
)

// Message is the authoritative, server-assigned chat record.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	SenderID  string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"-"`
	Timestamp int64     `json:"timestamp"` // CreatedAt in unix milliseconds

	// ClientTempID echoes the sender's optimistic correlation ID; it is
	// never stored.
	ClientTempID string `json:"clientTempId,omitempty"`
}

// DefaultHistoryLimit bounds a single history page.
const DefaultHistoryLimit = 50

// Store manages chat messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the given DSN and verifies the
// connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("message: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("message: postgres connection failed: %w", err)
	}
	return db, nil
}

// Insert persists a new message and returns the authoritative record with
// its server-assigned ID and creation time.
func (s *Store) Insert(ctx context.Context, channelID, senderID, content string) (Message, error) {
	msg := Message{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
	}

	const query = `
		INSERT INTO messages (id, channel_id, sender_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		msg.ID, msg.ChannelID, msg.SenderID, msg.Content,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("message: insert: %w", err)
	}

	msg.Timestamp = msg.CreatedAt.UnixMilli()
	return msg, nil
}

// History returns up to limit messages of the channel in ascending creation
// order. A non-empty beforeID restricts the page to messages created before
// that record, which is the pagination cursor for scrolling back.
func (s *Store) History(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if beforeID == "" {
		const query = `
			SELECT id, channel_id, sender_id, content, created_at
			FROM messages
			WHERE channel_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`
		rows, err = s.db.QueryContext(ctx, query, channelID, limit)
	} else {
		const query = `
			SELECT m.id, m.channel_id, m.sender_id, m.content, m.created_at
			FROM messages m
			WHERE m.channel_id = $1
			  AND m.created_at < (SELECT created_at FROM messages WHERE id = $2)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $3`
		rows, err = s.db.QueryContext(ctx, query, channelID, beforeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("message: history: %w", err)
	}
	defer rows.Close()

	var page []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		m.Timestamp = m.CreatedAt.UnixMilli()
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: history rows: %w", err)
	}

	// The query pages newest-first; flip to the display order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}
