package chat

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenPostgres opens a PostgreSQL connection pool, verifies connectivity and
// applies pending schema migrations.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("chat: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("chat: postgres connection failed: %w", err)
	}

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrateSchema applies the embedded SQL migrations.
func migrateSchema(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("chat: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("chat: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("chat: migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("chat: migrate: %w", err)
	}
	return nil
}

// PostgresStore implements Store on top of PostgreSQL. Conversation summary
// fields (last message, unread counters) live as JSONB on the conversation
// row; the send path locks that row so concurrent sends never lose an unread
// increment.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const conversationColumns = `id, participants, is_group, COALESCE(group_name, ''),
	last_message, last_message_at, unread_counts, created_at, updated_at`

const messageColumns = `id, conversation_id, sender_id, COALESCE(receiver_id, ''),
	content, content_type, status, created_at, delivered_at, seen_at`

// FindConversation loads a conversation by id.
func (s *PostgresStore) FindConversation(ctx context.Context, id string) (*Conversation, error) {
	const query = `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	return scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// FindOrCreateDirect returns the 1:1 conversation between the two users,
// creating it on first use. Group conversations are never matched here.
func (s *PostgresStore) FindOrCreateDirect(ctx context.Context, userA, userB string) (*Conversation, error) {
	const query = `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE NOT is_group
		  AND participants @> ARRAY[$1, $2]::text[]
		  AND cardinality(participants) = 2
		LIMIT 1`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, userA, userB))
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv = &Conversation{
		ID:           uuid.NewString(),
		Participants: []string{userA, userB},
		UnreadCounts: map[string]int{},
	}
	conv.NormalizeUnread()

	// The unique pair index makes concurrent creates race-safe: the loser's
	// insert affects no rows and the winner's conversation is re-selected.
	const insert = `
		INSERT INTO conversations (id, participants, unread_counts)
		VALUES ($1, $2, '{}'::jsonb)
		ON CONFLICT DO NOTHING
		RETURNING created_at, updated_at`
	err = s.db.QueryRowContext(ctx, insert, conv.ID, pq.Array(conv.Participants)).
		Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return scanConversation(s.db.QueryRowContext(ctx, query, userA, userB))
	}
	if err != nil {
		return nil, fmt.Errorf("chat: create conversation: %w", err)
	}
	return conv, nil
}

// ApplySend inserts the message and updates the conversation summary in one
// transaction. The conversation row is locked for the duration so concurrent
// sends serialize their unread increments.
func (s *PostgresStore) ApplySend(ctx context.Context, msg *Message) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: begin send tx: %w", err)
	}
	defer tx.Rollback()

	const lockQuery = `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 FOR UPDATE`
	conv, err := scanConversation(tx.QueryRowContext(ctx, lockQuery, msg.ConversationID))
	if err != nil {
		return nil, err
	}

	const insert = `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, content_type, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`
	_, err = tx.ExecContext(ctx, insert,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID,
		msg.Content, msg.ContentType, msg.Status, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("chat: insert message: %w", err)
	}

	conv.LastMessage = &LastMessage{
		Text:      msg.Content,
		SenderID:  msg.SenderID,
		CreatedAt: msg.CreatedAt,
	}
	conv.LastMessageAt = msg.CreatedAt
	for _, p := range conv.Participants {
		if p != msg.SenderID {
			conv.UnreadCounts[p]++
		}
	}

	if err := updateConversationTx(ctx, tx, conv); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("chat: commit send tx: %w", err)
	}
	return conv, nil
}

// ResetUnread zeroes one participant's unread counter.
func (s *PostgresStore) ResetUnread(ctx context.Context, conversationID, userID string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: begin reset tx: %w", err)
	}
	defer tx.Rollback()

	const lockQuery = `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 FOR UPDATE`
	conv, err := scanConversation(tx.QueryRowContext(ctx, lockQuery, conversationID))
	if err != nil {
		return nil, err
	}

	conv.UnreadCounts[userID] = 0
	if err := updateConversationTx(ctx, tx, conv); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("chat: commit reset tx: %w", err)
	}
	return conv, nil
}

// GetMessage loads a message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(s.db.QueryRowContext(ctx, query, id))
}

// MarkDelivered advances a message from sent to delivered. The status guard
// in the WHERE clause makes the transition monotonic and race-safe: a
// message already delivered or seen reports applied=false.
func (s *PostgresStore) MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error) {
	const query = `
		UPDATE messages
		SET status = 'delivered', delivered_at = $2
		WHERE id = $1 AND status = 'sent'`

	res, err := s.db.ExecContext(ctx, query, messageID, at)
	if err != nil {
		return false, fmt.Errorf("chat: mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("chat: mark delivered rows: %w", err)
	}
	return n > 0, nil
}

// MarkSeen advances every delivered message addressed to receiverID in the
// conversation to seen, in one batch update, and returns the affected rows.
func (s *PostgresStore) MarkSeen(ctx context.Context, conversationID, receiverID string, at time.Time) ([]Message, error) {
	const query = `
		UPDATE messages
		SET status = 'seen', seen_at = $3
		WHERE conversation_id = $1 AND receiver_id = $2 AND status = 'delivered'
		RETURNING ` + messageColumns

	rows, err := s.db.QueryContext(ctx, query, conversationID, receiverID, at)
	if err != nil {
		return nil, fmt.Errorf("chat: mark seen: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListMessages returns the conversation history in creation order, first
// promoting the caller's pending messages from sent to delivered (a history
// read by the receiver implies the messages reached them).
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID, callerID string) ([]Message, error) {
	const promote = `
		UPDATE messages
		SET status = 'delivered', delivered_at = $3
		WHERE conversation_id = $1 AND receiver_id = $2 AND status = 'sent'`
	if _, err := s.db.ExecContext(ctx, promote, conversationID, callerID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("chat: promote delivered: %w", err)
	}

	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ---------------------------------------------------------------------------
// Row scanning helpers
// ---------------------------------------------------------------------------

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv        Conversation
		lastMessage []byte
		lastAt      sql.NullTime
		unread      []byte
	)
	err := row.Scan(
		&conv.ID, pq.Array(&conv.Participants), &conv.IsGroup, &conv.GroupName,
		&lastMessage, &lastAt, &unread, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: scan conversation: %w", err)
	}

	if len(lastMessage) > 0 {
		var lm LastMessage
		if err := json.Unmarshal(lastMessage, &lm); err != nil {
			return nil, fmt.Errorf("chat: decode last_message: %w", err)
		}
		conv.LastMessage = &lm
	}
	if lastAt.Valid {
		conv.LastMessageAt = lastAt.Time
	}
	conv.UnreadCounts = map[string]int{}
	if len(unread) > 0 {
		if err := json.Unmarshal(unread, &conv.UnreadCounts); err != nil {
			return nil, fmt.Errorf("chat: decode unread_counts: %w", err)
		}
	}
	conv.NormalizeUnread()
	return &conv, nil
}

func updateConversationTx(ctx context.Context, tx *sql.Tx, conv *Conversation) error {
	conv.NormalizeUnread()

	var lastMessage []byte
	if conv.LastMessage != nil {
		var err error
		lastMessage, err = json.Marshal(conv.LastMessage)
		if err != nil {
			return fmt.Errorf("chat: encode last_message: %w", err)
		}
	}
	unread, err := json.Marshal(conv.UnreadCounts)
	if err != nil {
		return fmt.Errorf("chat: encode unread_counts: %w", err)
	}

	const query = `
		UPDATE conversations
		SET last_message = $2, last_message_at = $3, unread_counts = $4, updated_at = NOW()
		WHERE id = $1`
	var lastAt interface{}
	if !conv.LastMessageAt.IsZero() {
		lastAt = conv.LastMessageAt
	}
	if _, err := tx.ExecContext(ctx, query, conv.ID, lastMessage, lastAt, unread); err != nil {
		return fmt.Errorf("chat: update conversation: %w", err)
	}
	return nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg         Message
		deliveredAt sql.NullTime
		seenAt      sql.NullTime
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID,
		&msg.Content, &msg.ContentType, &msg.Status, &msg.CreatedAt,
		&deliveredAt, &seenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: scan message: %w", err)
	}
	if deliveredAt.Valid {
		msg.DeliveredAt = &deliveredAt.Time
	}
	if seenAt.Valid {
		msg.SeenAt = &seenAt.Time
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: iterate messages: %w", err)
	}
	return msgs, nil
}
