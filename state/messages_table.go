package state

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/talkbase/receiptsync/internal"
)

// MessagesTable is the read-only collaborator surface over messages. Message
// rows are written by the conversation service; this core only resolves a
// receipt's owning message, its sender and its conversation.
type MessagesTable struct {
	db *sqlx.DB
}

func NewMessagesTable(db *sqlx.DB) *MessagesTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS receiptsync_messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL,
		sender_kind TEXT NOT NULL,
		sender_id BIGINT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		sender_avatar TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS receiptsync_messages_by_conv_idx ON receiptsync_messages(conversation_id, sender_kind, sender_id, created_at);
	`)
	return &MessagesTable{db}
}

// SelectByID returns the message with this id, or nil if it does not exist.
func (t *MessagesTable) SelectByID(id int64) (*internal.Message, error) {
	var m internal.Message
	err := t.db.Get(&m, `SELECT id, conversation_id, sender_kind, sender_id, sender_name, sender_avatar, subject, body, created_at
	FROM receiptsync_messages WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// SelectLastSentAt returns when the given participant last sent a message in
// the conversation. ok is false when they never have.
func (t *MessagesTable) SelectLastSentAt(conversationID int64, sender internal.UserRef) (last time.Time, ok bool, err error) {
	err = t.db.QueryRow(
		`SELECT created_at FROM receiptsync_messages
		WHERE conversation_id=$1 AND sender_kind=$2 AND sender_id=$3
		ORDER BY created_at DESC LIMIT 1`,
		conversationID, sender.Kind, sender.ID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return last, true, nil
}

// InsertForTest seeds a message row. Only tests and fixtures use this; real
// rows are owned by the conversation service.
func (t *MessagesTable) InsertForTest(m *internal.Message) (int64, error) {
	var id int64
	err := t.db.QueryRow(
		`INSERT INTO receiptsync_messages (conversation_id, sender_kind, sender_id, sender_name, sender_avatar, subject, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		m.ConversationID, m.SenderKind, m.SenderID, m.SenderName, m.SenderAvatar, m.Subject, m.Body, m.CreatedAt,
	).Scan(&id)
	return id, err
}
