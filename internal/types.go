package internal

import (
	"fmt"
	"time"
)

// MailboxType says which folder a receipt lives in for its receiver.
type MailboxType string

const (
	MailboxInbox   MailboxType = "inbox"
	MailboxSentbox MailboxType = "sentbox"
)

// UserRef is a polymorphic reference to a participant (kind + id). The kind
// discriminates between participant models (e.g "user", "company") which share
// no common id space. Resolved once at the boundary, then passed around as-is.
type UserRef struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

func (u UserRef) IsZero() bool {
	return u.Kind == "" && u.ID == 0
}

func (u UserRef) String() string {
	return fmt.Sprintf("%s/%d", u.Kind, u.ID)
}

// Receipt is the per-receiver delivery state record for one message. Exactly
// one exists per (message, receiver) pair: one sentbox receipt for the sender
// and one inbox receipt per recipient.
type Receipt struct {
	ID           int64       `db:"id"`
	MessageID    int64       `db:"message_id"`
	ReceiverKind string      `db:"receiver_kind"`
	ReceiverID   int64       `db:"receiver_id"`
	MailboxType  MailboxType `db:"mailbox_type"`
	IsRead       bool        `db:"is_read"`
	Trashed      bool        `db:"trashed"`
	Deleted      bool        `db:"deleted"`
	IsDelivered  bool        `db:"is_delivered"`
}

func (r *Receipt) Receiver() UserRef {
	return UserRef{Kind: r.ReceiverKind, ID: r.ReceiverID}
}

func (r *Receipt) IsUnread() bool {
	return !r.IsRead
}

func (r *Receipt) IsTrashed() bool {
	return r.Trashed
}

// IsForSender reports whether this receipt is the sender's own sentbox copy of m.
func (r *Receipt) IsForSender(m *Message) bool {
	return r.Receiver() == m.Sender()
}

// Message is the read-only view of a receipt's owning message. Message rows are
// created and mutated elsewhere; this core only reads them to resolve the
// sender, the conversation and the notification payload fields.
type Message struct {
	ID             int64     `db:"id"`
	ConversationID int64     `db:"conversation_id"`
	SenderKind     string    `db:"sender_kind"`
	SenderID       int64     `db:"sender_id"`
	SenderName     string    `db:"sender_name"`
	SenderAvatar   string    `db:"sender_avatar"`
	Subject        string    `db:"subject"`
	Body           string    `db:"body"`
	CreatedAt      time.Time `db:"created_at"`
}

func (m *Message) Sender() UserRef {
	return UserRef{Kind: m.SenderKind, ID: m.SenderID}
}
