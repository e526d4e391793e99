package pubsub

import (
	"encoding/json"

	"github.com/talkbase/receiptsync/internal"
)

// The channel which carries Receipt* payloads for realtime delivery.
const ChanRealtime = "realtime"

// RealtimeListener is implemented by anything wanting receipt updates, e.g the
// websocket hub. Payload Target fields say which user's connections the update
// is for; they are never serialised onto the wire.
type RealtimeListener interface {
	OnReceiptNew(p *ReceiptNew)
	OnReceiptRead(p *ReceiptRead)
	OnReceiptUpdate(p *ReceiptUpdate)
	OnReceiptGone(p *ReceiptGone)
}

// ReceiptNew fires when a message is created and a receipt materialises for a
// participant. Data is the rendered receipt, produced once and shared between
// the realtime channel and the render cache.
type ReceiptNew struct {
	Target internal.UserRef `json:"-"`
	Data   json.RawMessage
}

func (p ReceiptNew) Type() string { return "messages/new" }

// ReceiptRead fires at the *sender* when a recipient reads their copy.
// The message_id field carries the sender-side receipt id, a wire-format quirk
// existing clients depend on.
type ReceiptRead struct {
	Target         internal.UserRef `json:"-"`
	ReceiptID      int64            `json:"message_id"`
	ConversationID int64            `json:"conversation_id"`
	IsRead         bool             `json:"is_read"`
}

func (p ReceiptRead) Type() string { return "messages/read" }

// ReceiptUpdate fires at the owning receiver when their receipt mutates
// without a more specific event applying.
type ReceiptUpdate struct {
	Target         internal.UserRef    `json:"-"`
	ReceiptID      int64               `json:"receipt_id"`
	MessageID      int64               `json:"message_id"`
	ConversationID int64               `json:"conversation_id"`
	IsRead         bool                `json:"is_read"`
	Trashed        bool                `json:"trashed"`
	Deleted        bool                `json:"deleted"`
	MailboxType    internal.MailboxType `json:"mailbox_type"`
}

func (p ReceiptUpdate) Type() string { return "messages/update" }

// ReceiptGone fires at the owning receiver when their copy of a message is
// retracted. Same message_id quirk as ReceiptRead.
type ReceiptGone struct {
	Target         internal.UserRef `json:"-"`
	ReceiptID      int64            `json:"message_id"`
	ConversationID int64            `json:"conversation_id"`
}

func (p ReceiptGone) Type() string { return "messages/destroy" }

type RealtimeSub struct {
	listener Listener
	receiver RealtimeListener
}

func NewRealtimeSub(l Listener, recv RealtimeListener) *RealtimeSub {
	return &RealtimeSub{
		listener: l,
		receiver: recv,
	}
}

func (s *RealtimeSub) Teardown() {
	s.listener.Close()
}

func (s *RealtimeSub) onMessage(p Payload) {
	switch p.Type() {
	case ReceiptNew{}.Type():
		s.receiver.OnReceiptNew(p.(*ReceiptNew))
	case ReceiptRead{}.Type():
		s.receiver.OnReceiptRead(p.(*ReceiptRead))
	case ReceiptUpdate{}.Type():
		s.receiver.OnReceiptUpdate(p.(*ReceiptUpdate))
	case ReceiptGone{}.Type():
		s.receiver.OnReceiptGone(p.(*ReceiptGone))
	}
}

func (s *RealtimeSub) Listen() error {
	return s.listener.Listen(ChanRealtime, s.onMessage)
}
