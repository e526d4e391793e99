// Package receipts implements the delivery-state machine for message receipts.
// Every state change goes through here. Cross-receipt cascades are explicit
// function calls in a single pipeline, so ordering and idempotence hold by
// construction.
package receipts

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/talkbase/receiptsync/internal"
	"github.com/talkbase/receiptsync/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Store is the receipt storage the machine mutates. *state.ReceiptsTable is
// the production implementation.
type Store interface {
	Insert(receipts []internal.Receipt) ([]internal.Receipt, error)
	SelectByID(id int64) (*internal.Receipt, error)
	SelectForMessage(messageID int64) ([]internal.Receipt, error)
	SelectSenderReceipt(messageID int64, sender internal.UserRef) (*internal.Receipt, error)
	Update(id int64, u state.Updates) error
	BulkUpdate(ids []int64, u state.Updates) error
	SelectIDs(f state.Filter) ([]int64, error)
	Delete(id int64) error
	SelectConversationID(receiptID int64) (int64, error)
}

// MessageLookup resolves a receipt's owning message. Read-only; message rows
// belong to the conversation service.
type MessageLookup interface {
	SelectByID(id int64) (*internal.Message, error)
}

// EventSink receives the side-effect events a transition produces, after the
// state mutation has committed. Implementations must be best-effort: they can
// never fail the transition that called them.
type EventSink interface {
	OnCreated(ctx context.Context, receipt *internal.Receipt, msg *internal.Message)
	OnRead(ctx context.Context, senderReceipt *internal.Receipt, msg *internal.Message)
	OnUpdated(ctx context.Context, receipt *internal.Receipt, msg *internal.Message)
	OnDestroyed(ctx context.Context, receipt *internal.Receipt, msg *internal.Message)
}

// CacheInvalidator drops derived renderings of a receipt when it is
// hard-removed. Failures are logged, never propagated: cache entries expire
// naturally as the fallback.
type CacheInvalidator interface {
	InvalidateReceipt(ctx context.Context, receiptID int64) error
}

// Machine applies receipt transitions. Each single-receipt transition is
// idempotent: applying it twice leaves the same state and fires side effects
// only on the first, state-changing application. Bulk transitions update all
// matched rows in one atomic statement and deliberately skip the per-receipt
// cascades and events (see BulkMarkRead).
type Machine struct {
	store Store
	msgs  MessageLookup
	sink  EventSink
	cache CacheInvalidator
}

func NewMachine(store Store, msgs MessageLookup, sink EventSink, cache CacheInvalidator) *Machine {
	return &Machine{
		store: store,
		msgs:  msgs,
		sink:  sink,
		cache: cache,
	}
}

// CreateForMessage materialises the receipt set for a freshly created message:
// one sentbox receipt for the sender and one inbox receipt per recipient, all
// in one atomic insert. A `created` event fires for every receipt, after the
// insert commits.
func (m *Machine) CreateForMessage(ctx context.Context, messageID int64, recipients []internal.UserRef) ([]internal.Receipt, error) {
	msg, err := m.msgs.SelectByID(messageID)
	if err != nil {
		return nil, fmt.Errorf("CreateForMessage: %w", err)
	}
	if msg == nil {
		return nil, &internal.NotFoundError{Kind: "message", ID: messageID}
	}
	toInsert := []internal.Receipt{{
		MessageID:    messageID,
		ReceiverKind: msg.SenderKind,
		ReceiverID:   msg.SenderID,
		MailboxType:  internal.MailboxSentbox,
	}}
	seen := map[internal.UserRef]bool{msg.Sender(): true}
	for _, rcv := range recipients {
		if rcv.IsZero() {
			return nil, &internal.ValidationError{Field: "receiver", Msg: "receipt must have a receiver"}
		}
		if seen[rcv] {
			continue
		}
		seen[rcv] = true
		toInsert = append(toInsert, internal.Receipt{
			MessageID:    messageID,
			ReceiverKind: rcv.Kind,
			ReceiverID:   rcv.ID,
			MailboxType:  internal.MailboxInbox,
		})
	}
	inserted, err := m.store.Insert(toInsert)
	if err != nil {
		return nil, fmt.Errorf("CreateForMessage: %w", err)
	}
	for i := range inserted {
		m.sink.OnCreated(ctx, &inserted[i], msg)
	}
	return inserted, nil
}

// MarkRead marks the receipt read and mirrors the read onto the sender's own
// receipt for the same message, so the sender sees "read" reflect true
// recipient action. One `read` event targets the sender, carrying the
// sender-side receipt. Already-read receipts are left alone and emit nothing.
func (m *Machine) MarkRead(ctx context.Context, id int64) error {
	r, msg, err := m.getWithMessage(id)
	if err != nil {
		return err
	}
	if r.IsRead {
		return nil
	}
	if err := m.store.Update(id, state.Updates{IsRead: ptr(true)}); err != nil {
		return fmt.Errorf("MarkRead: %w", err)
	}
	r.IsRead = true

	senderReceipt := r
	if !r.IsForSender(msg) {
		senderReceipt, err = m.store.SelectSenderReceipt(msg.ID, msg.Sender())
		if err != nil {
			return fmt.Errorf("MarkRead: %w", err)
		}
		if senderReceipt == nil {
			// sender hard-removed their copy, nothing to mirror onto
			logger.Debug().Int64("receipt", id).Int64("message", msg.ID).Msg("no sender receipt to mirror read onto")
			return nil
		}
		if !senderReceipt.IsRead {
			if err := m.store.Update(senderReceipt.ID, state.Updates{IsRead: ptr(true)}); err != nil {
				return fmt.Errorf("MarkRead mirror: %w", err)
			}
			senderReceipt.IsRead = true
		}
	}
	m.sink.OnRead(ctx, senderReceipt, msg)
	return nil
}

// MarkUnread clears the read flag on this receipt only; the sender's mirror is
// untouched, un-reading is a private act.
func (m *Machine) MarkUnread(ctx context.Context, id int64) error {
	return m.setFlag(ctx, id, state.Updates{IsRead: ptr(false)}, func(r *internal.Receipt) bool {
		return !r.IsRead
	})
}

// MoveToTrash marks the receipt trashed.
func (m *Machine) MoveToTrash(ctx context.Context, id int64) error {
	return m.setFlag(ctx, id, state.Updates{Trashed: ptr(true)}, func(r *internal.Receipt) bool {
		return r.Trashed
	})
}

// Untrash clears the trashed flag.
func (m *Machine) Untrash(ctx context.Context, id int64) error {
	return m.setFlag(ctx, id, state.Updates{Trashed: ptr(false)}, func(r *internal.Receipt) bool {
		return !r.Trashed
	})
}

// MarkDelivered records delivery confirmation. Independent of read state.
func (m *Machine) MarkDelivered(ctx context.Context, id int64) error {
	return m.setFlag(ctx, id, state.Updates{IsDelivered: ptr(true)}, func(r *internal.Receipt) bool {
		return r.IsDelivered
	})
}

// MarkDeleted flags the receipt deleted. When the sender deletes their own
// sent copy, every counterpart receipt the recipient has not yet read is
// cascade-deleted too, with a `destroyed` event targeting that recipient:
// rescind-before-read. Counterparts already read are left alone, the message
// has been consumed. The cascade iterates siblings only, never the triggering
// receipt, and skips already-deleted rows, so it cannot recurse or double-fire.
func (m *Machine) MarkDeleted(ctx context.Context, id int64) error {
	r, msg, err := m.getWithMessage(id)
	if err != nil {
		return err
	}
	if r.Deleted {
		return nil
	}
	if err := m.store.Update(id, state.Updates{Deleted: ptr(true)}); err != nil {
		return fmt.Errorf("MarkDeleted: %w", err)
	}
	r.Deleted = true
	m.sink.OnUpdated(ctx, r, msg)

	if !r.IsForSender(msg) {
		return nil
	}
	siblings, err := m.store.SelectForMessage(msg.ID)
	if err != nil {
		return fmt.Errorf("MarkDeleted cascade: %w", err)
	}
	for i := range siblings {
		s := &siblings[i]
		if s.IsRead || s.Deleted {
			continue
		}
		// the triggering receipt was flagged deleted above, so it can never
		// survive the filter and re-enter its own cascade
		internal.Assert("cascade does not revisit the triggering receipt", s.ID != r.ID)
		if s.ID == r.ID {
			continue
		}
		if err := m.store.Update(s.ID, state.Updates{Deleted: ptr(true)}); err != nil {
			return fmt.Errorf("MarkDeleted cascade: %w", err)
		}
		s.Deleted = true
		m.sink.OnDestroyed(ctx, s, msg)
	}
	return nil
}

// MarkNotDeleted restores a flagged-deleted receipt. This is the only
// transition that clears the deleted flag.
func (m *Machine) MarkNotDeleted(ctx context.Context, id int64) error {
	return m.setFlag(ctx, id, state.Updates{Deleted: ptr(false)}, func(r *internal.Receipt) bool {
		return !r.Deleted
	})
}

// MoveToInbox refiles the receipt into the inbox and untrashes it.
func (m *Machine) MoveToInbox(ctx context.Context, id int64) error {
	mailbox := internal.MailboxInbox
	return m.setFlag(ctx, id, state.Updates{MailboxType: &mailbox, Trashed: ptr(false)}, func(r *internal.Receipt) bool {
		return r.MailboxType == internal.MailboxInbox && !r.Trashed
	})
}

// MoveToSentbox refiles the receipt into the sentbox and untrashes it.
func (m *Machine) MoveToSentbox(ctx context.Context, id int64) error {
	mailbox := internal.MailboxSentbox
	return m.setFlag(ctx, id, state.Updates{MailboxType: &mailbox, Trashed: ptr(false)}, func(r *internal.Receipt) bool {
		return r.MailboxType == internal.MailboxSentbox && !r.Trashed
	})
}

// setFlag is the shared shape of the simple single-receipt transitions: load,
// bail out if already in the target state, mutate, then emit one `updated`
// event to the owning receiver.
func (m *Machine) setFlag(ctx context.Context, id int64, u state.Updates, alreadyApplied func(*internal.Receipt) bool) error {
	r, msg, err := m.getWithMessage(id)
	if err != nil {
		return err
	}
	if alreadyApplied(r) {
		return nil
	}
	if err := m.store.Update(id, u); err != nil {
		return fmt.Errorf("receipt %d update: %w", id, err)
	}
	applyUpdates(r, u)
	m.sink.OnUpdated(ctx, r, msg)
	return nil
}

func (m *Machine) getWithMessage(id int64) (*internal.Receipt, *internal.Message, error) {
	r, err := m.store.SelectByID(id)
	if err != nil {
		return nil, nil, fmt.Errorf("receipt %d: %w", id, err)
	}
	if r == nil {
		return nil, nil, &internal.NotFoundError{Kind: "receipt", ID: id}
	}
	msg, err := m.msgs.SelectByID(r.MessageID)
	if err != nil {
		return nil, nil, fmt.Errorf("receipt %d message: %w", id, err)
	}
	if msg == nil {
		return nil, nil, &internal.NotFoundError{Kind: "message", ID: r.MessageID}
	}
	return r, msg, nil
}

func applyUpdates(r *internal.Receipt, u state.Updates) {
	if u.IsRead != nil {
		r.IsRead = *u.IsRead
	}
	if u.Trashed != nil {
		r.Trashed = *u.Trashed
	}
	if u.Deleted != nil {
		r.Deleted = *u.Deleted
	}
	if u.IsDelivered != nil {
		r.IsDelivered = *u.IsDelivered
	}
	if u.MailboxType != nil {
		r.MailboxType = *u.MailboxType
	}
}

func ptr(b bool) *bool {
	return &b
}
