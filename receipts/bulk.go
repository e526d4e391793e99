package receipts

import (
	"context"
	"fmt"

	"github.com/talkbase/receiptsync/internal"
	"github.com/talkbase/receiptsync/state"
)

// Bulk transitions resolve the matched id set first, then update every row in
// one atomic statement. They intentionally run no per-receipt cascades and
// emit no events: bulk mark-read does NOT mirror the sender's receipts, and
// bulk delete does NOT rescind unread counterparts. Callers wanting the
// mirrored semantics must use the single-receipt transitions. This asymmetry
// is a long-standing performance trade-off clients rely on; do not "fix" it.

// BulkMarkRead marks every receipt matching the filter as read. Returns the
// number of matched rows.
func (m *Machine) BulkMarkRead(ctx context.Context, f state.Filter) (int, error) {
	return m.applyBulk(f, state.Updates{IsRead: ptr(true)})
}

// BulkMarkUnread marks every receipt matching the filter as unread.
func (m *Machine) BulkMarkUnread(ctx context.Context, f state.Filter) (int, error) {
	return m.applyBulk(f, state.Updates{IsRead: ptr(false)})
}

// BulkMoveToTrash trashes every receipt matching the filter.
func (m *Machine) BulkMoveToTrash(ctx context.Context, f state.Filter) (int, error) {
	return m.applyBulk(f, state.Updates{Trashed: ptr(true)})
}

// BulkUntrash untrashes every receipt matching the filter.
func (m *Machine) BulkUntrash(ctx context.Context, f state.Filter) (int, error) {
	return m.applyBulk(f, state.Updates{Trashed: ptr(false)})
}

// BulkMarkDeleted flags every receipt matching the filter as deleted.
func (m *Machine) BulkMarkDeleted(ctx context.Context, f state.Filter) (int, error) {
	return m.applyBulk(f, state.Updates{Deleted: ptr(true)})
}

// BulkMarkNotDeleted restores every receipt matching the filter.
func (m *Machine) BulkMarkNotDeleted(ctx context.Context, f state.Filter) (int, error) {
	return m.applyBulk(f, state.Updates{Deleted: ptr(false)})
}

// BulkMoveToInbox refiles every receipt matching the filter into the inbox.
func (m *Machine) BulkMoveToInbox(ctx context.Context, f state.Filter) (int, error) {
	mailbox := internal.MailboxInbox
	return m.applyBulk(f, state.Updates{MailboxType: &mailbox, Trashed: ptr(false)})
}

// BulkMoveToSentbox refiles every receipt matching the filter into the sentbox.
func (m *Machine) BulkMoveToSentbox(ctx context.Context, f state.Filter) (int, error) {
	mailbox := internal.MailboxSentbox
	return m.applyBulk(f, state.Updates{MailboxType: &mailbox, Trashed: ptr(false)})
}

func (m *Machine) applyBulk(f state.Filter, u state.Updates) (int, error) {
	// pin the id set up front: re-evaluating the filter inside the UPDATE
	// races with rows entering or leaving it mid-statement
	ids, err := m.store.SelectIDs(f)
	if err != nil {
		return 0, fmt.Errorf("bulk update: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := m.store.BulkUpdate(ids, u); err != nil {
		return 0, fmt.Errorf("bulk update: %w", err)
	}
	return len(ids), nil
}

// Destroy hard-removes a receipt row. This is distinct from MarkDeleted: the
// row is gone afterwards. Derived cache entries under the receipt's key prefix
// are invalidated first; if invalidation fails the deletion still proceeds and
// the stale entries expire on their own.
func (m *Machine) Destroy(ctx context.Context, id int64) error {
	r, err := m.store.SelectByID(id)
	if err != nil {
		return fmt.Errorf("Destroy: %w", err)
	}
	if r == nil {
		return &internal.NotFoundError{Kind: "receipt", ID: id}
	}
	if err := m.cache.InvalidateReceipt(ctx, id); err != nil {
		logger.Error().Err(err).Int64("receipt", id).Msg("cache invalidation failed, deleting anyway")
	}
	if err := m.store.Delete(id); err != nil {
		return fmt.Errorf("Destroy: %w", err)
	}
	return nil
}

// IsUnread reports whether the receipt is unread.
func (m *Machine) IsUnread(ctx context.Context, id int64) (bool, error) {
	r, err := m.store.SelectByID(id)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, &internal.NotFoundError{Kind: "receipt", ID: id}
	}
	return r.IsUnread(), nil
}

// IsTrashed reports whether the receipt is trashed.
func (m *Machine) IsTrashed(ctx context.Context, id int64) (bool, error) {
	r, err := m.store.SelectByID(id)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, &internal.NotFoundError{Kind: "receipt", ID: id}
	}
	return r.IsTrashed(), nil
}

// Conversation resolves the conversation the receipt transitively belongs to
// through its owning message. The receipt itself never stores it.
func (m *Machine) Conversation(ctx context.Context, id int64) (int64, error) {
	convID, err := m.store.SelectConversationID(id)
	if err != nil {
		return 0, err
	}
	if convID == 0 {
		return 0, &internal.NotFoundError{Kind: "receipt", ID: id}
	}
	return convID, nil
}
