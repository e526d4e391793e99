package state

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/talkbase/receiptsync/internal"
	"github.com/talkbase/receiptsync/sqlutil"
)

// ReceiptsTable stores one delivery-state row per (message, receiver) pair.
type ReceiptsTable struct {
	db *sqlx.DB
}

func NewReceiptsTable(db *sqlx.DB) *ReceiptsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS receiptsync_receipts (
		id BIGSERIAL PRIMARY KEY,
		message_id BIGINT NOT NULL,
		receiver_kind TEXT NOT NULL,
		receiver_id BIGINT NOT NULL,
		mailbox_type TEXT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		trashed BOOLEAN NOT NULL DEFAULT FALSE,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE(message_id, receiver_kind, receiver_id)
	);
	-- for listing a user's mailbox, need to search by receiver
	CREATE INDEX IF NOT EXISTS receiptsync_receipts_by_receiver_idx ON receiptsync_receipts(receiver_kind, receiver_id);
	-- for finding sibling receipts of a message
	CREATE INDEX IF NOT EXISTS receiptsync_receipts_by_message_idx ON receiptsync_receipts(message_id);
	`)
	return &ReceiptsTable{db}
}

// Insert creates receipts for every given (receiver, mailbox) of a message in
// one transaction and returns them with their assigned ids. Rows violating the
// one-receipt-per-(message, receiver) invariant make the whole insert fail.
func (t *ReceiptsTable) Insert(receipts []internal.Receipt) (inserted []internal.Receipt, err error) {
	if len(receipts) == 0 {
		return nil, nil
	}
	err = sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		chunks := sqlutil.Chunkify(4, MaxPostgresParameters, receiptChunker(receipts))
		for _, chunk := range chunks {
			rows, err := txn.NamedQuery(`
			INSERT INTO receiptsync_receipts (message_id, receiver_kind, receiver_id, mailbox_type)
			VALUES (:message_id, :receiver_kind, :receiver_id, :mailbox_type)
			RETURNING id, message_id, receiver_kind, receiver_id, mailbox_type, is_read, trashed, deleted, is_delivered`, chunk)
			if err != nil {
				return err
			}
			for rows.Next() {
				var r internal.Receipt
				if err := rows.StructScan(&r); err != nil {
					rows.Close()
					return err
				}
				inserted = append(inserted, r)
			}
			rows.Close()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert receipts: %w", err)
	}
	return inserted, nil
}

// SelectByID returns the receipt with this id, or nil if it does not exist.
func (t *ReceiptsTable) SelectByID(id int64) (*internal.Receipt, error) {
	var r internal.Receipt
	err := t.db.Get(&r, `SELECT id, message_id, receiver_kind, receiver_id, mailbox_type, is_read, trashed, deleted, is_delivered
	FROM receiptsync_receipts WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// SelectForMessage returns all sibling receipts of a message.
func (t *ReceiptsTable) SelectForMessage(messageID int64) (receipts []internal.Receipt, err error) {
	err = t.db.Select(&receipts, `SELECT id, message_id, receiver_kind, receiver_id, mailbox_type, is_read, trashed, deleted, is_delivered
	FROM receiptsync_receipts WHERE message_id=$1`, messageID)
	return
}

// SelectSenderReceipt returns the sentbox receipt the sender holds for this
// message, or nil when it has been hard-removed.
func (t *ReceiptsTable) SelectSenderReceipt(messageID int64, sender internal.UserRef) (*internal.Receipt, error) {
	var r internal.Receipt
	err := t.db.Get(&r, `SELECT id, message_id, receiver_kind, receiver_id, mailbox_type, is_read, trashed, deleted, is_delivered
	FROM receiptsync_receipts WHERE message_id=$1 AND receiver_kind=$2 AND receiver_id=$3 AND mailbox_type=$4`,
		messageID, sender.Kind, sender.ID, internal.MailboxSentbox)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// Updates names the receipt fields a transition may change. Nil pointers leave
// the column untouched.
type Updates struct {
	IsRead      *bool
	Trashed     *bool
	Deleted     *bool
	IsDelivered *bool
	MailboxType *internal.MailboxType
}

func (u *Updates) setClauses() (clauses []string, args []interface{}) {
	add := func(col string, val interface{}) {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)+2))
		args = append(args, val)
	}
	if u.IsRead != nil {
		add("is_read", *u.IsRead)
	}
	if u.Trashed != nil {
		add("trashed", *u.Trashed)
	}
	if u.Deleted != nil {
		add("deleted", *u.Deleted)
	}
	if u.IsDelivered != nil {
		add("is_delivered", *u.IsDelivered)
	}
	if u.MailboxType != nil {
		add("mailbox_type", string(*u.MailboxType))
	}
	return
}

// Update applies the given field changes to a single receipt.
func (t *ReceiptsTable) Update(id int64, u Updates) error {
	clauses, args := u.setClauses()
	if len(clauses) == 0 {
		return nil
	}
	args = append([]interface{}{id}, args...)
	_, err := t.db.Exec(
		`UPDATE receiptsync_receipts SET `+strings.Join(clauses, ", ")+` WHERE id = $1`, args...,
	)
	return err
}

// BulkUpdate applies the same field changes to every id in one statement, so
// all rows update atomically or none do. Callers resolve the matched id set
// up front; re-evaluating a filter at update time would race with rows
// entering or leaving the filter mid-update.
func (t *ReceiptsTable) BulkUpdate(ids []int64, u Updates) error {
	if len(ids) == 0 {
		return nil
	}
	clauses, args := u.setClauses()
	if len(clauses) == 0 {
		return nil
	}
	args = append([]interface{}{pq.Int64Array(ids)}, args...)
	_, err := t.db.Exec(
		`UPDATE receiptsync_receipts SET `+strings.Join(clauses, ", ")+` WHERE id = ANY($1)`, args...,
	)
	return err
}

// Filter selects a set of receipts the way mailbox queries do: any nil/zero
// field is ignored. ConversationID filters through the owning message.
type Filter struct {
	MessageID      int64
	ConversationID int64
	Receiver       internal.UserRef
	MailboxType    internal.MailboxType
	IsRead         *bool
	Trashed        *bool
	Deleted        *bool
}

func (f *Filter) whereClauses() (clauses []string, args []interface{}) {
	add := func(expr string, vals ...interface{}) {
		for _, v := range vals {
			args = append(args, v)
			expr = strings.Replace(expr, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		clauses = append(clauses, expr)
	}
	if f.MessageID != 0 {
		add("r.message_id = ?", f.MessageID)
	}
	if f.ConversationID != 0 {
		add("m.conversation_id = ?", f.ConversationID)
	}
	if !f.Receiver.IsZero() {
		add("r.receiver_kind = ? AND r.receiver_id = ?", f.Receiver.Kind, f.Receiver.ID)
	}
	if f.MailboxType != "" {
		add("r.mailbox_type = ?", string(f.MailboxType))
	}
	if f.IsRead != nil {
		add("r.is_read = ?", *f.IsRead)
	}
	if f.Trashed != nil {
		add("r.trashed = ?", *f.Trashed)
	}
	if f.Deleted != nil {
		add("r.deleted = ?", *f.Deleted)
	}
	return
}

// SelectIDs returns the ids of every receipt matching the filter.
func (t *ReceiptsTable) SelectIDs(f Filter) (ids []int64, err error) {
	clauses, args := f.whereClauses()
	query := `SELECT r.id FROM receiptsync_receipts AS r`
	if f.ConversationID != 0 {
		query += ` JOIN receiptsync_messages AS m ON m.id = r.message_id`
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	err = t.db.Select(&ids, query, args...)
	return
}

// Delete hard-removes a receipt. This is distinct from the deleted flag: the
// row is gone and derived caches must be invalidated by the caller first.
func (t *ReceiptsTable) Delete(id int64) error {
	_, err := t.db.Exec(`DELETE FROM receiptsync_receipts WHERE id = $1`, id)
	return err
}

// SelectConversationID resolves the conversation a receipt transitively
// belongs to via its owning message. Returns 0 when the receipt or message is
// missing; the receipt never stores the conversation itself.
func (t *ReceiptsTable) SelectConversationID(receiptID int64) (int64, error) {
	var convID int64
	err := t.db.QueryRow(
		`SELECT m.conversation_id FROM receiptsync_receipts AS r
		JOIN receiptsync_messages AS m ON m.id = r.message_id WHERE r.id = $1`, receiptID,
	).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return convID, err
}

type receiptChunker []internal.Receipt

func (c receiptChunker) Len() int {
	return len(c)
}
func (c receiptChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}
