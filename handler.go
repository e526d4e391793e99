package receiptsync

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/talkbase/receiptsync/internal"
	"github.com/talkbase/receiptsync/state"
)

// machineAPI is the part of receipts.Machine the HTTP layer calls.
type machineAPI interface {
	CreateForMessage(ctx context.Context, messageID int64, recipients []internal.UserRef) ([]internal.Receipt, error)
	MarkRead(ctx context.Context, id int64) error
	MarkUnread(ctx context.Context, id int64) error
	MoveToTrash(ctx context.Context, id int64) error
	Untrash(ctx context.Context, id int64) error
	MarkDelivered(ctx context.Context, id int64) error
	MarkDeleted(ctx context.Context, id int64) error
	MarkNotDeleted(ctx context.Context, id int64) error
	MoveToInbox(ctx context.Context, id int64) error
	MoveToSentbox(ctx context.Context, id int64) error
	Destroy(ctx context.Context, id int64) error
	IsUnread(ctx context.Context, id int64) (bool, error)
	IsTrashed(ctx context.Context, id int64) (bool, error)
	Conversation(ctx context.Context, id int64) (int64, error)
	BulkMarkRead(ctx context.Context, f state.Filter) (int, error)
	BulkMarkUnread(ctx context.Context, f state.Filter) (int, error)
	BulkMoveToTrash(ctx context.Context, f state.Filter) (int, error)
	BulkUntrash(ctx context.Context, f state.Filter) (int, error)
	BulkMarkDeleted(ctx context.Context, f state.Filter) (int, error)
	BulkMarkNotDeleted(ctx context.Context, f state.Filter) (int, error)
	BulkMoveToInbox(ctx context.Context, f state.Filter) (int, error)
	BulkMoveToSentbox(ctx context.Context, f state.Filter) (int, error)
}

// prefsStore persists push opt-ins. *state.PrefsTable is the production
// implementation.
type prefsStore interface {
	UpsertPushEnabled(user internal.UserRef, notificationKind string, enabled bool) error
}

type Handler struct {
	machine machineAPI
	prefs   prefsStore
}

func NewHandler(machine machineAPI, prefs prefsStore) *Handler {
	return &Handler{machine: machine, prefs: prefs}
}

func registerAPIRoutes(r *mux.Router, h *Handler) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/messages/{id:[0-9]+}/receipts", allowCORS(http.HandlerFunc(h.createReceipts))).Methods("POST", "OPTIONS")
	api.Handle("/receipts/{id:[0-9]+}", allowCORS(http.HandlerFunc(h.getReceipt))).Methods("GET", "OPTIONS")
	api.Handle("/receipts/{id:[0-9]+}", allowCORS(http.HandlerFunc(h.destroyReceipt))).Methods("DELETE")
	api.Handle("/receipts/{id:[0-9]+}/{action}", allowCORS(http.HandlerFunc(h.transition))).Methods("POST", "OPTIONS")
	api.Handle("/mailbox/{action}", allowCORS(http.HandlerFunc(h.bulkTransition))).Methods("POST", "OPTIONS")
	api.Handle("/prefs/push", allowCORS(http.HandlerFunc(h.setPushPref))).Methods("PUT", "OPTIONS")
}

type jsonError struct {
	Err string `json:"error"`
}

func respondErr(w http.ResponseWriter, req *http.Request, err error) {
	status := 500
	if internal.IsValidation(err) {
		status = 400
	} else if internal.IsNotFound(err) {
		status = 404
	}
	if status == 500 {
		logger.Err(err).Msg("request failed")
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
	}
	respond(w, status, jsonError{err.Error()})
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func pathID(req *http.Request) int64 {
	// the route pattern guarantees digits
	id, _ := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
	return id
}

func (h *Handler) createReceipts(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Recipients []internal.UserRef `json:"recipients"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respond(w, 400, jsonError{"invalid JSON: " + err.Error()})
		return
	}
	created, err := h.machine.CreateForMessage(req.Context(), pathID(req), body.Recipients)
	if err != nil {
		respondErr(w, req, err)
		return
	}
	type receiptJSON struct {
		ID          int64            `json:"id"`
		Receiver    internal.UserRef `json:"receiver"`
		MailboxType string           `json:"mailbox_type"`
	}
	out := make([]receiptJSON, 0, len(created))
	for _, r := range created {
		out = append(out, receiptJSON{ID: r.ID, Receiver: r.Receiver(), MailboxType: string(r.MailboxType)})
	}
	respond(w, 201, struct {
		Receipts []receiptJSON `json:"receipts"`
	}{out})
}

func (h *Handler) getReceipt(w http.ResponseWriter, req *http.Request) {
	id := pathID(req)
	unread, err := h.machine.IsUnread(req.Context(), id)
	if err != nil {
		respondErr(w, req, err)
		return
	}
	trashed, err := h.machine.IsTrashed(req.Context(), id)
	if err != nil {
		respondErr(w, req, err)
		return
	}
	convID, err := h.machine.Conversation(req.Context(), id)
	if err != nil {
		respondErr(w, req, err)
		return
	}
	respond(w, 200, struct {
		ID             int64 `json:"id"`
		IsUnread       bool  `json:"is_unread"`
		IsTrashed      bool  `json:"is_trashed"`
		ConversationID int64 `json:"conversation_id"`
	}{id, unread, trashed, convID})
}

func (h *Handler) destroyReceipt(w http.ResponseWriter, req *http.Request) {
	if err := h.machine.Destroy(req.Context(), pathID(req)); err != nil {
		respondErr(w, req, err)
		return
	}
	respond(w, 200, struct{}{})
}

func (h *Handler) transition(w http.ResponseWriter, req *http.Request) {
	id := pathID(req)
	var fn func(context.Context, int64) error
	switch mux.Vars(req)["action"] {
	case "read":
		fn = h.machine.MarkRead
	case "unread":
		fn = h.machine.MarkUnread
	case "trash":
		fn = h.machine.MoveToTrash
	case "untrash":
		fn = h.machine.Untrash
	case "delivered":
		fn = h.machine.MarkDelivered
	case "delete":
		fn = h.machine.MarkDeleted
	case "undelete":
		fn = h.machine.MarkNotDeleted
	case "inbox":
		fn = h.machine.MoveToInbox
	case "sentbox":
		fn = h.machine.MoveToSentbox
	default:
		respond(w, 404, jsonError{"unknown transition: " + mux.Vars(req)["action"]})
		return
	}
	if err := fn(req.Context(), id); err != nil {
		respondErr(w, req, err)
		return
	}
	respond(w, 200, struct{}{})
}

// bulkFilter is the request shape for mailbox-wide operations.
type bulkFilter struct {
	Receiver       internal.UserRef     `json:"receiver"`
	ConversationID int64                `json:"conversation_id"`
	MessageID      int64                `json:"message_id"`
	MailboxType    internal.MailboxType `json:"mailbox_type"`
	IsRead         *bool                `json:"is_read"`
	Trashed        *bool                `json:"trashed"`
}

func (h *Handler) bulkTransition(w http.ResponseWriter, req *http.Request) {
	var body bulkFilter
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respond(w, 400, jsonError{"invalid JSON: " + err.Error()})
		return
	}
	if body.Receiver.IsZero() {
		respond(w, 400, jsonError{"receiver is required"})
		return
	}
	filter := state.Filter{
		Receiver:       body.Receiver,
		ConversationID: body.ConversationID,
		MessageID:      body.MessageID,
		MailboxType:    body.MailboxType,
		IsRead:         body.IsRead,
		Trashed:        body.Trashed,
	}

	var fn func(context.Context, state.Filter) (int, error)
	switch mux.Vars(req)["action"] {
	case "read":
		fn = h.machine.BulkMarkRead
	case "unread":
		fn = h.machine.BulkMarkUnread
	case "trash":
		fn = h.machine.BulkMoveToTrash
	case "untrash":
		fn = h.machine.BulkUntrash
	case "delete":
		fn = h.machine.BulkMarkDeleted
	case "undelete":
		fn = h.machine.BulkMarkNotDeleted
	case "inbox":
		fn = h.machine.BulkMoveToInbox
	case "sentbox":
		fn = h.machine.BulkMoveToSentbox
	default:
		respond(w, 404, jsonError{"unknown transition: " + mux.Vars(req)["action"]})
		return
	}
	updated, err := fn(req.Context(), filter)
	if err != nil {
		respondErr(w, req, err)
		return
	}
	respond(w, 200, struct {
		Updated int `json:"updated"`
	}{updated})
}

func (h *Handler) setPushPref(w http.ResponseWriter, req *http.Request) {
	var body struct {
		User    internal.UserRef `json:"user"`
		Kind    string           `json:"kind"`
		Enabled bool             `json:"enabled"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respond(w, 400, jsonError{"invalid JSON: " + err.Error()})
		return
	}
	if body.User.IsZero() || body.Kind == "" {
		respond(w, 400, jsonError{"user and kind are required"})
		return
	}
	if err := h.prefs.UpsertPushEnabled(body.User, body.Kind, body.Enabled); err != nil {
		respondErr(w, req, err)
		return
	}
	respond(w, 200, struct{}{})
}
