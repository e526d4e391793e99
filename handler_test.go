package receiptsync

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/talkbase/receiptsync/internal"
	"github.com/talkbase/receiptsync/state"
)

// stubMachine records the last call so tests can assert routing, and returns
// a programmable error.
type stubMachine struct {
	lastOp     string
	lastID     int64
	lastFilter state.Filter
	err        error
}

func (s *stubMachine) call(op string, id int64) error {
	s.lastOp = op
	s.lastID = id
	return s.err
}

func (s *stubMachine) CreateForMessage(ctx context.Context, messageID int64, recipients []internal.UserRef) ([]internal.Receipt, error) {
	s.lastOp = "create"
	s.lastID = messageID
	if s.err != nil {
		return nil, s.err
	}
	out := []internal.Receipt{
		{ID: 100, MessageID: messageID, ReceiverKind: "user", ReceiverID: 1, MailboxType: internal.MailboxSentbox},
	}
	for i, r := range recipients {
		out = append(out, internal.Receipt{
			ID: 101 + int64(i), MessageID: messageID,
			ReceiverKind: r.Kind, ReceiverID: r.ID, MailboxType: internal.MailboxInbox,
		})
	}
	return out, nil
}

func (s *stubMachine) MarkRead(ctx context.Context, id int64) error      { return s.call("read", id) }
func (s *stubMachine) MarkUnread(ctx context.Context, id int64) error    { return s.call("unread", id) }
func (s *stubMachine) MoveToTrash(ctx context.Context, id int64) error   { return s.call("trash", id) }
func (s *stubMachine) Untrash(ctx context.Context, id int64) error       { return s.call("untrash", id) }
func (s *stubMachine) MarkDelivered(ctx context.Context, id int64) error { return s.call("delivered", id) }
func (s *stubMachine) MarkDeleted(ctx context.Context, id int64) error   { return s.call("delete", id) }
func (s *stubMachine) MarkNotDeleted(ctx context.Context, id int64) error {
	return s.call("undelete", id)
}
func (s *stubMachine) MoveToInbox(ctx context.Context, id int64) error   { return s.call("inbox", id) }
func (s *stubMachine) MoveToSentbox(ctx context.Context, id int64) error { return s.call("sentbox", id) }
func (s *stubMachine) Destroy(ctx context.Context, id int64) error       { return s.call("destroy", id) }

func (s *stubMachine) IsUnread(ctx context.Context, id int64) (bool, error) {
	return true, s.call("is_unread", id)
}
func (s *stubMachine) IsTrashed(ctx context.Context, id int64) (bool, error) {
	return false, nil
}
func (s *stubMachine) Conversation(ctx context.Context, id int64) (int64, error) {
	return 77, nil
}

func (s *stubMachine) bulk(op string, f state.Filter) (int, error) {
	s.lastOp = op
	s.lastFilter = f
	if s.err != nil {
		return 0, s.err
	}
	return 3, nil
}

func (s *stubMachine) BulkMarkRead(ctx context.Context, f state.Filter) (int, error) {
	return s.bulk("bulk_read", f)
}
func (s *stubMachine) BulkMarkUnread(ctx context.Context, f state.Filter) (int, error) {
	return s.bulk("bulk_unread", f)
}
func (s *stubMachine) BulkMoveToTrash(ctx context.Context, f state.Filter) (int, error) {
	return s.bulk("bulk_trash", f)
}
func (s *stubMachine) BulkUntrash(ctx context.Context, f state.Filter) (int, error) {
	return s.bulk("bulk_untrash", f)
}
func (s *stubMachine) BulkMarkDeleted(ctx context.Context, f state.Filter) (int, error) {
	return s.bulk("bulk_delete", f)
}
func (s *stubMachine) BulkMarkNotDeleted(ctx context.Context, f state.Filter) (int, error) {
	return s.bulk("bulk_undelete", f)
}
func (s *stubMachine) BulkMoveToInbox(ctx context.Context, f state.Filter) (int, error) {
	return s.bulk("bulk_inbox", f)
}
func (s *stubMachine) BulkMoveToSentbox(ctx context.Context, f state.Filter) (int, error) {
	return s.bulk("bulk_sentbox", f)
}

type stubPrefs struct {
	lastUser    internal.UserRef
	lastKind    string
	lastEnabled bool
	err         error
}

func (s *stubPrefs) UpsertPushEnabled(user internal.UserRef, kind string, enabled bool) error {
	s.lastUser = user
	s.lastKind = kind
	s.lastEnabled = enabled
	return s.err
}

func newTestAPI(machine *stubMachine, prefs *stubPrefs) *mux.Router {
	r := mux.NewRouter()
	registerAPIRoutes(r, NewHandler(machine, prefs))
	return r
}

func doRequest(t *testing.T, router *mux.Router, method, path, body string) (int, []byte) {
	t.Helper()
	var reqBody io.Reader
	if body != "" {
		reqBody = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	respBody, _ := io.ReadAll(w.Result().Body)
	return w.Result().StatusCode, respBody
}

func TestHandlerCreateReceipts(t *testing.T) {
	machine := &stubMachine{}
	router := newTestAPI(machine, &stubPrefs{})

	status, body := doRequest(t, router, "POST", "/api/v1/messages/42/receipts",
		`{"recipients":[{"kind":"user","id":2},{"kind":"company","id":9}]}`)
	if status != 201 {
		t.Fatalf("status: got %d want 201, body: %s", status, body)
	}
	if machine.lastOp != "create" || machine.lastID != 42 {
		t.Errorf("machine called with op=%s id=%d", machine.lastOp, machine.lastID)
	}
	receipts := gjson.GetBytes(body, "receipts")
	if len(receipts.Array()) != 3 {
		t.Fatalf("expected 3 receipts, got %s", body)
	}
	if got := gjson.GetBytes(body, "receipts.0.mailbox_type").Str; got != "sentbox" {
		t.Errorf("first receipt mailbox: got %q want sentbox", got)
	}
	if got := gjson.GetBytes(body, "receipts.2.receiver.kind").Str; got != "company" {
		t.Errorf("third receipt receiver kind: got %q want company", got)
	}
}

func TestHandlerTransitionRouting(t *testing.T) {
	actions := []string{"read", "unread", "trash", "untrash", "delivered", "delete", "undelete", "inbox", "sentbox"}
	for _, action := range actions {
		machine := &stubMachine{}
		router := newTestAPI(machine, &stubPrefs{})
		status, body := doRequest(t, router, "POST", "/api/v1/receipts/7/"+action, "")
		if status != 200 {
			t.Errorf("%s: status %d, body %s", action, status, body)
		}
		if machine.lastOp != action || machine.lastID != 7 {
			t.Errorf("%s: machine called with op=%s id=%d", action, machine.lastOp, machine.lastID)
		}
	}
}

func TestHandlerUnknownTransition(t *testing.T) {
	router := newTestAPI(&stubMachine{}, &stubPrefs{})
	status, _ := doRequest(t, router, "POST", "/api/v1/receipts/7/archive", "")
	if status != 404 {
		t.Errorf("status: got %d want 404", status)
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", &internal.NotFoundError{Kind: "receipt", ID: 7}, 404},
		{"validation", &internal.ValidationError{Field: "recipients", Msg: "empty"}, 400},
		{"internal", io.ErrUnexpectedEOF, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			machine := &stubMachine{err: tc.err}
			router := newTestAPI(machine, &stubPrefs{})
			status, body := doRequest(t, router, "POST", "/api/v1/receipts/7/read", "")
			if status != tc.wantStatus {
				t.Errorf("status: got %d want %d", status, tc.wantStatus)
			}
			if gjson.GetBytes(body, "error").Str == "" {
				t.Errorf("expected error field in body, got %s", body)
			}
		})
	}
}

func TestHandlerDestroy(t *testing.T) {
	machine := &stubMachine{}
	router := newTestAPI(machine, &stubPrefs{})
	status, _ := doRequest(t, router, "DELETE", "/api/v1/receipts/55", "")
	if status != 200 {
		t.Fatalf("status: got %d want 200", status)
	}
	if machine.lastOp != "destroy" || machine.lastID != 55 {
		t.Errorf("machine called with op=%s id=%d", machine.lastOp, machine.lastID)
	}
}

func TestHandlerGetReceipt(t *testing.T) {
	router := newTestAPI(&stubMachine{}, &stubPrefs{})
	status, body := doRequest(t, router, "GET", "/api/v1/receipts/9", "")
	if status != 200 {
		t.Fatalf("status: got %d want 200, body: %s", status, body)
	}
	if !gjson.GetBytes(body, "is_unread").Bool() {
		t.Errorf("is_unread: got false want true")
	}
	if got := gjson.GetBytes(body, "conversation_id").Int(); got != 77 {
		t.Errorf("conversation_id: got %d want 77", got)
	}
}

func TestHandlerBulkTransition(t *testing.T) {
	machine := &stubMachine{}
	router := newTestAPI(machine, &stubPrefs{})

	status, body := doRequest(t, router, "POST", "/api/v1/mailbox/read",
		`{"receiver":{"kind":"user","id":3},"conversation_id":12,"mailbox_type":"inbox","is_read":false}`)
	if status != 200 {
		t.Fatalf("status: got %d want 200, body: %s", status, body)
	}
	if got := gjson.GetBytes(body, "updated").Int(); got != 3 {
		t.Errorf("updated: got %d want 3", got)
	}
	if machine.lastOp != "bulk_read" {
		t.Errorf("op: got %s want bulk_read", machine.lastOp)
	}
	f := machine.lastFilter
	if f.Receiver != (internal.UserRef{Kind: "user", ID: 3}) || f.ConversationID != 12 {
		t.Errorf("filter: got %+v", f)
	}
	if f.IsRead == nil || *f.IsRead {
		t.Errorf("filter is_read: got %v want false", f.IsRead)
	}
}

func TestHandlerBulkRequiresReceiver(t *testing.T) {
	router := newTestAPI(&stubMachine{}, &stubPrefs{})
	status, _ := doRequest(t, router, "POST", "/api/v1/mailbox/read", `{"conversation_id":12}`)
	if status != 400 {
		t.Errorf("status: got %d want 400", status)
	}
}

func TestHandlerSetPushPref(t *testing.T) {
	prefs := &stubPrefs{}
	router := newTestAPI(&stubMachine{}, prefs)
	status, _ := doRequest(t, router, "PUT", "/api/v1/prefs/push",
		`{"user":{"kind":"user","id":4},"kind":"new_message","enabled":true}`)
	if status != 200 {
		t.Fatalf("status: got %d want 200", status)
	}
	if prefs.lastUser != (internal.UserRef{Kind: "user", ID: 4}) || prefs.lastKind != "new_message" || !prefs.lastEnabled {
		t.Errorf("prefs called with user=%v kind=%s enabled=%v", prefs.lastUser, prefs.lastKind, prefs.lastEnabled)
	}
}
