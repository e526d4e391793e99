package state

import (
	"testing"
	"time"

	"github.com/talkbase/receiptsync/internal"
)

func TestMessagesTableLastSentAt(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewMessagesTable(db)

	alice := internal.UserRef{Kind: "user", ID: 61}
	bob := internal.UserRef{Kind: "user", ID: 62}
	convID := int64(600)

	_, ok, err := table.SelectLastSentAt(convID, bob)
	if err != nil {
		t.Fatalf("SelectLastSentAt: %s", err)
	}
	if ok {
		t.Fatalf("SelectLastSentAt reported activity for a user who never sent")
	}

	earlier := time.Now().Add(-3 * time.Hour).UTC().Truncate(time.Millisecond)
	later := time.Now().Add(-1 * time.Hour).UTC().Truncate(time.Millisecond)
	for _, m := range []internal.Message{
		{ConversationID: convID, SenderKind: bob.Kind, SenderID: bob.ID, CreatedAt: earlier},
		{ConversationID: convID, SenderKind: bob.Kind, SenderID: bob.ID, CreatedAt: later},
		{ConversationID: convID, SenderKind: alice.Kind, SenderID: alice.ID, CreatedAt: time.Now()},
	} {
		m := m
		if _, err := table.InsertForTest(&m); err != nil {
			t.Fatalf("InsertForTest: %s", err)
		}
	}

	last, ok, err := table.SelectLastSentAt(convID, bob)
	if err != nil {
		t.Fatalf("SelectLastSentAt: %s", err)
	}
	if !ok {
		t.Fatalf("SelectLastSentAt found nothing for bob")
	}
	if !last.Equal(later) {
		t.Fatalf("SelectLastSentAt = %v, want %v", last, later)
	}
}

func TestMessagesTableSelectByID(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewMessagesTable(db)

	id, err := table.InsertForTest(&internal.Message{
		ConversationID: 700,
		SenderKind:     "user",
		SenderID:       71,
		SenderName:     "Alice",
		Body:           "ping",
		CreatedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertForTest: %s", err)
	}
	got, err := table.SelectByID(id)
	if err != nil {
		t.Fatalf("SelectByID: %s", err)
	}
	if got == nil || got.ConversationID != 700 || got.Sender() != (internal.UserRef{Kind: "user", ID: 71}) {
		t.Fatalf("SelectByID returned %+v", got)
	}

	missing, err := table.SelectByID(123456789)
	if err != nil {
		t.Fatalf("SelectByID(missing): %s", err)
	}
	if missing != nil {
		t.Fatalf("SelectByID(missing) = %+v, want nil", missing)
	}
}
