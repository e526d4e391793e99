package state

import (
	"testing"

	"github.com/talkbase/receiptsync/internal"
)

func TestPrefsTable(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewPrefsTable(db)

	bob := internal.UserRef{Kind: "user", ID: 81}

	// absent row means not opted in
	enabled, err := table.SelectPushEnabled(bob, "new_message")
	if err != nil {
		t.Fatalf("SelectPushEnabled: %s", err)
	}
	if enabled {
		t.Fatalf("push enabled for user with no prefs row")
	}

	if err := table.UpsertPushEnabled(bob, "new_message", true); err != nil {
		t.Fatalf("UpsertPushEnabled: %s", err)
	}
	enabled, err = table.SelectPushEnabled(bob, "new_message")
	if err != nil {
		t.Fatalf("SelectPushEnabled: %s", err)
	}
	if !enabled {
		t.Fatalf("push not enabled after opt-in")
	}

	// opt-in is per notification kind
	enabled, err = table.SelectPushEnabled(bob, "digest")
	if err != nil {
		t.Fatalf("SelectPushEnabled: %s", err)
	}
	if enabled {
		t.Fatalf("opt-in leaked across notification kinds")
	}

	if err := table.UpsertPushEnabled(bob, "new_message", false); err != nil {
		t.Fatalf("UpsertPushEnabled(false): %s", err)
	}
	enabled, err = table.SelectPushEnabled(bob, "new_message")
	if err != nil {
		t.Fatalf("SelectPushEnabled: %s", err)
	}
	if enabled {
		t.Fatalf("push still enabled after opt-out")
	}
}
