package state

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/talkbase/receiptsync/internal"
)

// PrefsTable stores per-user push notification opt-ins keyed by notification
// kind (e.g "new_message"). Absent rows mean not opted in.
type PrefsTable struct {
	db *sqlx.DB
}

func NewPrefsTable(db *sqlx.DB) *PrefsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS receiptsync_push_prefs (
		user_kind TEXT NOT NULL,
		user_id BIGINT NOT NULL,
		notification_kind TEXT NOT NULL,
		push_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE(user_kind, user_id, notification_kind)
	);
	`)
	return &PrefsTable{db}
}

func (t *PrefsTable) SelectPushEnabled(user internal.UserRef, notificationKind string) (bool, error) {
	var enabled bool
	err := t.db.QueryRow(
		`SELECT push_enabled FROM receiptsync_push_prefs WHERE user_kind=$1 AND user_id=$2 AND notification_kind=$3`,
		user.Kind, user.ID, notificationKind,
	).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return enabled, err
}

func (t *PrefsTable) UpsertPushEnabled(user internal.UserRef, notificationKind string, enabled bool) error {
	_, err := t.db.Exec(
		`INSERT INTO receiptsync_push_prefs(user_kind, user_id, notification_kind, push_enabled) VALUES($1, $2, $3, $4)
		ON CONFLICT (user_kind, user_id, notification_kind) DO UPDATE SET push_enabled = $4`,
		user.Kind, user.ID, notificationKind, enabled,
	)
	return err
}
