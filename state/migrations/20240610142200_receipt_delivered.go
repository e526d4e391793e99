package migrations

import (
	"context"
	"database/sql"
	"errors"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upIsDelivered, downIsDelivered)
}

func upIsDelivered(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var colName string
	err := tx.QueryRow("select column_name from information_schema.columns where table_name = 'receiptsync_receipts' AND column_name = 'is_delivered'").Scan(&colName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if colName != "" {
		// column already exists, fresh installs create it up front
		return nil
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS receiptsync_receipts ADD COLUMN IF NOT EXISTS is_delivered BOOLEAN NOT NULL DEFAULT FALSE;")
	return err
}

func downIsDelivered(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE IF EXISTS receiptsync_receipts DROP COLUMN IF EXISTS is_delivered;")
	return err
}
