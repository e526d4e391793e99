// Package migrations holds goose migrations for the receipt tables. Fresh
// installs get the latest schema from the table constructors; migrations exist
// for deployments upgrading in place.
package migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func Up(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}
