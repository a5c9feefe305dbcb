package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// tables is the portable DDL shared by MySQL and SQLite.  Timestamps
// are always written by the application in UTC.
var tables = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id               VARCHAR(64)  NOT NULL PRIMARY KEY,
		name             VARCHAR(255) NOT NULL,
		grid_rows        INTEGER      NOT NULL,
		grid_cols        INTEGER      NOT NULL,
		pricing_kind     VARCHAR(16)  NOT NULL,
		base_value_cents BIGINT       NOT NULL,
		step_cents       BIGINT       NOT NULL DEFAULT 0,
		is_active        BOOLEAN      NOT NULL DEFAULT TRUE,
		created_at       DATETIME     NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS squares (
		id             VARCHAR(64)  NOT NULL PRIMARY KEY,
		campaign_id    VARCHAR(64)  NOT NULL,
		grid_row       INTEGER      NOT NULL,
		grid_col       INTEGER      NOT NULL,
		number         INTEGER      NOT NULL,
		value_cents    BIGINT       NOT NULL,
		claimed_by     VARCHAR(255) NULL,
		donor_name     VARCHAR(255) NULL,
		payment_status VARCHAR(16)  NULL,
		payment_type   VARCHAR(32)  NULL,
		claimed_at     DATETIME     NULL,
		UNIQUE (campaign_id, number),
		FOREIGN KEY (campaign_id) REFERENCES campaigns (id)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id                 VARCHAR(64)  NOT NULL PRIMARY KEY,
		campaign_id        VARCHAR(64)  NOT NULL,
		total_cents        BIGINT       NOT NULL,
		donor_name         VARCHAR(255) NOT NULL,
		donor_email        VARCHAR(255) NOT NULL,
		payment_method     VARCHAR(32)  NOT NULL,
		status             VARCHAR(16)  NOT NULL,
		square_ids         TEXT         NULL,
		provider_order_ref VARCHAR(128) NULL,
		reconcile_warning  TEXT         NULL,
		created_at         DATETIME     NOT NULL,
		FOREIGN KEY (campaign_id) REFERENCES campaigns (id)
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_squares (
		transaction_id VARCHAR(64) NOT NULL,
		square_id      VARCHAR(64) NOT NULL,
		PRIMARY KEY (transaction_id, square_id)
	)`,
}

var indexes = []struct{ name, table, cols string }{
	{"idx_squares_claimant", "squares", "campaign_id, claimed_by"},
	{"idx_transactions_campaign", "transactions", "campaign_id, status, payment_method"},
	{"idx_transaction_squares_square", "transaction_squares", "square_id"},
}

// erDupKeyName is MySQL's "Duplicate key name" error number.
const erDupKeyName = 1061

// Migrate creates the tables and indexes if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, ddl := range tables {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, ix := range indexes {
		var q string
		if dialect == SQLite {
			q = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", ix.name, ix.table, ix.cols)
		} else {
			q = fmt.Sprintf("CREATE INDEX %s ON %s (%s)", ix.name, ix.table, ix.cols)
		}
		if _, err := db.ExecContext(ctx, q); err != nil {
			var myErr *mysql.MySQLError
			if errors.As(err, &myErr) && myErr.Number == erDupKeyName {
				continue
			}
			return fmt.Errorf("create index %s: %w", ix.name, err)
		}
	}
	return nil
}
