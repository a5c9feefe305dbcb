// Package testutil holds helpers shared by package tests: a throwaway
// SQLite database with the full schema and seeding shortcuts.
package testutil

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/iliyamo/donation-squares/internal/database"
	"github.com/iliyamo/donation-squares/internal/model"
	"github.com/iliyamo/donation-squares/internal/repository"
)

// SetupTestDB creates a fresh SQLite database in the test's temp dir
// with the full schema applied.  It is closed when the test ends.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "squares.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(context.Background(), db, database.SQLite); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SeedCampaign publishes an active fixed-price campaign of rows × cols
// squares worth valueCents each and returns it with its squares in
// number order.
func SeedCampaign(t *testing.T, db *sql.DB, rows, cols int, valueCents int64) (*model.Campaign, []model.Square) {
	t.Helper()
	return SeedCampaignWith(t, db, model.Campaign{
		Name:           "Test campaign",
		GridRows:       rows,
		GridCols:       cols,
		PricingKind:    model.PricingFixed,
		BaseValueCents: valueCents,
		IsActive:       true,
	})
}

// SeedCampaignWith publishes c and returns it with its squares.
func SeedCampaignWith(t *testing.T, db *sql.DB, c model.Campaign) (*model.Campaign, []model.Square) {
	t.Helper()
	ctx := context.Background()
	created, err := repository.NewCampaignRepo(db).Publish(ctx, c)
	if err != nil {
		t.Fatalf("Failed to publish campaign: %v", err)
	}
	squares, err := repository.NewSquareRepo(db).ListByCampaign(ctx, created.ID)
	if err != nil {
		t.Fatalf("Failed to list squares: %v", err)
	}
	return created, squares
}

// SeedTransaction inserts a transaction linked to squareIDs.
func SeedTransaction(t *testing.T, db *sql.DB, tx model.Transaction, squareIDs []string) *model.Transaction {
	t.Helper()
	if err := repository.NewTransactionRepo(db).Create(context.Background(), &tx, squareIDs); err != nil {
		t.Fatalf("Failed to create transaction: %v", err)
	}
	return &tx
}

// SeedLegacyTransaction inserts a transaction whose square_ids column
// holds raw verbatim and which has no join rows.
func SeedLegacyTransaction(t *testing.T, db *sql.DB, tx model.Transaction, raw *string) *model.Transaction {
	t.Helper()
	tx.SquareIDsRaw = raw
	if err := repository.NewTransactionRepo(db).CreateLegacy(context.Background(), &tx); err != nil {
		t.Fatalf("Failed to create legacy transaction: %v", err)
	}
	return &tx
}

// MustSquare reloads a square by id.
func MustSquare(t *testing.T, db *sql.DB, id string) model.Square {
	t.Helper()
	s, err := repository.NewSquareRepo(db).GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to load square %s: %v", id, err)
	}
	return *s
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string { return &s }
