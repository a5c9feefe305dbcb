package repository_test

import (
	"context"
	"errors"
	"testing"

	"github.com/iliyamo/donation-squares/internal/linkage"
	"github.com/iliyamo/donation-squares/internal/model"
	"github.com/iliyamo/donation-squares/internal/repository"
	"github.com/iliyamo/donation-squares/internal/testutil"
)

func TestTransactionLinksWriteBothForms(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	c, squares := testutil.SeedCampaign(t, db, 1, 3, 500)
	repo := repository.NewTransactionRepo(db)

	tx := testutil.SeedTransaction(t, db, model.Transaction{
		CampaignID: c.ID, TotalCents: 1000, DonorName: "Ann", DonorEmail: " Ann@Example.com ",
		PaymentMethod: "paypal",
	}, []string{squares[1].ID, squares[0].ID, squares[0].ID})

	stored, err := repo.GetByID(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.TxPending || stored.DonorEmail != "ann@example.com" {
		t.Errorf("unexpected defaults: status=%s email=%s", stored.Status, stored.DonorEmail)
	}
	if res := linkage.Parse(stored.SquareIDsRaw); res.Encoding != linkage.EncodingList || len(res.IDs) != 2 {
		t.Errorf("legacy column not a clean list: %v", stored.SquareIDsRaw)
	}
	linked, err := repo.LinkedSquareIDs(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(linked) != 2 || linked[0] != squares[0].ID || linked[1] != squares[1].ID {
		t.Fatalf("linked squares out of order: %v", linked)
	}

	if err := repo.SetLinks(ctx, tx.ID, []string{squares[2].ID}); err != nil {
		t.Fatal(err)
	}
	linked, _ = repo.LinkedSquareIDs(ctx, tx.ID)
	if len(linked) != 1 || linked[0] != squares[2].ID {
		t.Fatalf("SetLinks did not replace links: %v", linked)
	}
	stored, _ = repo.GetByID(ctx, tx.ID)
	if got := linkage.Parse(stored.SquareIDsRaw).IDs; len(got) != 1 || got[0] != squares[2].ID {
		t.Fatalf("legacy column not rewritten: %v", got)
	}

	if err := repo.SetLinks(ctx, "missing", nil); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetStatusIsConditional(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	c, _ := testutil.SeedCampaign(t, db, 1, 1, 500)
	repo := repository.NewTransactionRepo(db)
	tx := testutil.SeedTransaction(t, db, model.Transaction{
		CampaignID: c.ID, TotalCents: 500, DonorName: "Ann", PaymentMethod: "cash",
	}, nil)

	if ok, _ := repo.SetStatus(ctx, tx.ID, model.TxFailed, model.TxCompleted); ok {
		t.Fatal("status changed despite unmatched precondition")
	}
	if ok, err := repo.SetStatus(ctx, tx.ID, model.TxCompleted, model.TxPending); err != nil || !ok {
		t.Fatalf("SetStatus: ok=%v err=%v", ok, err)
	}
}

func TestDeleteRemovesLinks(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	c, squares := testutil.SeedCampaign(t, db, 1, 2, 500)
	repo := repository.NewTransactionRepo(db)
	tx := testutil.SeedTransaction(t, db, model.Transaction{
		CampaignID: c.ID, TotalCents: 1000, DonorName: "Ann", PaymentMethod: "cash",
	}, model.SquareIDs(squares))

	if err := repo.Delete(ctx, tx.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetByID(ctx, tx.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if linked, _ := repo.LinkedSquareIDs(ctx, tx.ID); len(linked) != 0 {
		t.Fatalf("links survived delete: %v", linked)
	}
	if err := repo.Delete(ctx, tx.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	c, _ := testutil.SeedCampaign(t, db, 1, 1, 500)
	repo := repository.NewTransactionRepo(db)
	for _, m := range []string{"paypal", "cash", "paypal"} {
		testutil.SeedTransaction(t, db, model.Transaction{
			CampaignID: c.ID, TotalCents: 500, DonorName: "D", PaymentMethod: m,
		}, nil)
	}

	got, err := repo.List(ctx, repository.TransactionFilter{CampaignID: c.ID, PaymentMethod: "paypal"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 paypal transactions, got %d", len(got))
	}
	got, _ = repo.List(ctx, repository.TransactionFilter{Limit: 1})
	if len(got) != 1 {
		t.Fatalf("limit ignored, got %d", len(got))
	}
}
