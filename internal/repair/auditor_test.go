package repair_test

import (
	"context"
	"testing"

	"github.com/iliyamo/donation-squares/internal/model"
	"github.com/iliyamo/donation-squares/internal/reconcile"
	"github.com/iliyamo/donation-squares/internal/repair"
	"github.com/iliyamo/donation-squares/internal/repository"
	"github.com/iliyamo/donation-squares/internal/reservation"
	"github.com/iliyamo/donation-squares/internal/testutil"
)

func TestAuditDryRunThenConfirm(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	c, squares := testutil.SeedCampaign(t, db, 2, 5, 500)

	squareRepo := repository.NewSquareRepo(db)
	txRepo := repository.NewTransactionRepo(db)
	manager := reservation.NewManager(squareRepo, txRepo, testutil.DiscardLogger())
	engine := reconcile.New(squareRepo, txRepo, manager, testutil.DiscardLogger())
	auditor := repair.NewAuditor(txRepo, engine, testutil.DiscardLogger())

	for _, total := range []int64{1000, 1500} {
		testutil.SeedTransaction(t, db, model.Transaction{
			CampaignID: c.ID, TotalCents: total, DonorName: "Legacy", DonorEmail: "legacy@example.com",
			PaymentMethod: "paypal", Status: model.TxCompleted,
		}, nil)
	}
	testutil.SeedTransaction(t, db, model.Transaction{
		CampaignID: c.ID, TotalCents: 500, DonorName: "Cash", PaymentMethod: "cash", Status: model.TxCompleted,
	}, nil)

	filter := repair.Filter{CampaignID: c.ID, PaymentMethod: "paypal", Status: model.TxCompleted}
	report, err := auditor.Run(ctx, filter, repair.Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !report.DryRun || len(report.Entries) != 2 {
		t.Fatalf("unexpected dry-run report %+v", report)
	}
	for _, e := range report.Entries {
		if e.TierUsed != reconcile.TierAmount || !e.Matched {
			t.Errorf("dry-run entry %+v", e)
		}
	}
	for _, s := range squares {
		if testutil.MustSquare(t, db, s.ID).State() != model.StateAvailable {
			t.Fatal("dry run changed a square")
		}
	}

	report, err = auditor.Run(ctx, filter, repair.Options{DryRun: false})
	if err != nil {
		t.Fatal(err)
	}
	if report.Summary.Matched != 2 || report.Summary.Errors != 0 {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
	claimed := 0
	for _, s := range squares {
		if testutil.MustSquare(t, db, s.ID).State() == model.StateCompleted {
			claimed++
		}
	}
	if claimed != 5 {
		t.Fatalf("expected 5 completed squares, got %d", claimed)
	}

	// A second confirmed pass short-circuits on the links written above.
	report, err = auditor.Run(ctx, filter, repair.Options{DryRun: false})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range report.Entries {
		if e.TierUsed != reconcile.TierExplicit || !e.Matched {
			t.Errorf("second pass entry %+v", e)
		}
	}
}

func TestAuditRecordsPerTransactionErrors(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	c, _ := testutil.SeedCampaign(t, db, 1, 2, 500)

	squareRepo := repository.NewSquareRepo(db)
	txRepo := repository.NewTransactionRepo(db)
	engine := reconcile.New(squareRepo, txRepo, reservation.NewManager(squareRepo, txRepo, nil), testutil.DiscardLogger())
	auditor := repair.NewAuditor(txRepo, engine, testutil.DiscardLogger())

	testutil.SeedTransaction(t, db, model.Transaction{
		CampaignID: c.ID, TotalCents: 9000, DonorName: "Big", PaymentMethod: "paypal", Status: model.TxCompleted,
	}, nil)
	testutil.SeedTransaction(t, db, model.Transaction{
		CampaignID: c.ID, TotalCents: 500, DonorName: "Small", PaymentMethod: "paypal", Status: model.TxCompleted,
	}, nil)

	report, err := auditor.Run(ctx, repair.Filter{CampaignID: c.ID}, repair.Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Summary.Errors != 1 || report.Summary.Matched != 1 {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
}
