package service_test

import (
    "context"
    "database/sql"
    "errors"
    "log/slog"
    "strings"
    "testing"
    "time"

    "github.com/iliyamo/donation-squares/internal/model"
    "github.com/iliyamo/donation-squares/internal/payment"
    q "github.com/iliyamo/donation-squares/internal/queue"
    "github.com/iliyamo/donation-squares/internal/reconcile"
    "github.com/iliyamo/donation-squares/internal/repository"
    "github.com/iliyamo/donation-squares/internal/reservation"
    "github.com/iliyamo/donation-squares/internal/service"
    "github.com/iliyamo/donation-squares/internal/testutil"
)

type recordingPublisher struct {
    completed chan q.DonationCompletedEvent
}

func (p *recordingPublisher) PublishDonationCompleted(_ context.Context, ev q.DonationCompletedEvent) error {
    p.completed <- ev
    return nil
}

func (p *recordingPublisher) PublishReconciliationWarning(context.Context, q.ReconciliationWarningEvent) error {
    return nil
}

type failingGateway struct{ payment.Gateway }

func (failingGateway) CreateOrder(context.Context, payment.OrderRequest) (payment.Order, error) {
    return payment.Order{}, errors.New("provider unavailable")
}

type harness struct {
    db       *sql.DB
    txs      *repository.TransactionRepo
    manager  *reservation.Manager
    sandbox  *payment.Sandbox
    events   *recordingPublisher
    engine   *reconcile.Engine
    checkout *service.Checkout
    campaign *model.Campaign
    squares  []model.Square
}

func newHarness(t *testing.T, gateway payment.Gateway, holds service.HoldManager) *harness {
    t.Helper()
    db := testutil.SetupTestDB(t)
    c, squares := testutil.SeedCampaign(t, db, 2, 5, 500)
    h := &harness{
        db:       db,
        txs:      repository.NewTransactionRepo(db),
        sandbox:  payment.NewSandbox("https://pay.example.test"),
        events:   &recordingPublisher{completed: make(chan q.DonationCompletedEvent, 4)},
        campaign: c,
        squares:  squares,
    }
    squareRepo := repository.NewSquareRepo(db)
    h.manager = reservation.NewManager(squareRepo, h.txs, testutil.DiscardLogger())
    h.engine = reconcile.New(squareRepo, h.txs, h.manager, testutil.DiscardLogger())
    if gateway == nil {
        gateway = h.sandbox
    }
    if holds == nil {
        holds = h.manager
    }
    h.checkout = service.NewCheckout(repository.NewCampaignRepo(db), squareRepo, h.txs, holds, h.engine, gateway, h.events,
        service.CheckoutConfig{PublicBaseURL: "https://squares.example.test", Currency: "USD"}, testutil.DiscardLogger())
    return h
}

func (h *harness) request(ids ...string) service.CheckoutRequest {
    return service.CheckoutRequest{
        CampaignID: h.campaign.ID, SquareIDs: ids, DonorName: "Ann", DonorEmail: "ann@example.com", PaymentMethod: "paypal",
    }
}

func (h *harness) transactions(t *testing.T) []model.Transaction {
    t.Helper()
    txs, err := h.txs.List(context.Background(), repository.TransactionFilter{CampaignID: h.campaign.ID})
    if err != nil {
        t.Fatal(err)
    }
    return txs
}

func TestCheckoutBeginAndComplete(t *testing.T) {
    h := newHarness(t, nil, nil)
    ctx := context.Background()

    res, err := h.checkout.Begin(ctx, h.request(h.squares[2].ID, h.squares[4].ID, h.squares[2].ID))
    if err != nil {
        t.Fatal(err)
    }
    if res.TotalCents != 1000 || res.ApprovalURL == "" {
        t.Fatalf("unexpected checkout %+v", res)
    }
    req, ok := h.sandbox.Request(res.OrderID)
    if !ok || req.ReturnURL != "https://squares.example.test/v1/checkout/"+res.TransactionID+"/return" {
        t.Fatalf("unexpected order request %+v", req)
    }
    tx, _ := h.txs.GetByID(ctx, res.TransactionID)
    if got := testutil.MustSquare(t, h.db, h.squares[2].ID); got.Claimant() != tx.HoldToken() {
        t.Fatalf("square not held under token: %+v", got)
    }

    result, err := h.checkout.Complete(ctx, res.TransactionID, res.OrderID)
    if err != nil {
        t.Fatal(err)
    }
    if result.Tier != reconcile.TierExplicit || !result.Matched() {
        t.Fatalf("unexpected reconciliation %+v", result)
    }
    if got := testutil.MustSquare(t, h.db, h.squares[4].ID); got.State() != model.StateCompleted || got.Claimant() != "ann@example.com" {
        t.Fatalf("square not completed for donor: %+v", got)
    }
    select {
    case ev := <-h.events.completed:
        if ev.TransactionID != res.TransactionID || len(ev.SquareNumbers) != 2 {
            t.Fatalf("unexpected event %+v", ev)
        }
    case <-time.After(2 * time.Second):
        t.Fatal("donation.completed event not published")
    }
}

func TestCheckoutConflictIsNotSubstituted(t *testing.T) {
    h := newHarness(t, nil, nil)
    ctx := context.Background()
    if _, err := h.manager.PlaceHold(ctx, h.campaign.ID, []string{h.squares[1].ID}, "temp_other", "Other", "paypal"); err != nil {
        t.Fatal(err)
    }

    _, err := h.checkout.Begin(ctx, h.request(h.squares[0].ID, h.squares[1].ID))
    var claimErr *reservation.ClaimError
    if !errors.As(err, &claimErr) || len(claimErr.Conflicts) != 1 || claimErr.Conflicts[0] != h.squares[1].ID {
        t.Fatalf("expected conflict on square 2, got %v", err)
    }
    if !errors.Is(err, repository.ErrAlreadyClaimed) {
        t.Fatalf("conflict must wrap ErrAlreadyClaimed: %v", err)
    }
    if got := testutil.MustSquare(t, h.db, h.squares[0].ID); got.State() != model.StateAvailable {
        t.Fatal("free square of a conflicting selection was held")
    }
    if len(h.transactions(t)) != 0 {
        t.Fatal("transaction created for a conflicting selection")
    }
}

// stealingHolds lets a rival grab a square between the availability
// check and the hold.
type stealingHolds struct {
    *reservation.Manager
    steal func()
}

func (s *stealingHolds) PlaceHold(ctx context.Context, campaignID string, ids []string, token, name, ptype string) (reservation.HoldResult, error) {
    s.steal()
    return s.Manager.PlaceHold(ctx, campaignID, ids, token, name, ptype)
}

func TestCheckoutRaceReleasesPartialHolds(t *testing.T) {
    holds := &stealingHolds{}
    h := newHarness(t, nil, holds)
    holds.Manager = h.manager
    holds.steal = func() {
        _, _ = h.manager.PlaceHold(context.Background(), h.campaign.ID, []string{h.squares[3].ID}, "temp_rival", "Rival", "paypal")
    }

    _, err := h.checkout.Begin(context.Background(), h.request(h.squares[2].ID, h.squares[3].ID))
    if !errors.Is(err, repository.ErrAlreadyClaimed) {
        t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
    }
    if testutil.MustSquare(t, h.db, h.squares[2].ID).State() != model.StateAvailable {
        t.Fatal("partial hold not released")
    }
    if testutil.MustSquare(t, h.db, h.squares[3].ID).Claimant() != "temp_rival" {
        t.Fatal("rival hold was disturbed")
    }
    if len(h.transactions(t)) != 0 {
        t.Fatal("abandoned transaction not deleted")
    }
}

func TestCheckoutGatewayFailureUndoes(t *testing.T) {
    h := newHarness(t, failingGateway{}, nil)
    if _, err := h.checkout.Begin(context.Background(), h.request(h.squares[0].ID)); err == nil {
        t.Fatal("expected gateway error")
    }
    if testutil.MustSquare(t, h.db, h.squares[0].ID).State() != model.StateAvailable {
        t.Fatal("hold survived gateway failure")
    }
    if len(h.transactions(t)) != 0 {
        t.Fatal("transaction survived gateway failure")
    }
}

func TestCheckoutDeclinedAndCancelled(t *testing.T) {
    h := newHarness(t, nil, nil)
    ctx := context.Background()

    declined, err := h.checkout.Begin(ctx, h.request(h.squares[0].ID))
    if err != nil {
        t.Fatal(err)
    }
    h.sandbox.Decline(declined.OrderID)
    if _, err := h.checkout.Complete(ctx, declined.TransactionID, ""); !errors.Is(err, service.ErrPaymentDeclined) {
        t.Fatalf("expected ErrPaymentDeclined, got %v", err)
    }
    tx, _ := h.txs.GetByID(ctx, declined.TransactionID)
    if tx.Status != model.TxFailed {
        t.Fatalf("status = %s, want failed", tx.Status)
    }
    if testutil.MustSquare(t, h.db, h.squares[0].ID).State() != model.StateAvailable {
        t.Fatal("declined payment kept its hold")
    }

    cancelled, err := h.checkout.Begin(ctx, h.request(h.squares[1].ID, h.squares[2].ID))
    if err != nil {
        t.Fatal(err)
    }
    if _, err := h.checkout.Complete(ctx, cancelled.TransactionID, "wrong-order"); !errors.Is(err, repository.ErrForbidden) {
        t.Fatalf("expected ErrForbidden for a foreign order, got %v", err)
    }
    n, err := h.checkout.Cancel(ctx, cancelled.TransactionID)
    if err != nil || n != 2 {
        t.Fatalf("cancel: n=%d err=%v", n, err)
    }
    if n, err := h.checkout.Cancel(ctx, cancelled.TransactionID); err != nil || n != 0 {
        t.Fatalf("repeat cancel: n=%d err=%v", n, err)
    }
}

func TestCheckoutValidation(t *testing.T) {
    h := newHarness(t, nil, nil)
    ctx := context.Background()

    if _, err := h.checkout.Begin(ctx, h.request()); !errors.Is(err, service.ErrEmptySelection) {
        t.Fatalf("expected ErrEmptySelection, got %v", err)
    }
    if _, err := h.checkout.Begin(ctx, h.request("missing")); !errors.Is(err, repository.ErrNotFound) {
        t.Fatalf("expected ErrNotFound, got %v", err)
    }
    if err := repository.NewCampaignRepo(h.db).SetActive(ctx, h.campaign.ID, false); err != nil {
        t.Fatal(err)
    }
    if _, err := h.checkout.Begin(ctx, h.request(h.squares[0].ID)); !errors.Is(err, service.ErrCampaignInactive) {
        t.Fatalf("expected ErrCampaignInactive, got %v", err)
    }
}

// refLosingStore fails to record the provider's order reference.
type refLosingStore struct {
    *repository.TransactionRepo
}

func (refLosingStore) SetProviderRef(context.Context, string, string) error {
    return errors.New("db down")
}

func TestCheckoutUndoesWhenOrderRefIsLost(t *testing.T) {
    h := newHarness(t, nil, nil)
    ctx := context.Background()
    checkout := service.NewCheckout(repository.NewCampaignRepo(h.db), repository.NewSquareRepo(h.db), refLosingStore{h.txs},
        h.manager, h.engine, h.sandbox, h.events, service.CheckoutConfig{PublicBaseURL: "https://squares.example.test"}, testutil.DiscardLogger())

    if _, err := checkout.Begin(ctx, h.request(h.squares[0].ID)); err == nil {
        t.Fatal("expected error when the order reference cannot be stored")
    }
    if testutil.MustSquare(t, h.db, h.squares[0].ID).State() != model.StateAvailable {
        t.Fatal("hold survived a lost order reference")
    }
    if len(h.transactions(t)) != 0 {
        t.Fatal("transaction survived a lost order reference")
    }
}

func TestCompleteRefusesPendingWithoutOrder(t *testing.T) {
    h := newHarness(t, nil, nil)
    ctx := context.Background()
    tx := testutil.SeedTransaction(t, h.db, model.Transaction{
        CampaignID: h.campaign.ID, TotalCents: 500, DonorName: "Ann", DonorEmail: "ann@example.com", PaymentMethod: "paypal",
    }, []string{h.squares[0].ID})
    if _, err := h.manager.PlaceHold(ctx, h.campaign.ID, []string{h.squares[0].ID}, tx.HoldToken(), "Ann", "paypal"); err != nil {
        t.Fatal(err)
    }

    if _, err := h.checkout.Complete(ctx, tx.ID, ""); !errors.Is(err, repository.ErrConflict) {
        t.Fatalf("expected ErrConflict, got %v", err)
    }
    got, _ := h.txs.GetByID(ctx, tx.ID)
    if got.Status != model.TxPending {
        t.Fatalf("status = %s, want pending", got.Status)
    }
    if sq := testutil.MustSquare(t, h.db, h.squares[0].ID); sq.State() != model.StateHeld {
        t.Fatalf("square = %s, want held", sq.State())
    }
}

type failingPublisher struct{ service.NopPublisher }

func (failingPublisher) PublishDonationCompleted(context.Context, q.DonationCompletedEvent) error {
    return errors.New("broker unreachable")
}

// recordHandler forwards log records to a channel.
type recordHandler struct{ records chan slog.Record }

func (h recordHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h recordHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h recordHandler) WithGroup(string) slog.Handler            { return h }
func (h recordHandler) Handle(_ context.Context, r slog.Record) error {
    select {
    case h.records <- r:
    default:
    }
    return nil
}

func TestCompleteLogsPublishFailure(t *testing.T) {
    h := newHarness(t, nil, nil)
    ctx := context.Background()
    records := make(chan slog.Record, 32)
    checkout := service.NewCheckout(repository.NewCampaignRepo(h.db), repository.NewSquareRepo(h.db), h.txs,
        h.manager, h.engine, h.sandbox, failingPublisher{}, service.CheckoutConfig{PublicBaseURL: "https://squares.example.test"},
        slog.New(recordHandler{records: records}))

    res, err := checkout.Begin(ctx, h.request(h.squares[0].ID))
    if err != nil {
        t.Fatal(err)
    }
    if _, err := checkout.Complete(ctx, res.TransactionID, res.OrderID); err != nil {
        t.Fatal(err)
    }
    deadline := time.After(2 * time.Second)
    for {
        select {
        case r := <-records:
            if r.Level == slog.LevelWarn && strings.Contains(r.Message, "donation.completed") {
                return
            }
        case <-deadline:
            t.Fatal("publish failure was not logged")
        }
    }
}
