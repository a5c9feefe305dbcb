// Package service holds the checkout flow that glues the ledger, the
// reservation manager, the payment gateway and the reconciliation
// engine together, plus the event publisher it reports through.
package service

import (
    "context"
    "errors"
    "fmt"
    "log/slog"
    "net/url"
    "time"

    "github.com/iliyamo/donation-squares/internal/model"
    "github.com/iliyamo/donation-squares/internal/payment"
    q "github.com/iliyamo/donation-squares/internal/queue"
    "github.com/iliyamo/donation-squares/internal/reconcile"
    "github.com/iliyamo/donation-squares/internal/repository"
    "github.com/iliyamo/donation-squares/internal/reservation"
)

var (
    ErrEmptySelection   = errors.New("no squares selected")
    ErrCampaignInactive = errors.New("campaign is not accepting donations")
    ErrPaymentDeclined  = errors.New("payment was not approved")
    ErrInvalidDonor     = errors.New("donor name and payment method are required")
)

// CheckoutRequest is a donor's selection.
type CheckoutRequest struct {
    CampaignID    string
    SquareIDs     []string
    DonorName     string
    DonorEmail    string
    PaymentMethod string
}

// CheckoutResult tells the donor where to approve the payment.
type CheckoutResult struct {
    TransactionID string `json:"transaction_id"`
    TotalCents    int64  `json:"total_cents"`
    OrderID       string `json:"order_id"`
    ApprovalURL   string `json:"approval_url"`
}

// CheckoutConfig carries the settings the flow passes to the gateway.
type CheckoutConfig struct {
    PublicBaseURL string
    Currency      string
    PayeeIdentity string
}

// CampaignReader loads campaigns.
type CampaignReader interface {
    GetByID(ctx context.Context, id string) (*model.Campaign, error)
}

// SquareReader loads squares of a campaign.
type SquareReader interface {
    GetByIDs(ctx context.Context, campaignID string, ids []string) ([]model.Square, error)
}

// TransactionStore is the ledger surface the flow needs.
type TransactionStore interface {
    Create(ctx context.Context, t *model.Transaction, squareIDs []string) error
    GetByID(ctx context.Context, id string) (*model.Transaction, error)
    LinkedSquareIDs(ctx context.Context, txID string) ([]string, error)
    SetProviderRef(ctx context.Context, id, ref string) error
    SetStatus(ctx context.Context, id, status string, from ...string) (bool, error)
    Delete(ctx context.Context, id string) error
}

// HoldManager places and releases holds; *reservation.Manager implements it.
type HoldManager interface {
    PlaceHold(ctx context.Context, campaignID string, squareIDs []string, token, donorName, paymentType string) (reservation.HoldResult, error)
    Release(ctx context.Context, squareIDs []string, claimants []string) (reservation.ReleaseResult, error)
}

// Reconciler is implemented by *reconcile.Engine.
type Reconciler interface {
    Reconcile(ctx context.Context, txID string) (reconcile.Result, error)
}

// Checkout runs the donor-facing flow.
type Checkout struct {
    campaigns CampaignReader
    squares   SquareReader
    txs       TransactionStore
    holds     HoldManager
    engine    Reconciler
    gateway   payment.Gateway
    events    EventPublisher
    cfg       CheckoutConfig
    log       *slog.Logger
}

// NewCheckout wires the checkout flow.  A nil events publisher drops events.
func NewCheckout(campaigns CampaignReader, squares SquareReader, txs TransactionStore, holds HoldManager,
    engine Reconciler, gateway payment.Gateway, events EventPublisher, cfg CheckoutConfig, log *slog.Logger) *Checkout {
    if events == nil {
        events = NopPublisher{}
    }
    if log == nil {
        log = slog.Default()
    }
    return &Checkout{campaigns: campaigns, squares: squares, txs: txs, holds: holds, engine: engine,
        gateway: gateway, events: events, cfg: cfg, log: log}
}

// Begin creates a pending transaction for the selected squares, holds
// them under the transaction's token and opens a payment order.  When
// any square is taken or unknown the whole selection is abandoned and
// a *reservation.ClaimError is returned; no other square is offered in
// its place.
func (s *Checkout) Begin(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
    if req.DonorName == "" || req.PaymentMethod == "" {
        return nil, ErrInvalidDonor
    }
    ids := uniqueIDs(req.SquareIDs)
    if len(ids) == 0 {
        return nil, ErrEmptySelection
    }
    campaign, err := s.campaigns.GetByID(ctx, req.CampaignID)
    if err != nil {
        return nil, err
    }
    if !campaign.IsActive {
        return nil, ErrCampaignInactive
    }

    squares, err := s.squares.GetByIDs(ctx, campaign.ID, ids)
    if err != nil {
        return nil, err
    }
    if claimErr := precheck(ids, squares); claimErr != nil {
        return nil, claimErr
    }

    tx := &model.Transaction{
        CampaignID:    campaign.ID,
        TotalCents:    model.SumValues(squares),
        DonorName:     req.DonorName,
        DonorEmail:    req.DonorEmail,
        PaymentMethod: req.PaymentMethod,
        Status:        model.TxPending,
    }
    if err := s.txs.Create(ctx, tx, ids); err != nil {
        return nil, fmt.Errorf("create transaction: %w", err)
    }
    log := s.log.With("transaction_id", tx.ID, "campaign_id", campaign.ID)

    hr, err := s.holds.PlaceHold(ctx, campaign.ID, ids, tx.HoldToken(), tx.DonorName, tx.PaymentMethod)
    if err != nil {
        s.abandon(ctx, tx, hr.Held, log)
        return nil, err
    }
    if claimErr := hr.Err(); claimErr != nil {
        s.abandon(ctx, tx, hr.Held, log)
        return nil, claimErr
    }

    order, err := s.gateway.CreateOrder(ctx, payment.OrderRequest{
        AmountCents:   tx.TotalCents,
        Currency:      s.cfg.Currency,
        CampaignRef:   campaign.ID,
        SquareKeys:    ids,
        ReturnURL:     s.checkoutURL(tx.ID, "return"),
        CancelURL:     s.checkoutURL(tx.ID, "cancel"),
        PayeeIdentity: s.cfg.PayeeIdentity,
    })
    if err != nil {
        s.abandon(ctx, tx, hr.Held, log)
        return nil, fmt.Errorf("create payment order: %w", err)
    }
    if err := s.txs.SetProviderRef(ctx, tx.ID, order.ID); err != nil {
        s.abandon(ctx, tx, hr.Held, log)
        return nil, fmt.Errorf("store order reference: %w", err)
    }
    log.Info("checkout started", "squares", len(ids), "total_cents", tx.TotalCents, "order_id", order.ID)
    return &CheckoutResult{TransactionID: tx.ID, TotalCents: tx.TotalCents, OrderID: order.ID, ApprovalURL: order.ApprovalURL}, nil
}

// precheck rejects selections with unknown or already claimed squares
// before anything is written.  The holds that follow stay conditional.
func precheck(ids []string, squares []model.Square) *reservation.ClaimError {
    found := make(map[string]model.Square, len(squares))
    for _, sq := range squares {
        found[sq.ID] = sq
    }
    var e reservation.ClaimError
    for _, id := range ids {
        sq, ok := found[id]
        switch {
        case !ok:
            e.Missing = append(e.Missing, id)
        case sq.State() != model.StateAvailable:
            e.Conflicts = append(e.Conflicts, id)
        }
    }
    if len(e.Missing) == 0 && len(e.Conflicts) == 0 {
        return nil
    }
    return &e
}

// abandon undoes a checkout that could not be started.
func (s *Checkout) abandon(ctx context.Context, tx *model.Transaction, held []string, log *slog.Logger) {
    if len(held) > 0 {
        if _, err := s.holds.Release(ctx, held, []string{tx.HoldToken()}); err != nil {
            log.Error("release holds of abandoned checkout", "error", err)
        }
    }
    if err := s.txs.Delete(ctx, tx.ID); err != nil {
        log.Error("delete abandoned transaction", "error", err)
    }
}

// Complete handles the donor's return from the provider.  The order is
// confirmed with the gateway and, when approved, the transaction is
// reconciled and a donation.completed event is published.  A declined
// order marks the transaction failed and releases its holds.  orderID,
// when given, must match the stored order reference.  A pending
// transaction without an order reference was never sent to the
// provider and is refused with ErrConflict.
func (s *Checkout) Complete(ctx context.Context, txID, orderID string) (reconcile.Result, error) {
    tx, err := s.txs.GetByID(ctx, txID)
    if err != nil {
        return reconcile.Result{TransactionID: txID}, err
    }
    if orderID != "" && (tx.ProviderOrderRef == nil || *tx.ProviderOrderRef != orderID) {
        return reconcile.Result{TransactionID: txID}, fmt.Errorf("order reference mismatch: %w", repository.ErrForbidden)
    }

    if tx.Status == model.TxPending && tx.ProviderOrderRef == nil {
        return reconcile.Result{TransactionID: txID}, fmt.Errorf("transaction %s has no payment order: %w", tx.ID, repository.ErrConflict)
    }
    if tx.Status == model.TxPending {
        approved, err := s.gateway.ConfirmOrder(ctx, *tx.ProviderOrderRef)
        if err != nil {
            return reconcile.Result{TransactionID: txID}, fmt.Errorf("confirm payment order: %w", err)
        }
        if !approved {
            if _, err := s.fail(ctx, tx); err != nil {
                return reconcile.Result{TransactionID: txID}, err
            }
            return reconcile.Result{TransactionID: txID}, ErrPaymentDeclined
        }
    }

    res, err := s.engine.Reconcile(ctx, tx.ID)
    if err != nil && !errors.Is(err, reconcile.ErrInsufficientInventory) && !errors.Is(err, reconcile.ErrOvershootRejected) {
        return res, err
    }
    if len(res.SquareIDs) > 0 {
        ev := q.DonationCompletedEvent{
            TransactionID:    tx.ID,
            CampaignID:       tx.CampaignID,
            DonorName:        tx.DonorName,
            PaymentMethod:    tx.PaymentMethod,
            SquareNumbers:    res.SquareNumbers,
            TotalAmountCents: tx.TotalCents,
            Tier:             res.Tier.String(),
            Approximate:      res.Approximate,
            CompletedAt:      time.Now().UTC().Format(time.RFC3339),
        }
        go func() {
            pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
            defer cancel()
            if err := s.events.PublishDonationCompleted(pctx, ev); err != nil {
                s.log.Warn("publish donation.completed failed", "transaction_id", ev.TransactionID, "error", err)
            }
        }()
    }
    return res, err
}

// Cancel handles the donor abandoning payment: the transaction is marked
// failed and its holds are released.  Completed transactions cannot be
// cancelled this way.
func (s *Checkout) Cancel(ctx context.Context, txID string) (int, error) {
    tx, err := s.txs.GetByID(ctx, txID)
    if err != nil {
        return 0, err
    }
    switch tx.Status {
    case model.TxPending:
        return s.fail(ctx, tx)
    case model.TxFailed:
        return 0, nil
    default:
        return 0, fmt.Errorf("transaction %s is %s: %w", tx.ID, tx.Status, repository.ErrConflict)
    }
}

func (s *Checkout) fail(ctx context.Context, tx *model.Transaction) (int, error) {
    ok, err := s.txs.SetStatus(ctx, tx.ID, model.TxFailed, model.TxPending)
    if err != nil {
        return 0, err
    }
    if !ok {
        return 0, fmt.Errorf("transaction %s changed concurrently: %w", tx.ID, repository.ErrConflict)
    }
    ids, err := s.txs.LinkedSquareIDs(ctx, tx.ID)
    if err != nil {
        return 0, err
    }
    if len(ids) == 0 {
        return 0, nil
    }
    // Only the token is authorized: a failed payment never touches
    // squares the donor completed through another transaction.
    rr, err := s.holds.Release(ctx, ids, []string{tx.HoldToken()})
    if err != nil {
        return 0, err
    }
    s.log.Info("checkout failed", "transaction_id", tx.ID, "released", len(rr.Released))
    return len(rr.Released), nil
}

func (s *Checkout) checkoutURL(txID, action string) string {
    u, err := url.JoinPath(s.cfg.PublicBaseURL, "v1", "checkout", txID, action)
    if err != nil {
        return s.cfg.PublicBaseURL
    }
    return u
}

func uniqueIDs(ids []string) []string {
    seen := make(map[string]struct{}, len(ids))
    out := make([]string, 0, len(ids))
    for _, id := range ids {
        if id == "" {
            continue
        }
        if _, ok := seen[id]; !ok {
            seen[id] = struct{}{}
            out = append(out, id)
        }
    }
    return out
}
