// Package reconcile decides which squares a transaction covers and makes
// the store agree.  Resolution walks an ordered list of tiers and stops
// at the first one that yields squares:
//
//  1. explicit links (join rows, else the legacy square_ids column)
//  2. squares held under the transaction's hold token
//  3. squares claimed by the donor's email with the same payment
//     method, accepted only when their values sum to the total
//  4. amount matching over available squares, lowest numbers first
//
// Tiers 2 to 4 write the squares they settle on back as explicit
// links, so every later run stops at tier 1.  Explicit links whose
// values do not sum to the total give way to tiers 2 and 3 when either
// finds squares; amount matching never runs once links exist.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/iliyamo/donation-squares/internal/model"
	"github.com/iliyamo/donation-squares/internal/repository"
	"github.com/iliyamo/donation-squares/internal/reservation"
)

var (
	// ErrInsufficientInventory means amount matching ran out of
	// available squares before reaching the transaction total.
	ErrInsufficientInventory = errors.New("insufficient available inventory")
	// ErrOvershootRejected means amount matching reached the total only
	// by exceeding it more than the overshoot policy allows.
	ErrOvershootRejected = errors.New("amount match overshoot rejected by policy")
	// ErrReconcileConflict means a concurrent claim invalidated an
	// in-progress reconciliation.  Partial holds have been released.
	ErrReconcileConflict = errors.New("conflict during reconciliation")
	// ErrNotReconcilable is returned for failed or refunded transactions.
	ErrNotReconcilable = errors.New("transaction is not reconcilable")
)

// Tier identifies the resolution step that produced a result.
type Tier int

const (
	TierNone Tier = iota
	TierExplicit
	TierToken
	TierDonor
	TierAmount
)

func (t Tier) String() string {
	switch t {
	case TierExplicit:
		return "explicit_link"
	case TierToken:
		return "claimant_token"
	case TierDonor:
		return "donor_email"
	case TierAmount:
		return "amount_match"
	default:
		return "none"
	}
}

// MarshalText renders the tier name in JSON and YAML output.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText parses a tier name written by MarshalText.
func (t *Tier) UnmarshalText(b []byte) error {
	for c := TierNone; c <= TierAmount; c++ {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown tier %q", b)
}

// OvershootPolicy bounds how far amount matching may exceed a total.
// With Exact set any overshoot is rejected; otherwise a positive
// MaxCents is the ceiling.  The zero value accepts whatever the greedy
// walk produces, which is always less than the value of the last
// square it took.
type OvershootPolicy struct {
	Exact    bool
	MaxCents int64
}

// Allows reports whether overshoot cents are acceptable when the last
// square taken was worth lastValue.
func (p OvershootPolicy) Allows(overshoot, lastValue int64) bool {
	switch {
	case overshoot <= 0:
		return true
	case p.Exact:
		return false
	case p.MaxCents > 0:
		return overshoot <= p.MaxCents
	default:
		return overshoot < lastValue
	}
}

// Result describes what a reconciliation resolved (or, for a plan,
// would resolve).
type Result struct {
	TransactionID string   `json:"transaction_id" yaml:"transaction_id"`
	Tier          Tier     `json:"tier" yaml:"tier"`
	SquareIDs     []string `json:"square_ids" yaml:"square_ids"`
	SquareNumbers []int    `json:"square_numbers" yaml:"square_numbers"`
	ResolvedCents int64    `json:"resolved_cents" yaml:"resolved_cents"`
	ExpectedCents int64    `json:"expected_cents" yaml:"expected_cents"`
	Approximate   bool     `json:"approximate" yaml:"approximate"`
	Promoted      int      `json:"promoted" yaml:"promoted"`
	Conflicts     []string `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Warning       string   `json:"warning,omitempty" yaml:"warning,omitempty"`
	DryRun        bool     `json:"dry_run" yaml:"dry_run"`
}

// Matched reports whether the resolved squares account for exactly the
// expected amount with no conflicting squares.
func (r Result) Matched() bool {
	if len(r.Conflicts) > 0 {
		return false
	}
	return r.ResolvedCents == r.ExpectedCents && (r.Tier != TierNone || r.ExpectedCents == 0)
}

// SquareStore is the read side of the inventory the engine needs.
type SquareStore interface {
	GetByIDs(ctx context.Context, campaignID string, ids []string) ([]model.Square, error)
	ListByClaimant(ctx context.Context, q repository.ClaimantQuery) ([]model.Square, error)
	ListAvailable(ctx context.Context, campaignID string) ([]model.Square, error)
}

// Ledger is the transaction store the engine needs.
type Ledger interface {
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
	LinkedSquareIDs(ctx context.Context, txID string) ([]string, error)
	SetLinks(ctx context.Context, txID string, squareIDs []string) error
	SetStatus(ctx context.Context, id, status string, from ...string) (bool, error)
	SetWarning(ctx context.Context, id string, warning *string) error
	Delete(ctx context.Context, id string) error
}

// Claims applies claim transitions; *reservation.Manager implements it.
type Claims interface {
	PlaceHold(ctx context.Context, campaignID string, squareIDs []string, token, donorName, paymentType string) (reservation.HoldResult, error)
	Promote(ctx context.Context, squareIDs []string, token, claimant, donorName string) (reservation.PromoteResult, error)
	Release(ctx context.Context, squareIDs []string, claimants []string) (reservation.ReleaseResult, error)
}

// Notifier is told about new reconciliation warnings.
type Notifier interface {
	ReconciliationWarning(ctx context.Context, tx model.Transaction, warning string)
}

// Engine runs reconciliations and rollbacks.
type Engine struct {
	squares SquareStore
	ledger  Ledger
	claims  Claims
	policy  OvershootPolicy
	notify  Notifier
	log     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the overshoot policy used by amount matching.
func WithPolicy(p OvershootPolicy) Option { return func(e *Engine) { e.policy = p } }

// WithNotifier registers a receiver for reconciliation warnings.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notify = n } }

// New builds an Engine.
func New(squares SquareStore, ledger Ledger, claims Claims, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{squares: squares, ledger: ledger, claims: claims, log: log}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Reconcile resolves the transaction's squares, promotes them to the
// donor and marks the transaction completed.  It is safe to call any
// number of times.  ErrInsufficientInventory and ErrOvershootRejected
// leave the transaction completed with a persisted warning; other
// errors leave it unchanged.
func (e *Engine) Reconcile(ctx context.Context, txID string) (Result, error) {
	return e.run(ctx, txID, false)
}

// Plan reports what Reconcile would do without changing anything.
// Plans for different transactions are computed independently, so two
// amount-matching plans may name the same available squares.
func (e *Engine) Plan(ctx context.Context, txID string) (Result, error) {
	return e.run(ctx, txID, true)
}

func (e *Engine) run(ctx context.Context, txID string, dryRun bool) (Result, error) {
	res := Result{TransactionID: txID, DryRun: dryRun}
	tx, err := e.ledger.GetByID(ctx, txID)
	if err != nil {
		return res, err
	}
	res.ExpectedCents = tx.TotalCents
	if tx.Status == model.TxFailed || tx.Status == model.TxRefunded {
		return res, fmt.Errorf("transaction %s is %s: %w", tx.ID, tx.Status, ErrNotReconcilable)
	}
	log := e.log.With("transaction_id", tx.ID, "campaign_id", tx.CampaignID, "dry_run", dryRun)

	if tx.TotalCents <= 0 {
		return res, e.finish(ctx, tx, &res)
	}

	explicit, dangling, err := e.explicitTier(ctx, tx)
	if err != nil {
		return res, err
	}
	c := explicit
	if c == nil || model.SumValues(c.squares) != tx.TotalCents {
		// Links that do not add up may be stale; holds and donor
		// claims take precedence over them.
		fallback, err := e.tokenTier(ctx, tx)
		if err != nil {
			return res, err
		}
		if fallback == nil {
			if fallback, err = e.donorTier(ctx, tx, log); err != nil {
				return res, err
			}
		}
		if fallback != nil {
			if c != nil {
				log.Warn("stale square links replaced", "linked_cents", model.SumValues(c.squares),
					"tier", fallback.tier.String())
			}
			c = fallback
		}
	}
	if c != nil {
		if err := e.apply(ctx, tx, c, &res); err != nil {
			return res, err
		}
		if !res.Matched() && res.Warning == "" {
			res.Warning = mismatchWarning(res)
		}
		log.Info("reconciled", "tier", res.Tier.String(), "squares", len(res.SquareIDs),
			"resolved_cents", res.ResolvedCents, "expected_cents", res.ExpectedCents, "conflicts", len(res.Conflicts))
		return res, e.finish(ctx, tx, &res)
	}

	if len(dangling) > 0 {
		res.Warning = fmt.Sprintf("linked squares not found in campaign: %v; amount matching skipped", dangling)
		log.Warn("dangling square links", "square_ids", dangling)
		return res, e.finish(ctx, tx, &res)
	}

	amountErr := e.amountTier(ctx, tx, &res, log)
	if amountErr != nil && !errors.Is(amountErr, ErrInsufficientInventory) && !errors.Is(amountErr, ErrOvershootRejected) {
		return res, amountErr
	}
	if err := e.finish(ctx, tx, &res); err != nil {
		return res, err
	}
	return res, amountErr
}

// finish persists the outcome: the transaction becomes completed and its
// warning is set or cleared.  Dry runs persist nothing.
func (e *Engine) finish(ctx context.Context, tx *model.Transaction, res *Result) error {
	if res.DryRun {
		return nil
	}
	changed, err := e.ledger.SetStatus(ctx, tx.ID, model.TxCompleted, model.TxPending)
	if err != nil {
		return fmt.Errorf("mark transaction completed: %w", err)
	}
	if !changed {
		if err := e.checkStillOwned(ctx, tx, res); err != nil {
			return err
		}
	}
	var warning *string
	if res.Warning != "" {
		warning = &res.Warning
	}
	previous := ""
	if tx.ReconcileWarning != nil {
		previous = *tx.ReconcileWarning
	}
	if previous != res.Warning {
		if err := e.ledger.SetWarning(ctx, tx.ID, warning); err != nil {
			return fmt.Errorf("store reconcile warning: %w", err)
		}
		if res.Warning != "" && e.notify != nil {
			e.notify.ReconciliationWarning(ctx, *tx, res.Warning)
		}
	}
	return nil
}

// checkStillOwned runs when the pending → completed update matched no
// row.  A transaction that is completed already is fine; any other
// status means it changed underneath the run, so the squares just
// resolved are released and ErrReconcileConflict is returned.
func (e *Engine) checkStillOwned(ctx context.Context, tx *model.Transaction, res *Result) error {
	current, err := e.ledger.GetByID(ctx, tx.ID)
	switch {
	case err == nil && current.Status == model.TxCompleted:
		return nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("reload transaction: %w", err)
	}
	status := "deleted"
	if current != nil {
		status = current.Status
	}
	if len(res.SquareIDs) > 0 {
		if _, relErr := e.claims.Release(ctx, res.SquareIDs, tx.Claimants()); relErr != nil {
			e.log.Error("release squares of changed transaction", "transaction_id", tx.ID, "error", relErr)
		}
	}
	e.log.Warn("transaction changed during reconciliation", "transaction_id", tx.ID, "status", status,
		"released", len(res.SquareIDs))
	fillResolved(res, nil, nil)
	res.Promoted = 0
	return fmt.Errorf("transaction %s became %s: %w", tx.ID, status, ErrReconcileConflict)
}

func mismatchWarning(res Result) string {
	if len(res.Conflicts) > 0 {
		return fmt.Sprintf("%d square(s) claimed by another donor: %v", len(res.Conflicts), res.Conflicts)
	}
	return fmt.Sprintf("resolved %d cents for expected %d", res.ResolvedCents, res.ExpectedCents)
}
