// Package repair batch-runs reconciliation over historical transactions
// and reports, per transaction, what was (or would be) resolved.  Runs
// are read-only unless the caller explicitly opts into mutation.
package repair

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iliyamo/donation-squares/internal/model"
	"github.com/iliyamo/donation-squares/internal/reconcile"
	"github.com/iliyamo/donation-squares/internal/repository"
)

// Filter selects the transactions to audit.  Empty fields match all.
type Filter struct {
	CampaignID    string `json:"campaign_id,omitempty" yaml:"campaign_id,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty" yaml:"payment_method,omitempty"`
	Status        string `json:"status,omitempty" yaml:"status,omitempty"`
	Limit         int    `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Options controls a run.  DryRun defaults to true in every entry
// point; only a false value allows holds and promotions.
type Options struct {
	DryRun bool
}

// Entry is the audit line for one transaction.
type Entry struct {
	TransactionID       string         `json:"transaction_id" yaml:"transaction_id"`
	ExpectedTotal       int64          `json:"expected_total" yaml:"expected_total"`
	ResolvedSquareCount int            `json:"resolved_square_count" yaml:"resolved_square_count"`
	ResolvedTotal       int64          `json:"resolved_total" yaml:"resolved_total"`
	TierUsed            reconcile.Tier `json:"tier_used" yaml:"tier_used"`
	Matched             bool           `json:"matched" yaml:"matched"`
	Approximate         bool           `json:"approximate,omitempty" yaml:"approximate,omitempty"`
	Warning             string         `json:"warning,omitempty" yaml:"warning,omitempty"`
	Error               string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary totals a report.
type Summary struct {
	Transactions int `json:"transactions" yaml:"transactions"`
	Matched      int `json:"matched" yaml:"matched"`
	Unmatched    int `json:"unmatched" yaml:"unmatched"`
	Errors       int `json:"errors" yaml:"errors"`
}

// Report is the outcome of a run.
type Report struct {
	DryRun      bool      `json:"dry_run" yaml:"dry_run"`
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
	Filter      Filter    `json:"filter" yaml:"filter"`
	Entries     []Entry   `json:"entries" yaml:"entries"`
	Summary     Summary   `json:"summary" yaml:"summary"`
}

// Reconciler is implemented by *reconcile.Engine.
type Reconciler interface {
	Reconcile(ctx context.Context, txID string) (reconcile.Result, error)
	Plan(ctx context.Context, txID string) (reconcile.Result, error)
}

// TransactionLister is implemented by *repository.TransactionRepo.
type TransactionLister interface {
	List(ctx context.Context, f repository.TransactionFilter) ([]model.Transaction, error)
}

// Auditor runs repair passes.
type Auditor struct {
	txs    TransactionLister
	engine Reconciler
	log    *slog.Logger
}

// NewAuditor builds an Auditor.
func NewAuditor(txs TransactionLister, engine Reconciler, log *slog.Logger) *Auditor {
	if log == nil {
		log = slog.Default()
	}
	return &Auditor{txs: txs, engine: engine, log: log}
}

// Run audits every transaction matching f.  A failure on one
// transaction is recorded on its entry and the run continues; only a
// failure to list transactions or a cancelled context aborts it.
func (a *Auditor) Run(ctx context.Context, f Filter, opts Options) (*Report, error) {
	txs, err := a.txs.List(ctx, repository.TransactionFilter{
		CampaignID:    f.CampaignID,
		PaymentMethod: f.PaymentMethod,
		Status:        f.Status,
		Limit:         f.Limit,
	})
	if err != nil {
		return nil, err
	}

	report := &Report{DryRun: opts.DryRun, GeneratedAt: time.Now().UTC(), Filter: f, Entries: make([]Entry, 0, len(txs))}
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var (
			res reconcile.Result
			err error
		)
		if opts.DryRun {
			res, err = a.engine.Plan(ctx, tx.ID)
		} else {
			res, err = a.engine.Reconcile(ctx, tx.ID)
		}
		entry := Entry{
			TransactionID:       tx.ID,
			ExpectedTotal:       tx.TotalCents,
			ResolvedSquareCount: len(res.SquareIDs),
			ResolvedTotal:       res.ResolvedCents,
			TierUsed:            res.Tier,
			Matched:             err == nil && res.Matched(),
			Approximate:         res.Approximate,
			Warning:             res.Warning,
		}
		if err != nil {
			entry.Error = err.Error()
			if !errors.Is(err, reconcile.ErrInsufficientInventory) && !errors.Is(err, reconcile.ErrOvershootRejected) {
				a.log.Error("repair entry failed", "transaction_id", tx.ID, "error", err)
			}
		}
		report.add(entry)
	}
	a.log.Info("repair run finished", "dry_run", opts.DryRun,
		"transactions", report.Summary.Transactions, "matched", report.Summary.Matched,
		"unmatched", report.Summary.Unmatched, "errors", report.Summary.Errors)
	return report, nil
}

func (r *Report) add(e Entry) {
	r.Entries = append(r.Entries, e)
	r.Summary.Transactions++
	switch {
	case e.Error != "":
		r.Summary.Errors++
	case e.Matched:
		r.Summary.Matched++
	default:
		r.Summary.Unmatched++
	}
}
