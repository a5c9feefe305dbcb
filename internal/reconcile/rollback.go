package reconcile

import (
	"context"
	"fmt"

	"github.com/iliyamo/donation-squares/internal/model"
	"github.com/iliyamo/donation-squares/internal/repository"
)

// Rollback strategies beyond the resolution tiers.
const (
	StrategyDonorFallback = "donor_email_fallback"
	StrategyNone          = "none"
)

// RollbackResult reports what a rollback released.
type RollbackResult struct {
	TransactionID    string   `json:"transaction_id" yaml:"transaction_id"`
	Strategy         string   `json:"strategy" yaml:"strategy"`
	Released         []string `json:"released" yaml:"released"`
	AlreadyAvailable int      `json:"already_available" yaml:"already_available"`
	Skipped          []string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// Rollback releases the squares the transaction holds and deletes the
// transaction with its links.  Squares are found with tiers 1 to 3
// only; amount matching is never used to find squares to release.  When
// nothing resolves, squares claimed by the donor's email that are not
// linked to another transaction are released as a best effort.  Only
// squares whose claimant is the transaction's token or donor email are
// touched, so squares already released are skipped without error.
func (e *Engine) Rollback(ctx context.Context, txID string) (RollbackResult, error) {
	res := RollbackResult{TransactionID: txID, Strategy: StrategyNone}
	tx, err := e.ledger.GetByID(ctx, txID)
	if err != nil {
		return res, err
	}
	log := e.log.With("transaction_id", tx.ID, "campaign_id", tx.CampaignID)

	ids, strategy, err := e.resolveForRelease(ctx, tx)
	if err != nil {
		return res, err
	}
	res.Strategy = strategy
	if strategy == StrategyDonorFallback {
		log.Warn("rollback fell back to donor email", "squares", len(ids))
	}

	if len(ids) > 0 {
		rr, err := e.claims.Release(ctx, ids, tx.Claimants())
		if err != nil {
			return res, fmt.Errorf("release squares: %w", err)
		}
		res.Released = rr.Released
		res.AlreadyAvailable = len(rr.AlreadyAvailable)
		res.Skipped = rr.Conflicts
	}

	if err := e.ledger.Delete(ctx, tx.ID); err != nil {
		return res, fmt.Errorf("delete transaction: %w", err)
	}
	log.Info("rolled back", "strategy", res.Strategy, "released", len(res.Released),
		"already_available", res.AlreadyAvailable, "skipped", len(res.Skipped))
	return res, nil
}

func (e *Engine) resolveForRelease(ctx context.Context, tx *model.Transaction) ([]string, string, error) {
	ids, _, err := e.explicitIDs(ctx, tx)
	if err != nil {
		return nil, "", err
	}
	if len(ids) > 0 {
		return ids, TierExplicit.String(), nil
	}
	c, err := e.tokenTier(ctx, tx)
	if err != nil {
		return nil, "", err
	}
	if c != nil {
		return model.SquareIDs(c.squares), c.tier.String(), nil
	}
	if c, err = e.donorTier(ctx, tx, e.log); err != nil {
		return nil, "", err
	}
	if c != nil {
		return model.SquareIDs(c.squares), c.tier.String(), nil
	}

	email := model.NormalizeEmail(tx.DonorEmail)
	if email == "" {
		return nil, StrategyNone, nil
	}
	squares, err := e.squares.ListByClaimant(ctx, repository.ClaimantQuery{
		CampaignID:      tx.CampaignID,
		Claimant:        email,
		ExcludeLinkedTo: tx.ID,
	})
	if err != nil {
		return nil, "", err
	}
	if len(squares) == 0 {
		return nil, StrategyNone, nil
	}
	return model.SquareIDs(squares), StrategyDonorFallback, nil
}
