package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/iliyamo/donation-squares/internal/linkage"
	"github.com/iliyamo/donation-squares/internal/model"
	"github.com/iliyamo/donation-squares/internal/repository"
)

// candidate is a set of squares a tier attributed to a transaction.
type candidate struct {
	tier    Tier
	squares []model.Square // number order
	// relink is the link set to persist after promotion; nil keeps the
	// stored links.  When promoted is true only the squares that ended
	// up completed for the donor are written.
	relink   []string
	promoted bool
}

// explicitIDs reads the transaction's explicit links: join rows when
// any exist, else the legacy column.  fromLegacy reports the latter.
func (e *Engine) explicitIDs(ctx context.Context, tx *model.Transaction) (ids []string, fromLegacy bool, err error) {
	ids, err = e.ledger.LinkedSquareIDs(ctx, tx.ID)
	if err != nil {
		return nil, false, err
	}
	if len(ids) > 0 {
		return ids, false, nil
	}
	parsed := linkage.Parse(tx.SquareIDsRaw)
	if parsed.Malformed() {
		e.log.Warn("ignoring malformed square_ids", "transaction_id", tx.ID, "error", parsed.Err)
		return nil, false, nil
	}
	return parsed.IDs, true, nil
}

// explicitTier resolves stored links.  Linked ids that do not exist in
// the campaign are returned as dangling.
func (e *Engine) explicitTier(ctx context.Context, tx *model.Transaction) (*candidate, []string, error) {
	ids, fromLegacy, err := e.explicitIDs(ctx, tx)
	if err != nil || len(ids) == 0 {
		return nil, nil, err
	}
	squares, err := e.squares.GetByIDs(ctx, tx.CampaignID, ids)
	if err != nil {
		return nil, nil, err
	}
	if len(squares) == 0 {
		return nil, ids, nil
	}
	c := &candidate{tier: TierExplicit, squares: squares}
	if fromLegacy {
		// Copy the legacy link into the join table.
		c.relink = model.SquareIDs(squares)
	}
	return c, nil, nil
}

func (e *Engine) tokenTier(ctx context.Context, tx *model.Transaction) (*candidate, error) {
	squares, err := e.squares.ListByClaimant(ctx, repository.ClaimantQuery{
		CampaignID: tx.CampaignID,
		Claimant:   tx.HoldToken(),
	})
	if err != nil || len(squares) == 0 {
		return nil, err
	}
	return &candidate{tier: TierToken, squares: squares, promoted: true}, nil
}

func (e *Engine) donorTier(ctx context.Context, tx *model.Transaction, log *slog.Logger) (*candidate, error) {
	email := model.NormalizeEmail(tx.DonorEmail)
	if email == "" {
		return nil, nil
	}
	squares, err := e.squares.ListByClaimant(ctx, repository.ClaimantQuery{
		CampaignID:      tx.CampaignID,
		Claimant:        email,
		PaymentType:     tx.PaymentMethod,
		ExcludeLinkedTo: tx.ID,
	})
	if err != nil || len(squares) == 0 {
		return nil, err
	}
	if sum := model.SumValues(squares); sum != tx.TotalCents {
		log.Info("donor squares rejected: partial match",
			"squares", len(squares), "sum_cents", sum, "expected_cents", tx.TotalCents)
		return nil, nil
	}
	return &candidate{tier: TierDonor, squares: squares, promoted: true}, nil
}

// classify splits squares into those the transaction may claim and
// those owned by someone else.  Claimable squares are grouped by the
// claimant currently holding them; available squares are keyed by "".
func classify(tx *model.Transaction, squares []model.Square) (claimable map[string][]string, done, conflicts []string) {
	mine := make(map[string]bool)
	for _, c := range tx.Claimants() {
		mine[c] = true
	}
	claimable = make(map[string][]string)
	for _, s := range squares {
		switch s.State() {
		case model.StateAvailable:
			claimable[""] = append(claimable[""], s.ID)
		case model.StateHeld:
			if mine[s.Claimant()] {
				claimable[s.Claimant()] = append(claimable[s.Claimant()], s.ID)
			} else {
				conflicts = append(conflicts, s.ID)
			}
		case model.StateCompleted:
			if mine[s.Claimant()] {
				done = append(done, s.ID)
			} else {
				conflicts = append(conflicts, s.ID)
			}
		}
	}
	return claimable, done, conflicts
}

// apply claims and promotes a candidate's squares and fills res.  In a
// dry run it only classifies them.
func (e *Engine) apply(ctx context.Context, tx *model.Transaction, c *candidate, res *Result) error {
	res.Tier = c.tier
	claimable, done, conflicts := classify(tx, c.squares)
	completed := make(map[string]bool)
	for _, id := range done {
		completed[id] = true
	}

	if res.DryRun {
		for _, ids := range claimable {
			for _, id := range ids {
				completed[id] = true
			}
		}
		res.Conflicts = conflicts
		fillResolved(res, c.squares, completed)
		return nil
	}

	if avail := claimable[""]; len(avail) > 0 {
		hr, err := e.claims.PlaceHold(ctx, tx.CampaignID, avail, tx.HoldToken(), tx.DonorName, tx.PaymentMethod)
		if err != nil {
			return err
		}
		conflicts = append(conflicts, hr.Conflicts...)
		conflicts = append(conflicts, hr.Missing...)
		claimable[tx.HoldToken()] = append(claimable[tx.HoldToken()], hr.Held...)
		delete(claimable, "")
	}

	holders := make([]string, 0, len(claimable))
	for h := range claimable {
		holders = append(holders, h)
	}
	sort.Strings(holders)
	for _, holder := range holders {
		pr, err := e.claims.Promote(ctx, claimable[holder], holder, tx.PermanentClaimant(), tx.DonorName)
		if err != nil {
			return err
		}
		for _, id := range pr.Done() {
			completed[id] = true
		}
		res.Promoted += len(pr.Promoted)
		conflicts = append(conflicts, pr.Conflicts...)
		conflicts = append(conflicts, pr.Missing...)
	}
	res.Conflicts = conflicts
	fillResolved(res, c.squares, completed)

	relink := c.relink
	if c.promoted {
		relink = res.SquareIDs
	}
	if len(relink) > 0 {
		if err := e.ledger.SetLinks(ctx, tx.ID, relink); err != nil {
			return fmt.Errorf("backfill links: %w", err)
		}
	}
	return nil
}

func fillResolved(res *Result, squares []model.Square, keep map[string]bool) {
	res.SquareIDs = res.SquareIDs[:0]
	res.SquareNumbers = res.SquareNumbers[:0]
	res.ResolvedCents = 0
	for _, s := range squares {
		if !keep[s.ID] {
			continue
		}
		res.SquareIDs = append(res.SquareIDs, s.ID)
		res.SquareNumbers = append(res.SquareNumbers, s.Number)
		res.ResolvedCents += s.ValueCents
	}
}

// amountTier is the last resort: take available squares in ascending
// number order until their values reach the total.
func (e *Engine) amountTier(ctx context.Context, tx *model.Transaction, res *Result, log *slog.Logger) error {
	available, err := e.squares.ListAvailable(ctx, tx.CampaignID)
	if err != nil {
		return err
	}
	var (
		picked  []model.Square
		running int64
	)
	for _, s := range available {
		if running >= tx.TotalCents {
			break
		}
		picked = append(picked, s)
		running += s.ValueCents
	}
	if running < tx.TotalCents {
		res.Warning = fmt.Sprintf("insufficient inventory: %d cents available for expected %d", running, tx.TotalCents)
		log.Warn("amount matching failed", "available_cents", running, "expected_cents", tx.TotalCents)
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrInsufficientInventory)
	}
	overshoot := running - tx.TotalCents
	if !e.policy.Allows(overshoot, picked[len(picked)-1].ValueCents) {
		res.Warning = fmt.Sprintf("amount match rejected: overshoot of %d cents exceeds policy", overshoot)
		log.Warn("amount matching rejected", "overshoot_cents", overshoot)
		return fmt.Errorf("transaction %s: overshoot %d cents: %w", tx.ID, overshoot, ErrOvershootRejected)
	}

	res.Tier = TierAmount
	res.Approximate = overshoot > 0
	all := make(map[string]bool, len(picked))
	for _, s := range picked {
		all[s.ID] = true
	}
	ids := model.SquareIDs(picked)

	if !res.DryRun {
		hr, err := e.claims.PlaceHold(ctx, tx.CampaignID, ids, tx.HoldToken(), tx.DonorName, tx.PaymentMethod)
		if err != nil {
			return err
		}
		if err := hr.Err(); err != nil {
			if _, relErr := e.claims.Release(ctx, hr.Held, []string{tx.HoldToken()}); relErr != nil {
				log.Error("release partial amount-match holds", "error", relErr)
			}
			return fmt.Errorf("transaction %s: %w: %v", tx.ID, ErrReconcileConflict, err)
		}
		pr, err := e.claims.Promote(ctx, ids, tx.HoldToken(), tx.PermanentClaimant(), tx.DonorName)
		if err != nil {
			return err
		}
		if len(pr.Conflicts) > 0 || len(pr.Missing) > 0 {
			if _, relErr := e.claims.Release(ctx, ids, tx.Claimants()); relErr != nil {
				log.Error("release amount-match squares", "error", relErr)
			}
			return fmt.Errorf("transaction %s: %w: promotion lost %v", tx.ID, ErrReconcileConflict, pr.Conflicts)
		}
		res.Promoted = len(pr.Promoted)
		if err := e.ledger.SetLinks(ctx, tx.ID, ids); err != nil {
			return fmt.Errorf("backfill links: %w", err)
		}
	}
	fillResolved(res, picked, all)

	if res.Approximate {
		res.Warning = mismatchWarning(*res)
		log.Warn("approximate reconciliation", "overshoot_cents", overshoot,
			"square_numbers", res.SquareNumbers)
	}
	return nil
}
