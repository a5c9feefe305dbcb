// Package reservation owns every claim transition on squares: placing
// temporary holds, promoting holds to permanent claims and releasing
// them.  Each transition is one conditional UPDATE per square, so two
// callers racing for the same square can never both succeed; the
// loser learns about it from the result and is never retried or given
// a substitute square.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iliyamo/donation-squares/internal/model"
	"github.com/iliyamo/donation-squares/internal/repository"
)

// ClaimError reports the squares that could not be claimed.  It wraps
// repository.ErrAlreadyClaimed when any square was taken by someone
// else and repository.ErrNotFound when only missing squares failed.
type ClaimError struct {
	Conflicts []string
	Missing   []string
}

func (e *ClaimError) Error() string {
	var parts []string
	if len(e.Conflicts) > 0 {
		parts = append(parts, "unavailable: "+strings.Join(e.Conflicts, ","))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, "not found: "+strings.Join(e.Missing, ","))
	}
	return "claim failed (" + strings.Join(parts, "; ") + ")"
}

func (e *ClaimError) Unwrap() error {
	if len(e.Conflicts) > 0 {
		return repository.ErrAlreadyClaimed
	}
	return repository.ErrNotFound
}

// Store is the subset of the square repository the manager needs.
type Store interface {
	GetByID(ctx context.Context, id string) (*model.Square, error)
	Exists(ctx context.Context, campaignID, id string) (bool, error)
	Hold(ctx context.Context, campaignID, id, token, donorName, paymentType string, at time.Time) (bool, error)
	Promote(ctx context.Context, id, expected, claimant, donorName string) (bool, error)
	Release(ctx context.Context, id string, claimants []string) (bool, error)
	ListStaleHolds(ctx context.Context, campaignID string, cutoff time.Time) ([]model.Square, error)
}

// TransactionLookup resolves the transaction behind a hold token.
type TransactionLookup interface {
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
}

// Manager applies claim transitions.
type Manager struct {
	store Store
	txs   TransactionLookup
	log   *slog.Logger
	now   func() time.Time
}

// NewManager wires a Manager.  txs may be nil when SweepStaleHolds is
// not used.
func NewManager(store Store, txs TransactionLookup, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, txs: txs, log: log, now: time.Now}
}

// HoldResult partitions the requested squares by outcome.
type HoldResult struct {
	Held      []string
	Conflicts []string
	Missing   []string
}

// Err returns a *ClaimError when any square failed, nil otherwise.
func (r HoldResult) Err() error {
	if len(r.Conflicts) == 0 && len(r.Missing) == 0 {
		return nil
	}
	return &ClaimError{Conflicts: r.Conflicts, Missing: r.Missing}
}

// PlaceHold claims each available square for token.  Squares already
// claimed, by anyone, are reported as conflicts; ids outside the
// campaign are reported as missing.  Partial success is returned as is:
// the caller decides whether to keep or release what was held.
func (m *Manager) PlaceHold(ctx context.Context, campaignID string, squareIDs []string, token, donorName, paymentType string) (HoldResult, error) {
	var res HoldResult
	at := m.now().UTC().Truncate(time.Second)
	for _, id := range dedupe(squareIDs) {
		ok, err := m.store.Hold(ctx, campaignID, id, token, donorName, paymentType, at)
		if err != nil {
			return res, fmt.Errorf("hold square %s: %w", id, err)
		}
		if ok {
			res.Held = append(res.Held, id)
			continue
		}
		exists, err := m.store.Exists(ctx, campaignID, id)
		if err != nil {
			return res, fmt.Errorf("check square %s: %w", id, err)
		}
		if exists {
			res.Conflicts = append(res.Conflicts, id)
		} else {
			res.Missing = append(res.Missing, id)
		}
	}
	if len(res.Conflicts) > 0 || len(res.Missing) > 0 {
		m.log.Info("hold partially failed",
			"campaign_id", campaignID, "token", token,
			"held", len(res.Held), "conflicts", res.Conflicts, "missing", res.Missing)
	}
	return res, nil
}

// PromoteResult partitions squares by promotion outcome.
type PromoteResult struct {
	Promoted         []string
	AlreadyCompleted []string
	Conflicts        []string
	Missing          []string
}

// Done lists every square that ends up completed for the claimant.
func (r PromoteResult) Done() []string {
	out := make([]string, 0, len(r.Promoted)+len(r.AlreadyCompleted))
	out = append(out, r.Promoted...)
	return append(out, r.AlreadyCompleted...)
}

// Promote converts holds placed under token into completed claims owned
// by claimant.  A square that is already completed for claimant is a
// no-op; any other state is a conflict.
func (m *Manager) Promote(ctx context.Context, squareIDs []string, token, claimant, donorName string) (PromoteResult, error) {
	var res PromoteResult
	for _, id := range dedupe(squareIDs) {
		ok, err := m.store.Promote(ctx, id, token, claimant, donorName)
		if err != nil {
			return res, fmt.Errorf("promote square %s: %w", id, err)
		}
		if ok {
			res.Promoted = append(res.Promoted, id)
			continue
		}
		sq, err := m.store.GetByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			res.Missing = append(res.Missing, id)
			continue
		}
		if err != nil {
			return res, err
		}
		if sq.State() == model.StateCompleted && sq.Claimant() == claimant {
			res.AlreadyCompleted = append(res.AlreadyCompleted, id)
			continue
		}
		res.Conflicts = append(res.Conflicts, id)
	}
	if len(res.Conflicts) > 0 {
		m.log.Warn("promotion conflicts", "token", token, "claimant", claimant, "conflicts", res.Conflicts)
	}
	return res, nil
}

// ReleaseResult partitions squares by release outcome.
type ReleaseResult struct {
	Released         []string
	AlreadyAvailable []string
	Conflicts        []string
}

// Release returns squares to available when their current claimant is
// one of claimants.  Releasing an available square is a no-op; a
// square owned by anyone else is left untouched and reported.
func (m *Manager) Release(ctx context.Context, squareIDs []string, claimants []string) (ReleaseResult, error) {
	var res ReleaseResult
	if len(claimants) == 0 {
		return res, errors.New("release requires at least one claimant")
	}
	for _, id := range dedupe(squareIDs) {
		ok, err := m.store.Release(ctx, id, claimants)
		if err != nil {
			return res, fmt.Errorf("release square %s: %w", id, err)
		}
		if ok {
			res.Released = append(res.Released, id)
			continue
		}
		sq, err := m.store.GetByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		if sq.State() == model.StateAvailable {
			res.AlreadyAvailable = append(res.AlreadyAvailable, id)
		} else {
			res.Conflicts = append(res.Conflicts, id)
		}
	}
	if len(res.Conflicts) > 0 {
		m.log.Warn("release skipped squares owned by another claimant", "conflicts", res.Conflicts)
	}
	return res, nil
}

// SweepStaleHolds releases temporary holds placed at least olderThan
// ago whose transaction has not completed.  It returns the ids of the
// released squares.
func (m *Manager) SweepStaleHolds(ctx context.Context, campaignID string, olderThan time.Duration) ([]string, error) {
	cutoff := m.now().Add(-olderThan)
	stale, err := m.store.ListStaleHolds(ctx, campaignID, cutoff)
	if err != nil {
		return nil, err
	}
	var released []string
	status := map[string]string{}
	for _, sq := range stale {
		token := sq.Claimant()
		txID, ok := model.TransactionIDFromToken(token)
		if !ok {
			continue
		}
		st, seen := status[txID]
		if !seen && m.txs != nil {
			tx, err := m.txs.GetByID(ctx, txID)
			switch {
			case err == nil:
				st = tx.Status
			case errors.Is(err, repository.ErrNotFound):
				st = ""
			default:
				return released, err
			}
			status[txID] = st
		}
		if st == model.TxCompleted {
			continue
		}
		ok, err := m.store.Release(ctx, sq.ID, []string{token})
		if err != nil {
			return released, fmt.Errorf("release square %s: %w", sq.ID, err)
		}
		if ok {
			released = append(released, sq.ID)
		}
	}
	m.log.Info("swept stale holds", "campaign_id", campaignID, "cutoff", cutoff.UTC(), "released", len(released))
	return released, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
