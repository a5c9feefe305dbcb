package repository // repository defines data access for squares

import (
	"context"      // context allows query cancellation and timeouts
	"database/sql" // sql provides DB primitives
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/donation-squares/internal/model"
)

const squareColumns = `id, campaign_id, grid_row, grid_col, number, value_cents,
	claimed_by, donor_name, payment_status, payment_type, claimed_at`

// insertChunk bounds the rows per multi-row INSERT.
const insertChunk = 400

// SquareRepo is the inventory store.  Every claim transition is a
// single conditional UPDATE keyed on the current claimant so that the
// database's row locking is the only mutual exclusion; the boolean
// results report whether the predicate matched.
type SquareRepo struct {
	db *sql.DB
}

// NewSquareRepo constructs a SquareRepo with the given DB handle.
func NewSquareRepo(db *sql.DB) *SquareRepo {
	return &SquareRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSquare(sc rowScanner) (model.Square, error) {
	var (
		s                                   model.Square
		claimedBy, donorName, status, ptype sql.NullString
		claimedAt                           sql.NullTime
	)
	if err := sc.Scan(&s.ID, &s.CampaignID, &s.Row, &s.Col, &s.Number, &s.ValueCents,
		&claimedBy, &donorName, &status, &ptype, &claimedAt); err != nil {
		return s, err
	}
	s.ClaimedBy = stringPtr(claimedBy)
	s.DonorName = stringPtr(donorName)
	s.PaymentStatus = stringPtr(status)
	s.PaymentType = stringPtr(ptype)
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		s.ClaimedAt = &t
	}
	return s, nil
}

func querySquares(ctx context.Context, q querier, query string, args ...any) ([]model.Square, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Square
	for rows.Next() {
		s, err := scanSquare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateBulkTx inserts squares inside the caller's transaction.  Claim
// columns are left NULL.  Passing an empty slice has no effect.
func (r *SquareRepo) CreateBulkTx(ctx context.Context, tx *sql.Tx, squares []model.Square) error {
	for start := 0; start < len(squares); start += insertChunk {
		end := start + insertChunk
		if end > len(squares) {
			end = len(squares)
		}
		batch := squares[start:end]
		query := `INSERT INTO squares (id, campaign_id, grid_row, grid_col, number, value_cents) VALUES `
		args := make([]any, 0, len(batch)*6)
		for i, s := range batch {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, ?, ?, ?)"
			args = append(args, s.ID, s.CampaignID, s.Row, s.Col, s.Number, s.ValueCents)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// GetByID retrieves a square by its id.
func (r *SquareRepo) GetByID(ctx context.Context, id string) (*model.Square, error) {
	s, err := scanSquare(r.db.QueryRowContext(ctx, `SELECT `+squareColumns+` FROM squares WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("square %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

// GetByIDs returns the squares of a campaign with the given ids ordered
// by number.  Unknown ids are silently absent from the result.
func (r *SquareRepo) GetByIDs(ctx context.Context, campaignID string, ids []string) ([]model.Square, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + squareColumns + ` FROM squares
	          WHERE campaign_id = ? AND id IN (` + placeholders(len(ids)) + `)
	          ORDER BY number`
	args := append([]any{campaignID}, stringArgs(ids)...)
	return querySquares(ctx, r.db, query, args...)
}

// ListByCampaign returns the whole grid of a campaign ordered by number.
func (r *SquareRepo) ListByCampaign(ctx context.Context, campaignID string) ([]model.Square, error) {
	return querySquares(ctx, r.db,
		`SELECT `+squareColumns+` FROM squares WHERE campaign_id = ? ORDER BY number`, campaignID)
}

// ListAvailable returns unclaimed squares ordered by ascending number.
func (r *SquareRepo) ListAvailable(ctx context.Context, campaignID string) ([]model.Square, error) {
	return querySquares(ctx, r.db,
		`SELECT `+squareColumns+` FROM squares
		 WHERE campaign_id = ? AND claimed_by IS NULL
		 ORDER BY number`, campaignID)
}

// ClaimantQuery selects squares of a campaign by claimant.
type ClaimantQuery struct {
	CampaignID  string
	Claimant    string
	PaymentType string // optional exact match on payment_type
	// ExcludeLinkedTo drops squares linked to any transaction other than
	// this one, so a donor's squares from another donation are never
	// attributed to the transaction being resolved.
	ExcludeLinkedTo string
}

// ListByClaimant returns held or completed squares whose claimed_by
// matches the query, ordered by number.
func (r *SquareRepo) ListByClaimant(ctx context.Context, q ClaimantQuery) ([]model.Square, error) {
	query := `SELECT ` + squareColumns + ` FROM squares s
	          WHERE s.campaign_id = ? AND s.claimed_by = ?`
	args := []any{q.CampaignID, q.Claimant}
	if q.PaymentType != "" {
		query += ` AND s.payment_type = ?`
		args = append(args, q.PaymentType)
	}
	if q.ExcludeLinkedTo != "" {
		query += ` AND NOT EXISTS (SELECT 1 FROM transaction_squares ts
		                           WHERE ts.square_id = s.id AND ts.transaction_id <> ?)`
		args = append(args, q.ExcludeLinkedTo)
	}
	query += ` ORDER BY s.number`
	return querySquares(ctx, r.db, query, args...)
}

// ListStaleHolds returns pending squares held by a checkout token whose
// hold was placed at or before cutoff.
func (r *SquareRepo) ListStaleHolds(ctx context.Context, campaignID string, cutoff time.Time) ([]model.Square, error) {
	return querySquares(ctx, r.db,
		`SELECT `+squareColumns+` FROM squares
		 WHERE campaign_id = ? AND payment_status = ?
		   AND claimed_by LIKE ? ESCAPE '!' AND claimed_at <= ?
		 ORDER BY number`,
		campaignID, model.PaymentPending, "temp!_%", cutoff.UTC())
}

// Exists reports whether a square with the id belongs to the campaign.
func (r *SquareRepo) Exists(ctx context.Context, campaignID, id string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM squares WHERE campaign_id = ? AND id = ?`, campaignID, id).Scan(&n)
	return n > 0, err
}

// Hold claims an available square for token.  It returns false when
// the square is not available (or does not exist in the campaign).
func (r *SquareRepo) Hold(ctx context.Context, campaignID, id, token, donorName, paymentType string, at time.Time) (bool, error) {
	const q = `UPDATE squares
	           SET claimed_by = ?, donor_name = ?, payment_status = ?, payment_type = ?, claimed_at = ?
	           WHERE id = ? AND campaign_id = ? AND claimed_by IS NULL`
	res, err := r.db.ExecContext(ctx, q, token, donorName, model.PaymentPending, nullIfEmpty(paymentType), at.UTC(), id, campaignID)
	return affectedOne(res, err)
}

// Promote turns a pending claim held by expected into a completed claim
// owned by claimant.  It returns false when the square is not held by
// expected.
func (r *SquareRepo) Promote(ctx context.Context, id, expected, claimant, donorName string) (bool, error) {
	const q = `UPDATE squares
	           SET claimed_by = ?, donor_name = ?, payment_status = ?
	           WHERE id = ? AND claimed_by = ? AND payment_status = ?`
	res, err := r.db.ExecContext(ctx, q, claimant, donorName, model.PaymentCompleted, id, expected, model.PaymentPending)
	return affectedOne(res, err)
}

// Release returns a square to available when its claimant is one of
// claimants.  It returns false when nothing matched.
func (r *SquareRepo) Release(ctx context.Context, id string, claimants []string) (bool, error) {
	if len(claimants) == 0 {
		return false, errors.New("release requires at least one claimant")
	}
	query := `UPDATE squares
	          SET claimed_by = NULL, donor_name = NULL, payment_status = NULL, payment_type = NULL, claimed_at = NULL
	          WHERE id = ? AND claimed_by IN (` + placeholders(len(claimants)) + `)`
	args := append([]any{id}, stringArgs(claimants)...)
	res, err := r.db.ExecContext(ctx, query, args...)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
