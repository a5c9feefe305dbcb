package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/donation-squares/internal/linkage"
	"github.com/iliyamo/donation-squares/internal/model"
)

// TransactionRepo is the transaction ledger.  The square link of a
// transaction is stored twice: authoritatively in transaction_squares
// and, for older readers, as a JSON list in transactions.square_ids.
// Both are always written together in one database transaction.
type TransactionRepo struct {
	db *sql.DB
}

// NewTransactionRepo returns a TransactionRepo bound to the given database.
func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

const transactionColumns = `id, campaign_id, total_cents, donor_name, donor_email, payment_method, status,
	square_ids, provider_order_ref, reconcile_warning, created_at`

// TransactionFilter narrows List.  Empty fields match everything.
type TransactionFilter struct {
	CampaignID    string
	PaymentMethod string
	Status        string
	Limit         int
}

func scanTransaction(sc rowScanner) (model.Transaction, error) {
	var (
		t                     model.Transaction
		raw, ref, warning     sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.CampaignID, &t.TotalCents, &t.DonorName, &t.DonorEmail,
		&t.PaymentMethod, &t.Status, &raw, &ref, &warning, &t.CreatedAt); err != nil {
		return t, err
	}
	t.SquareIDsRaw = stringPtr(raw)
	t.ProviderOrderRef = stringPtr(ref)
	t.ReconcileWarning = stringPtr(warning)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// Create inserts t together with its links to squareIDs.  An empty ID
// is replaced by a new UUID and an empty status defaults to pending.
// The ID, status and creation time are written back to t.
func (r *TransactionRepo) Create(ctx context.Context, t *model.Transaction, squareIDs []string) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.TxPending
	}
	t.DonorEmail = model.NormalizeEmail(t.DonorEmail)
	t.CreatedAt = time.Now().UTC().Truncate(time.Second)
	encoded := linkage.Encode(squareIDs)

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		const q = `INSERT INTO transactions (` + transactionColumns + `)
		           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, q, t.ID, t.CampaignID, t.TotalCents, t.DonorName, t.DonorEmail,
			t.PaymentMethod, t.Status, encoded, nullString(t.ProviderOrderRef),
			nullString(t.ReconcileWarning), t.CreatedAt); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		t.SquareIDsRaw = &encoded
		return insertLinks(ctx, tx, t.ID, squareIDs)
	})
}

// CreateLegacy inserts a transaction exactly as given, with the raw
// square_ids value stored verbatim and no join rows.  It exists for
// imports of historical rows.
func (r *TransactionRepo) CreateLegacy(ctx context.Context, t *model.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	const q = `INSERT INTO transactions (` + transactionColumns + `)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, t.ID, t.CampaignID, t.TotalCents, t.DonorName, t.DonorEmail,
		t.PaymentMethod, t.Status, nullString(t.SquareIDsRaw), nullString(t.ProviderOrderRef),
		nullString(t.ReconcileWarning), t.CreatedAt.UTC())
	return err
}

func insertLinks(ctx context.Context, tx *sql.Tx, txID string, squareIDs []string) error {
	seen := make(map[string]struct{}, len(squareIDs))
	query := `INSERT INTO transaction_squares (transaction_id, square_id) VALUES `
	args := make([]any, 0, len(squareIDs)*2)
	for _, id := range squareIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if len(args) > 0 {
			query += ","
		}
		query += "(?, ?)"
		args = append(args, txID, id)
	}
	if len(args) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// GetByID retrieves a transaction by id.
func (r *TransactionRepo) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

// LinkedSquareIDs returns the square ids recorded in the join table
// for the transaction, ordered by square number.
func (r *TransactionRepo) LinkedSquareIDs(ctx context.Context, txID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ts.square_id FROM transaction_squares ts
		 LEFT JOIN squares s ON s.id = ts.square_id
		 WHERE ts.transaction_id = ?
		 ORDER BY s.number, ts.square_id`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetLinks replaces the transaction's links with squareIDs, rewriting
// the legacy column as a clean JSON list.
func (r *TransactionRepo) SetLinks(ctx context.Context, txID string, squareIDs []string) error {
	encoded := linkage.Encode(squareIDs)
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE transactions SET square_ids = ? WHERE id = ?`, encoded, txID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE id = ?`, txID).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM transaction_squares WHERE transaction_id = ?`, txID); err != nil {
			return err
		}
		return insertLinks(ctx, tx, txID, squareIDs)
	})
}

// SetStatus moves the transaction to status.  When from is non-empty the
// update only applies if the current status is one of from; the boolean
// reports whether a row changed.
func (r *TransactionRepo) SetStatus(ctx context.Context, id, status string, from ...string) (bool, error) {
	query := `UPDATE transactions SET status = ? WHERE id = ?`
	args := []any{status, id}
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		args = append(args, stringArgs(from)...)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	return affectedOne(res, err)
}

// SetProviderRef records the order reference issued by the gateway.
func (r *TransactionRepo) SetProviderRef(ctx context.Context, id, ref string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET provider_order_ref = ? WHERE id = ?`, ref, id)
	return err
}

// SetWarning stores (or clears, when nil) the reconciliation warning.
func (r *TransactionRepo) SetWarning(ctx context.Context, id string, warning *string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET reconcile_warning = ? WHERE id = ?`, nullString(warning), id)
	return err
}

// Delete removes the transaction and its links.
func (r *TransactionRepo) Delete(ctx context.Context, id string) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM transaction_squares WHERE transaction_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
		ok, err := affectedOne(res, err)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// List returns transactions matching f, oldest first.
func (r *TransactionRepo) List(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	var args []any
	if f.CampaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, f.CampaignID)
	}
	if f.PaymentMethod != "" {
		query += ` AND payment_method = ?`
		args = append(args, f.PaymentMethod)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
