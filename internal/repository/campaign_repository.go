package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/donation-squares/internal/model"
)

// CampaignRepo stores campaigns and generates their squares.
type CampaignRepo struct {
	db      *sql.DB
	squares *SquareRepo
}

// NewCampaignRepo returns a CampaignRepo bound to the given database.
func NewCampaignRepo(db *sql.DB) *CampaignRepo {
	return &CampaignRepo{db: db, squares: NewSquareRepo(db)}
}

const campaignColumns = `id, name, grid_rows, grid_cols, pricing_kind, base_value_cents, step_cents, is_active, created_at`

func scanCampaign(sc rowScanner) (model.Campaign, error) {
	var c model.Campaign
	err := sc.Scan(&c.ID, &c.Name, &c.GridRows, &c.GridCols, &c.PricingKind,
		&c.BaseValueCents, &c.StepCents, &c.IsActive, &c.CreatedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, err
}

// Publish validates c, inserts it and generates its rows × cols squares
// in row-major order within a single transaction.  An empty ID is
// replaced by a new UUID.  The stored campaign is returned.
func (r *CampaignRepo) Publish(ctx context.Context, c model.Campaign) (*model.Campaign, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC().Truncate(time.Second)

	squares := make([]model.Square, 0, c.SquareCount())
	for row := 0; row < c.GridRows; row++ {
		for col := 0; col < c.GridCols; col++ {
			number := row*c.GridCols + col + 1
			squares = append(squares, model.Square{
				ID:         uuid.NewString(),
				CampaignID: c.ID,
				Row:        row,
				Col:        col,
				Number:     number,
				ValueCents: c.ValueFor(number),
			})
		}
	}

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		const q = `INSERT INTO campaigns (` + campaignColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, q, c.ID, c.Name, c.GridRows, c.GridCols, c.PricingKind,
			c.BaseValueCents, c.StepCents, c.IsActive, c.CreatedAt); err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		return r.squares.CreateBulkTx(ctx, tx, squares)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID retrieves a campaign by id.
func (r *CampaignRepo) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

// ListAll returns every campaign, newest first.
func (r *CampaignRepo) ListAll(ctx context.Context) ([]model.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetActive opens or closes a campaign for checkout.
func (r *CampaignRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// MySQL reports zero affected rows when the value is unchanged.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
