package model

import (
    "errors"
    "fmt"
    "time"
)

// Pricing kinds understood when a campaign's squares are generated.
const (
    PricingFixed      = "fixed"
    PricingSequential = "sequential"
)

// Campaign represents a published donation grid.  A campaign owns
// rows × columns squares which are generated once, at publication,
// using the pricing rule stored on the campaign.  This struct
// corresponds to a row in the `campaigns` table.
//
// Fields:
//  ID             – primary key identifier.
//  Name           – display name of the campaign.
//  GridRows       – number of rows in the grid.
//  GridCols       – number of squares per row.
//  PricingKind    – fixed or sequential.
//  BaseValueCents – value of square #1 (and of every square for fixed pricing).
//  StepCents      – increment per square number for sequential pricing.
//  IsActive       – whether donors may check out against the campaign.
//  CreatedAt      – creation timestamp.
type Campaign struct {
    ID             string    `json:"id"`               // campaigns.id
    Name           string    `json:"name"`             // campaigns.name
    GridRows       int       `json:"grid_rows"`        // campaigns.grid_rows
    GridCols       int       `json:"grid_cols"`        // campaigns.grid_cols
    PricingKind    string    `json:"pricing_kind"`     // campaigns.pricing_kind
    BaseValueCents int64     `json:"base_value_cents"` // campaigns.base_value_cents
    StepCents      int64     `json:"step_cents"`       // campaigns.step_cents
    IsActive       bool      `json:"is_active"`        // campaigns.is_active
    CreatedAt      time.Time `json:"created_at"`       // campaigns.created_at
}

// SquareCount returns the number of squares in the grid.
func (c Campaign) SquareCount() int { return c.GridRows * c.GridCols }

// ValueFor returns the price of the square with the given sequential
// number.  It is only consulted when squares are generated; existing
// squares keep the value they were created with.
func (c Campaign) ValueFor(number int) int64 {
    if c.PricingKind == PricingSequential {
        return c.BaseValueCents + int64(number-1)*c.StepCents
    }
    return c.BaseValueCents
}

// MaxSquares bounds the grid size accepted at publication.
const MaxSquares = 10000

// ErrInvalidCampaign is returned by Validate.
var ErrInvalidCampaign = errors.New("invalid campaign")

// Validate checks the grid dimensions and pricing before publication.
func (c Campaign) Validate() error {
    switch {
    case c.Name == "":
        return fmt.Errorf("%w: name is required", ErrInvalidCampaign)
    case c.GridRows <= 0 || c.GridCols <= 0:
        return fmt.Errorf("%w: grid must have at least one row and column", ErrInvalidCampaign)
    case c.SquareCount() > MaxSquares:
        return fmt.Errorf("%w: grid exceeds %d squares", ErrInvalidCampaign, MaxSquares)
    case c.PricingKind != PricingFixed && c.PricingKind != PricingSequential:
        return fmt.Errorf("%w: unknown pricing kind %q", ErrInvalidCampaign, c.PricingKind)
    case c.BaseValueCents < 0 || c.StepCents < 0:
        return fmt.Errorf("%w: values must not be negative", ErrInvalidCampaign)
    }
    return nil
}
