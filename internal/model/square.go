package model

import "time"

// ClaimState is the derived claim status of a square.
type ClaimState string

const (
    StateAvailable ClaimState = "available"
    StateHeld      ClaimState = "held"
    StateCompleted ClaimState = "completed"
)

// Values stored in squares.payment_status.
const (
    PaymentPending   = "pending"
    PaymentCompleted = "completed"
)

// Square is one purchasable cell of a campaign grid.  Its claim state
// is derived from ClaimedBy and PaymentStatus: an unclaimed square is
// available, a pending claim is a temporary hold and a completed claim
// is permanent.  Squares are created in bulk when a campaign is
// published and are never deleted while the campaign exists.
//
// Fields:
//  ID            – primary key identifier.
//  CampaignID    – owning campaign.
//  Row, Col      – zero-based grid coordinates.
//  Number        – 1..rows*cols, row-major.
//  ValueCents    – fixed price in cents.
//  ClaimedBy     – donor email or temporary token (nil when available).
//  DonorName     – display name shown on the grid.
//  PaymentStatus – pending or completed (nil when available).
//  PaymentType   – payment method tag of the claim.
//  ClaimedAt     – when the current claim was placed.
type Square struct {
    ID            string     `json:"id"`                       // squares.id
    CampaignID    string     `json:"campaign_id"`              // squares.campaign_id
    Row           int        `json:"row"`                      // squares.grid_row
    Col           int        `json:"col"`                      // squares.grid_col
    Number        int        `json:"number"`                   // squares.number
    ValueCents    int64      `json:"value_cents"`              // squares.value_cents
    ClaimedBy     *string    `json:"claimed_by,omitempty"`     // squares.claimed_by (nullable)
    DonorName     *string    `json:"donor_name,omitempty"`     // squares.donor_name (nullable)
    PaymentStatus *string    `json:"payment_status,omitempty"` // squares.payment_status (nullable)
    PaymentType   *string    `json:"payment_type,omitempty"`   // squares.payment_type (nullable)
    ClaimedAt     *time.Time `json:"claimed_at,omitempty"`     // squares.claimed_at (nullable)
}

// State derives the claim state from the stored columns.
func (s Square) State() ClaimState {
    if s.ClaimedBy == nil {
        return StateAvailable
    }
    if s.PaymentStatus != nil && *s.PaymentStatus == PaymentCompleted {
        return StateCompleted
    }
    return StateHeld
}

// Claimant returns the current claimant or an empty string.
func (s Square) Claimant() string {
    if s.ClaimedBy == nil {
        return ""
    }
    return *s.ClaimedBy
}

// SumValues totals the values of the given squares.
func SumValues(squares []Square) int64 {
    var total int64
    for _, s := range squares {
        total += s.ValueCents
    }
    return total
}

// SquareIDs extracts the identifiers of the given squares in order.
func SquareIDs(squares []Square) []string {
    ids := make([]string, 0, len(squares))
    for _, s := range squares {
        ids = append(ids, s.ID)
    }
    return ids
}
