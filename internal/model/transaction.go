package model

import (
    "strings"
    "time"
)

// Transaction lifecycle values stored in transactions.status.
const (
    TxPending   = "pending"
    TxCompleted = "completed"
    TxFailed    = "failed"
    TxRefunded  = "refunded"
)

// TokenPrefix prefixes the synthetic claimant placed on squares held
// for an in-flight transaction.
const TokenPrefix = "temp_"

// Transaction records one donation attempt.  SquareIDsRaw holds the
// legacy denormalized link exactly as stored; it may be empty, a JSON
// list, a JSON-encoded string, a comma separated list or a scalar.
// The authoritative link lives in transaction_squares.
//
// Fields:
//  ID               – primary key identifier.
//  CampaignID       – owning campaign.
//  TotalCents       – amount paid in cents.
//  DonorName        – donor display name.
//  DonorEmail       – donor email, used as the permanent claimant.
//  PaymentMethod    – payment method tag (e.g. paypal, cash).
//  Status           – pending, completed, failed or refunded.
//  SquareIDsRaw     – legacy square_ids column (nullable).
//  ProviderOrderRef – order reference issued by the payment provider.
//  ReconcileWarning – last warning recorded by reconciliation.
//  CreatedAt        – creation timestamp.
type Transaction struct {
    ID               string    `json:"id"`                          // transactions.id
    CampaignID       string    `json:"campaign_id"`                 // transactions.campaign_id
    TotalCents       int64     `json:"total_cents"`                 // transactions.total_cents
    DonorName        string    `json:"donor_name"`                  // transactions.donor_name
    DonorEmail       string    `json:"donor_email"`                 // transactions.donor_email
    PaymentMethod    string    `json:"payment_method"`              // transactions.payment_method
    Status           string    `json:"status"`                      // transactions.status
    SquareIDsRaw     *string   `json:"square_ids,omitempty"`        // transactions.square_ids (nullable)
    ProviderOrderRef *string   `json:"provider_order_ref,omitempty"` // transactions.provider_order_ref (nullable)
    ReconcileWarning *string   `json:"reconcile_warning,omitempty"` // transactions.reconcile_warning (nullable)
    CreatedAt        time.Time `json:"created_at"`                  // transactions.created_at
}

// HoldToken returns the temporary claimant used for the transaction's holds.
func (t Transaction) HoldToken() string { return TokenPrefix + t.ID }

// PermanentClaimant is the claimant written on promotion: the donor
// email when known, otherwise the hold token.
func (t Transaction) PermanentClaimant() string {
    if e := NormalizeEmail(t.DonorEmail); e != "" {
        return e
    }
    return t.HoldToken()
}

// Claimants lists every claimant value that may legitimately mark a
// square as belonging to this transaction.
func (t Transaction) Claimants() []string {
    out := []string{t.HoldToken()}
    if e := NormalizeEmail(t.DonorEmail); e != "" {
        out = append(out, e)
    }
    return out
}

// TransactionIDFromToken returns the transaction ID encoded in a hold
// token, or false when the claimant is not a hold token.
func TransactionIDFromToken(claimant string) (string, bool) {
    if !strings.HasPrefix(claimant, TokenPrefix) || len(claimant) == len(TokenPrefix) {
        return "", false
    }
    return strings.TrimPrefix(claimant, TokenPrefix), true
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
    return strings.ToLower(strings.TrimSpace(email))
}
