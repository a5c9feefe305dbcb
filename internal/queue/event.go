// Package queue defines message payloads exchanged over the message broker.
package queue

// Queue names.  Both are durable and carry persistent JSON messages.
const (
    DonationCompletedQueue     = "donation.completed"
    ReconciliationWarningQueue = "reconciliation.warning"
)

// DonationCompletedEvent is published when a transaction has been
// reconciled and its squares promoted to the donor.  It carries enough
// for downstream consumers to log or send receipts without querying the
// primary database.
type DonationCompletedEvent struct {
    TransactionID    string `json:"transaction_id"`
    CampaignID       string `json:"campaign_id"`
    DonorName        string `json:"donor_name"`
    PaymentMethod    string `json:"payment_method"`
    SquareNumbers    []int  `json:"squares"`
    TotalAmountCents int64  `json:"total_amount_cents"`
    Tier             string `json:"tier"`
    Approximate      bool   `json:"approximate"`
    CompletedAt      string `json:"completed_at"`
}

// ReconciliationWarningEvent is published when reconciliation leaves a
// completed transaction with a warning operators must look at, such as
// insufficient inventory or an approximate amount match.
type ReconciliationWarningEvent struct {
    TransactionID    string `json:"transaction_id"`
    CampaignID       string `json:"campaign_id"`
    TotalAmountCents int64  `json:"total_amount_cents"`
    Warning          string `json:"warning"`
    RaisedAt         string `json:"raised_at"`
}
