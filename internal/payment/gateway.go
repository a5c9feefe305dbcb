// Package payment abstracts the payment provider.  The provider is a
// black box: it accepts an order and hands back a reference and an
// approval URL.  Confirmation is driven by the donor returning to the
// return URL, never by a webhook.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownOrder is returned when confirming an order the gateway
// never issued.
var ErrUnknownOrder = errors.New("unknown payment order")

// OrderRequest carries everything the provider needs to create an order.
type OrderRequest struct {
	AmountCents   int64
	Currency      string
	CampaignRef   string
	SquareKeys    []string
	ReturnURL     string
	CancelURL     string
	PayeeIdentity string
}

// Order is the provider's answer to CreateOrder.
type Order struct {
	ID          string `json:"id"`
	ApprovalURL string `json:"approval_url"`
}

// Gateway is the payment provider contract.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	// ConfirmOrder reports whether the donor approved and paid the order.
	ConfirmOrder(ctx context.Context, orderID string) (bool, error)
}

// Sandbox is an in-process Gateway for development and tests.  Orders
// are approved automatically unless Decline is called for them.
type Sandbox struct {
	baseURL string

	mu       sync.Mutex
	orders   map[string]OrderRequest
	declined map[string]bool
}

// NewSandbox returns a Sandbox issuing approval URLs under baseURL.
func NewSandbox(baseURL string) *Sandbox {
	return &Sandbox{baseURL: baseURL, orders: map[string]OrderRequest{}, declined: map[string]bool{}}
}

// CreateOrder records the order and returns a new reference.
func (s *Sandbox) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if req.AmountCents <= 0 {
		return Order{}, fmt.Errorf("order amount must be positive, got %d", req.AmountCents)
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.orders[id] = req
	s.mu.Unlock()

	approval, err := url.JoinPath(s.baseURL, "approve", id)
	if err != nil {
		return Order{}, err
	}
	return Order{ID: id, ApprovalURL: approval}, nil
}

// ConfirmOrder approves every known order that was not declined.
func (s *Sandbox) ConfirmOrder(ctx context.Context, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return false, fmt.Errorf("order %s: %w", orderID, ErrUnknownOrder)
	}
	return !s.declined[orderID], nil
}

// Decline marks an order as not approved by the donor.
func (s *Sandbox) Decline(orderID string) {
	s.mu.Lock()
	s.declined[orderID] = true
	s.mu.Unlock()
}

// Request returns the stored request for an order.
func (s *Sandbox) Request(orderID string) (OrderRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.orders[orderID]
	return r, ok
}
