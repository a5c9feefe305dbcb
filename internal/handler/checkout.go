package handler

import (
    "context"
    "errors"
    "net/http"
    "strings"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/donation-squares/internal/reconcile"
    "github.com/iliyamo/donation-squares/internal/service"
)

// CheckoutFlow is implemented by *service.Checkout.
type CheckoutFlow interface {
    Begin(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
    Complete(ctx context.Context, txID, orderID string) (reconcile.Result, error)
    Cancel(ctx context.Context, txID string) (int, error)
}

// GridInvalidator drops cached grid responses; *middleware.GridCache
// implements it.
type GridInvalidator interface {
    Invalidate(ctx context.Context, campaignID string)
}

// CampaignOf resolves the campaign a transaction belongs to.
type CampaignOf func(ctx context.Context, txID string) (string, error)

// CheckoutHandler serves the donor checkout flow.
type CheckoutHandler struct {
    Flow       CheckoutFlow
    Cache      GridInvalidator
    CampaignOf CampaignOf
}

type checkoutReq struct {
    SquareIDs     []string `json:"square_ids"`
    DonorName     string   `json:"donor_name"`
    DonorEmail    string   `json:"donor_email"`
    PaymentMethod string   `json:"payment_method"`
}

// Begin handles POST /v1/campaigns/:id/checkout.  On success the
// response carries the approval URL the donor is redirected to.  When
// any selected square is taken the response is 409 with the
// unavailable square IDs and nothing is held.
func (h *CheckoutHandler) Begin(c echo.Context) error {
    var req checkoutReq
    if err := c.Bind(&req); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
    }
    if len(req.SquareIDs) == 0 {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "square_ids is required"})
    }
    campaignID := c.Param("id")
    res, err := h.Flow.Begin(c.Request().Context(), service.CheckoutRequest{
        CampaignID:    campaignID,
        SquareIDs:     req.SquareIDs,
        DonorName:     strings.TrimSpace(req.DonorName),
        DonorEmail:    req.DonorEmail,
        PaymentMethod: strings.ToLower(strings.TrimSpace(req.PaymentMethod)),
    })
    if err != nil {
        return respondError(c, err)
    }
    h.invalidate(c.Request().Context(), campaignID)
    return c.JSON(http.StatusCreated, res)
}

// Return handles GET /v1/checkout/:id/return?token=<order id>.
func (h *CheckoutHandler) Return(c echo.Context) error {
    txID := c.Param("id")
    res, err := h.Flow.Complete(c.Request().Context(), txID, c.QueryParam("token"))
    h.invalidateTx(c.Request().Context(), txID)
    if errors.Is(err, reconcile.ErrInsufficientInventory) || errors.Is(err, reconcile.ErrOvershootRejected) {
        // The payment stands; the transaction is completed with a warning.
        return c.JSON(http.StatusOK, echo.Map{"result": res, "warning": err.Error()})
    }
    if err != nil {
        return respondError(c, err)
    }
    return c.JSON(http.StatusOK, echo.Map{"result": res})
}

// Cancel handles GET /v1/checkout/:id/cancel.
func (h *CheckoutHandler) Cancel(c echo.Context) error {
    txID := c.Param("id")
    released, err := h.Flow.Cancel(c.Request().Context(), txID)
    if err != nil {
        return respondError(c, err)
    }
    h.invalidateTx(c.Request().Context(), txID)
    return c.JSON(http.StatusOK, echo.Map{"transaction_id": txID, "released": released})
}

func (h *CheckoutHandler) invalidate(ctx context.Context, campaignID string) {
    if h.Cache != nil {
        h.Cache.Invalidate(ctx, campaignID)
    }
}

func (h *CheckoutHandler) invalidateTx(ctx context.Context, txID string) {
    if h.Cache == nil || h.CampaignOf == nil {
        return
    }
    if id, err := h.CampaignOf(ctx, txID); err == nil {
        h.Cache.Invalidate(ctx, id)
    }
}
