package handler

import (
    "context"
    "errors"
    "net/http"
    "strconv"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/donation-squares/internal/middleware"
    "github.com/iliyamo/donation-squares/internal/reconcile"
    "github.com/iliyamo/donation-squares/internal/repair"
)

// Operator surfaces implemented by *reconcile.Engine and *repair.Auditor.
type (
    Reconciler interface {
        Reconcile(ctx context.Context, txID string) (reconcile.Result, error)
        Plan(ctx context.Context, txID string) (reconcile.Result, error)
        Rollback(ctx context.Context, txID string) (reconcile.RollbackResult, error)
    }
    Auditor interface {
        Run(ctx context.Context, f repair.Filter, opts repair.Options) (*repair.Report, error)
    }
)

// AdminHandler serves the operator endpoints.  Every handler here runs
// behind JWTAuth and RequireRole("ADMIN").
type AdminHandler struct {
    Engine     Reconciler
    Auditor    Auditor
    Cache      GridInvalidator
    CampaignOf CampaignOf
}

// Reconcile handles POST /v1/admin/transactions/:id/reconcile.  With
// ?dry_run=true the plan is returned and nothing changes.
func (h *AdminHandler) Reconcile(c echo.Context) error {
    ctx := c.Request().Context()
    txID := c.Param("id")
    log := c.Logger()

    var (
        res reconcile.Result
        err error
    )
    if dry, _ := strconv.ParseBool(c.QueryParam("dry_run")); dry {
        res, err = h.Engine.Plan(ctx, txID)
    } else {
        res, err = h.Engine.Reconcile(ctx, txID)
        h.invalidateTx(ctx, txID)
    }
    log.Infof("reconcile tx=%s by=%s tier=%s err=%v", txID, middleware.Actor(c), res.Tier, err)
    if errors.Is(err, reconcile.ErrInsufficientInventory) || errors.Is(err, reconcile.ErrOvershootRejected) {
        return c.JSON(http.StatusOK, echo.Map{"result": res, "warning": err.Error()})
    }
    if err != nil {
        return respondError(c, err)
    }
    return c.JSON(http.StatusOK, echo.Map{"result": res})
}

// DeleteTransaction handles DELETE /v1/admin/transactions/:id.  The
// transaction's squares are released before the row is deleted.
func (h *AdminHandler) DeleteTransaction(c echo.Context) error {
    ctx := c.Request().Context()
    txID := c.Param("id")
    // Resolve the campaign first; the transaction is gone afterwards.
    campaignID := ""
    if h.CampaignOf != nil {
        campaignID, _ = h.CampaignOf(ctx, txID)
    }
    res, err := h.Engine.Rollback(ctx, txID)
    if err != nil {
        return respondError(c, err)
    }
    if h.Cache != nil && campaignID != "" {
        h.Cache.Invalidate(ctx, campaignID)
    }
    c.Logger().Infof("rollback tx=%s by=%s released=%d", txID, middleware.Actor(c), len(res.Released))
    return c.JSON(http.StatusOK, res)
}

// RepairReport handles GET and POST /v1/admin/repair-report.  GET is
// always a dry run; POST mutates only with ?confirm=true.  Filters:
// campaign_id, payment_method, status, limit.
func (h *AdminHandler) RepairReport(c echo.Context) error {
    f := repair.Filter{
        CampaignID:    c.QueryParam("campaign_id"),
        PaymentMethod: c.QueryParam("payment_method"),
        Status:        c.QueryParam("status"),
    }
    if s := c.QueryParam("limit"); s != "" {
        n, err := strconv.Atoi(s)
        if err != nil || n < 0 {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
        }
        f.Limit = n
    }
    confirm, _ := strconv.ParseBool(c.QueryParam("confirm"))
    dryRun := c.Request().Method != http.MethodPost || !confirm

    report, err := h.Auditor.Run(c.Request().Context(), f, repair.Options{DryRun: dryRun})
    if err != nil {
        return respondError(c, err)
    }
    if !dryRun && h.Cache != nil {
        seen := map[string]bool{}
        for _, e := range report.Entries {
            if h.CampaignOf == nil || e.ResolvedSquareCount == 0 {
                continue
            }
            if id, err := h.CampaignOf(c.Request().Context(), e.TransactionID); err == nil && !seen[id] {
                seen[id] = true
                h.Cache.Invalidate(c.Request().Context(), id)
            }
        }
    }
    return c.JSON(http.StatusOK, report)
}

func (h *AdminHandler) invalidateTx(ctx context.Context, txID string) {
    if h.Cache == nil || h.CampaignOf == nil {
        return
    }
    if id, err := h.CampaignOf(ctx, txID); err == nil {
        h.Cache.Invalidate(ctx, id)
    }
}
