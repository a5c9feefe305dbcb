package handler

import (
    "errors"
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/donation-squares/internal/model"
    "github.com/iliyamo/donation-squares/internal/payment"
    "github.com/iliyamo/donation-squares/internal/reconcile"
    "github.com/iliyamo/donation-squares/internal/repository"
    "github.com/iliyamo/donation-squares/internal/reservation"
    "github.com/iliyamo/donation-squares/internal/service"
)

// respondError maps domain errors to the JSON error responses used by
// every handler.  Unknown errors become a 500 with a fixed message.
func respondError(c echo.Context, err error) error {
    var claimErr *reservation.ClaimError
    switch {
    case errors.As(err, &claimErr):
        body := echo.Map{"error": "some squares are unavailable", "unavailable": claimErr.Conflicts}
        if len(claimErr.Missing) > 0 {
            body["missing"] = claimErr.Missing
        }
        if len(claimErr.Conflicts) == 0 {
            return c.JSON(http.StatusNotFound, body)
        }
        return c.JSON(http.StatusConflict, body)
    case errors.Is(err, repository.ErrNotFound), errors.Is(err, payment.ErrUnknownOrder):
        return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
    case errors.Is(err, repository.ErrForbidden):
        return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
    case errors.Is(err, repository.ErrConflict), errors.Is(err, reconcile.ErrReconcileConflict):
        return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
    case errors.Is(err, reconcile.ErrNotReconcilable), errors.Is(err, service.ErrCampaignInactive):
        return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
    case errors.Is(err, service.ErrPaymentDeclined):
        return c.JSON(http.StatusPaymentRequired, echo.Map{"error": err.Error()})
    case errors.Is(err, service.ErrEmptySelection), errors.Is(err, service.ErrInvalidDonor),
        errors.Is(err, model.ErrInvalidCampaign):
        return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
    }
    c.Logger().Error(err)
    return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
