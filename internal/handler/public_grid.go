// Package handler exposes HTTP handlers for the public grid, the donor
// checkout flow and the operator endpoints.  This file serves the
// public grid.  Claimant values (donor emails and hold tokens) are
// never included in public responses.
package handler

import (
    "context"
    "net/http"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/donation-squares/internal/model"
)

// CampaignSource loads campaigns.
type CampaignSource interface {
    GetByID(ctx context.Context, id string) (*model.Campaign, error)
}

// SquareLister lists the squares of a campaign ordered by number.
type SquareLister interface {
    ListByCampaign(ctx context.Context, campaignID string) ([]model.Square, error)
}

// PublicHandler serves unauthenticated grid reads.
type PublicHandler struct {
    Campaigns CampaignSource
    Squares   SquareLister
}

// PublicSquare is a square as shown on the public grid.
type PublicSquare struct {
    ID         string           `json:"id"`
    Number     int              `json:"number"`
    Row        int              `json:"row"`
    Col        int              `json:"col"`
    ValueCents int64            `json:"value_cents"`
    State      model.ClaimState `json:"state"`
    DonorName  string           `json:"donor_name,omitempty"`
}

// PublicCampaign is the campaign header of a grid response.
type PublicCampaign struct {
    ID       string `json:"id"`
    Name     string `json:"name"`
    GridRows int    `json:"grid_rows"`
    GridCols int    `json:"grid_cols"`
    IsActive bool   `json:"is_active"`
}

// GetSquares handles GET /v1/campaigns/:id/squares.  The optional
// ?state=available|held|completed query narrows the list.
func (h *PublicHandler) GetSquares(c echo.Context) error {
    ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
    defer cancel()

    campaign, err := h.Campaigns.GetByID(ctx, c.Param("id"))
    if err != nil {
        return respondError(c, err)
    }
    state := model.ClaimState(c.QueryParam("state"))
    switch state {
    case "", model.StateAvailable, model.StateHeld, model.StateCompleted:
    default:
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid state filter"})
    }

    squares, err := h.Squares.ListByCampaign(ctx, campaign.ID)
    if err != nil {
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
    }
    out := make([]PublicSquare, 0, len(squares))
    counts := map[model.ClaimState]int{}
    for _, sq := range squares {
        st := sq.State()
        counts[st]++
        if state != "" && st != state {
            continue
        }
        ps := PublicSquare{ID: sq.ID, Number: sq.Number, Row: sq.Row, Col: sq.Col, ValueCents: sq.ValueCents, State: st}
        if st == model.StateCompleted && sq.DonorName != nil {
            ps.DonorName = *sq.DonorName
        }
        out = append(out, ps)
    }
    return c.JSON(http.StatusOK, echo.Map{
        "campaign": PublicCampaign{ID: campaign.ID, Name: campaign.Name, GridRows: campaign.GridRows,
            GridCols: campaign.GridCols, IsActive: campaign.IsActive},
        "counts": counts,
        "items":  out,
    })
}
