package handler_test

import (
    "context"
    "database/sql"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"

    "github.com/labstack/echo/v4"
    "golang.org/x/crypto/bcrypt"

    "github.com/iliyamo/donation-squares/internal/config"
    "github.com/iliyamo/donation-squares/internal/handler"
    "github.com/iliyamo/donation-squares/internal/middleware"
    "github.com/iliyamo/donation-squares/internal/model"
    "github.com/iliyamo/donation-squares/internal/payment"
    "github.com/iliyamo/donation-squares/internal/reconcile"
    "github.com/iliyamo/donation-squares/internal/repair"
    "github.com/iliyamo/donation-squares/internal/repository"
    "github.com/iliyamo/donation-squares/internal/reservation"
    "github.com/iliyamo/donation-squares/internal/router"
    "github.com/iliyamo/donation-squares/internal/service"
    "github.com/iliyamo/donation-squares/internal/testutil"
    "github.com/iliyamo/donation-squares/internal/utils"
)

const (
    secret   = "test-secret"
    opEmail  = "ops@example.com"
    password = "hunter2"
)

type app struct {
    e        *echo.Echo
    db       *sql.DB
    campaign *model.Campaign
    squares  []model.Square
    txs      *repository.TransactionRepo
    sandbox  *payment.Sandbox
}

func newApp(t *testing.T) *app {
    t.Helper()
    db := testutil.SetupTestDB(t)
    c, squares := testutil.SeedCampaign(t, db, 2, 5, 500)
    log := testutil.DiscardLogger()

    squareRepo := repository.NewSquareRepo(db)
    txs := repository.NewTransactionRepo(db)
    manager := reservation.NewManager(squareRepo, txs, log)
    engine := reconcile.New(squareRepo, txs, manager, log)
    sandbox := payment.NewSandbox("https://pay.example.test")
    checkout := service.NewCheckout(repository.NewCampaignRepo(db), squareRepo, txs, manager, engine, sandbox,
        service.NopPublisher{}, service.CheckoutConfig{PublicBaseURL: "https://squares.example.test", Currency: "USD"}, log)

    hash, err := utils.HashPassword(password, bcrypt.MinCost)
    if err != nil {
        t.Fatal(err)
    }
    campaignOf := func(ctx context.Context, txID string) (string, error) {
        tx, err := txs.GetByID(ctx, txID)
        if err != nil {
            return "", err
        }
        return tx.CampaignID, nil
    }
    cache := middleware.NewGridCache(config.CacheConfig{}, nil, log)
    limit := middleware.NewTokenBucket(config.RateLimitConfig{}, nil, log)

    e := echo.New()
    router.RegisterRoutes(e, db)
    router.RegisterPublic(e,
        &handler.PublicHandler{Campaigns: repository.NewCampaignRepo(db), Squares: squareRepo},
        &handler.CheckoutHandler{Flow: checkout, Cache: cache, CampaignOf: campaignOf},
        cache.Middleware(), limit)
    router.RegisterAdmin(e,
        &handler.AuthHandler{Secret: secret, TTLMin: 5, Email: opEmail, PasswordHash: hash},
        &handler.AdminHandler{Engine: engine, Auditor: repair.NewAuditor(txs, engine, log), Cache: cache, CampaignOf: campaignOf},
        secret, limit)
    return &app{e: e, db: db, campaign: c, squares: squares, txs: txs, sandbox: sandbox}
}

func (a *app) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
    t.Helper()
    req := httptest.NewRequest(method, path, strings.NewReader(body))
    if body != "" {
        req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
    }
    if token != "" {
        req.Header.Set("Authorization", "Bearer "+token)
    }
    rec := httptest.NewRecorder()
    a.e.ServeHTTP(rec, req)
    return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
    t.Helper()
    if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
        t.Fatalf("decode %q: %v", rec.Body.String(), err)
    }
}

func (a *app) checkout(t *testing.T, ids ...string) *httptest.ResponseRecorder {
    t.Helper()
    body, _ := json.Marshal(map[string]any{
        "square_ids": ids, "donor_name": "Ann", "donor_email": "Ann@Example.com", "payment_method": "PayPal",
    })
    return a.do(t, http.MethodPost, "/v1/campaigns/"+a.campaign.ID+"/checkout", string(body), "")
}

func (a *app) login(t *testing.T) string {
    t.Helper()
    rec := a.do(t, http.MethodPost, "/v1/admin/login", `{"email":"OPS@example.com","password":"`+password+`"}`, "")
    if rec.Code != http.StatusOK {
        t.Fatalf("login = %d %s", rec.Code, rec.Body.String())
    }
    var out struct {
        Access utils.AccessToken `json:"access"`
    }
    decode(t, rec, &out)
    return out.Access.Token
}

func TestHealth(t *testing.T) {
    a := newApp(t)
    if rec := a.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
        t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
    }
}

func TestCheckoutReturnCompletesSquares(t *testing.T) {
    a := newApp(t)
    rec := a.checkout(t, a.squares[0].ID, a.squares[2].ID)
    if rec.Code != http.StatusCreated {
        t.Fatalf("checkout = %d %s", rec.Code, rec.Body.String())
    }
    var began service.CheckoutResult
    decode(t, rec, &began)
    if began.TotalCents != 1000 || began.ApprovalURL == "" {
        t.Fatalf("unexpected checkout result %+v", began)
    }

    rec = a.do(t, http.MethodGet, "/v1/checkout/"+began.TransactionID+"/return?token="+began.OrderID, "", "")
    if rec.Code != http.StatusOK {
        t.Fatalf("return = %d %s", rec.Code, rec.Body.String())
    }
    var done struct {
        Result reconcile.Result `json:"result"`
    }
    decode(t, rec, &done)
    if got := done.Result.SquareNumbers; len(got) != 2 || got[0] != 1 || got[1] != 3 {
        t.Fatalf("square numbers = %v", got)
    }

    rec = a.do(t, http.MethodGet, "/v1/campaigns/"+a.campaign.ID+"/squares?state=completed", "", "")
    if rec.Code != http.StatusOK {
        t.Fatalf("grid = %d", rec.Code)
    }
    if strings.Contains(rec.Body.String(), "ann@example.com") || strings.Contains(rec.Body.String(), model.TokenPrefix) {
        t.Fatalf("grid leaks claimants: %s", rec.Body.String())
    }
    var grid struct {
        Items []handler.PublicSquare `json:"items"`
    }
    decode(t, rec, &grid)
    if len(grid.Items) != 2 || grid.Items[0].DonorName != "Ann" {
        t.Fatalf("completed squares = %+v", grid.Items)
    }
}

func TestCheckoutConflictIsReported(t *testing.T) {
    a := newApp(t)
    if rec := a.checkout(t, a.squares[1].ID); rec.Code != http.StatusCreated {
        t.Fatalf("first checkout = %d", rec.Code)
    }
    rec := a.checkout(t, a.squares[1].ID, a.squares[4].ID)
    if rec.Code != http.StatusConflict {
        t.Fatalf("second checkout = %d %s", rec.Code, rec.Body.String())
    }
    var body struct {
        Unavailable []string `json:"unavailable"`
    }
    decode(t, rec, &body)
    if len(body.Unavailable) != 1 || body.Unavailable[0] != a.squares[1].ID {
        t.Fatalf("unavailable = %v", body.Unavailable)
    }
    if sq := a.do(t, http.MethodGet, "/v1/campaigns/"+a.campaign.ID+"/squares?state=held", "", ""); !strings.Contains(sq.Body.String(), a.squares[1].ID) ||
        strings.Contains(sq.Body.String(), a.squares[4].ID) {
        t.Fatalf("held squares after conflict: %s", sq.Body.String())
    }
}

func TestCheckoutValidationAndUnknownCampaign(t *testing.T) {
    a := newApp(t)
    if rec := a.do(t, http.MethodPost, "/v1/campaigns/"+a.campaign.ID+"/checkout", `{"square_ids":[]}`, ""); rec.Code != http.StatusBadRequest {
        t.Fatalf("empty selection = %d", rec.Code)
    }
    if rec := a.do(t, http.MethodGet, "/v1/campaigns/nope/squares", "", ""); rec.Code != http.StatusNotFound {
        t.Fatalf("unknown campaign = %d", rec.Code)
    }
    if rec := a.do(t, http.MethodGet, "/v1/campaigns/"+a.campaign.ID+"/squares?state=weird", "", ""); rec.Code != http.StatusBadRequest {
        t.Fatalf("bad state = %d", rec.Code)
    }
}

func TestCancelReleasesHolds(t *testing.T) {
    a := newApp(t)
    var began service.CheckoutResult
    decode(t, a.checkout(t, a.squares[3].ID), &began)

    rec := a.do(t, http.MethodGet, "/v1/checkout/"+began.TransactionID+"/cancel", "", "")
    if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"released":1`) {
        t.Fatalf("cancel = %d %s", rec.Code, rec.Body.String())
    }
    tx, err := a.txs.GetByID(context.Background(), began.TransactionID)
    if err != nil || tx.Status != model.TxFailed {
        t.Fatalf("transaction after cancel: %+v %v", tx, err)
    }
    if rec := a.do(t, http.MethodGet, "/v1/checkout/"+began.TransactionID+"/return", "", ""); rec.Code != http.StatusConflict {
        t.Fatalf("return after cancel = %d %s", rec.Code, rec.Body.String())
    }
}

func TestAdminRequiresToken(t *testing.T) {
    a := newApp(t)
    if rec := a.do(t, http.MethodGet, "/v1/admin/repair-report", "", ""); rec.Code != http.StatusUnauthorized {
        t.Fatalf("no token = %d", rec.Code)
    }
    if rec := a.do(t, http.MethodPost, "/v1/admin/login", `{"email":"ops@example.com","password":"wrong"}`, ""); rec.Code != http.StatusUnauthorized {
        t.Fatalf("bad login = %d", rec.Code)
    }
}

func TestAdminRepairAndRollback(t *testing.T) {
    a := newApp(t)
    token := a.login(t)

    // A completed payment whose link was never written.
    tx := testutil.SeedLegacyTransaction(t, a.db, model.Transaction{
        CampaignID: a.campaign.ID, TotalCents: 1000, DonorName: "Bo", DonorEmail: "bo@example.com",
        PaymentMethod: "cash", Status: model.TxCompleted,
    }, nil)

    rec := a.do(t, http.MethodGet, "/v1/admin/repair-report?confirm=true", "", token)
    if rec.Code != http.StatusOK {
        t.Fatalf("report = %d %s", rec.Code, rec.Body.String())
    }
    var report repair.Report
    decode(t, rec, &report)
    if !report.DryRun || len(report.Entries) != 1 || report.Entries[0].ResolvedSquareCount != 2 {
        t.Fatalf("dry-run report = %+v", report)
    }
    if sq := testutil.MustSquare(t, a.db, a.squares[0].ID); sq.State() != model.StateAvailable {
        t.Fatalf("GET report mutated square 1: %s", sq.State())
    }

    rec = a.do(t, http.MethodPost, "/v1/admin/repair-report?confirm=true&campaign_id="+a.campaign.ID, "", token)
    if rec.Code != http.StatusOK {
        t.Fatalf("confirmed report = %d %s", rec.Code, rec.Body.String())
    }
    decode(t, rec, &report)
    if report.DryRun || report.Summary.Matched != 1 {
        t.Fatalf("confirmed report = %+v", report)
    }
    for _, sq := range a.squares[:2] {
        if got := testutil.MustSquare(t, a.db, sq.ID); got.State() != model.StateCompleted {
            t.Fatalf("square %d = %s", sq.Number, got.State())
        }
    }

    rec = a.do(t, http.MethodPost, "/v1/admin/transactions/"+tx.ID+"/reconcile", "", token)
    if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "explicit_link") {
        t.Fatalf("re-reconcile = %d %s", rec.Code, rec.Body.String())
    }

    rec = a.do(t, http.MethodDelete, "/v1/admin/transactions/"+tx.ID, "", token)
    if rec.Code != http.StatusOK {
        t.Fatalf("rollback = %d %s", rec.Code, rec.Body.String())
    }
    for _, sq := range a.squares[:2] {
        if got := testutil.MustSquare(t, a.db, sq.ID); got.State() != model.StateAvailable {
            t.Fatalf("square %d after rollback = %s", sq.Number, got.State())
        }
    }
    if rec := a.do(t, http.MethodDelete, "/v1/admin/transactions/"+tx.ID, "", token); rec.Code != http.StatusNotFound {
        t.Fatalf("second rollback = %d", rec.Code)
    }
}
