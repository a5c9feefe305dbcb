package main // Entry point package

import (
    "context"
    "errors"
    "log/slog"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/labstack/echo/v4" // Echo web framework

    "github.com/iliyamo/donation-squares/internal/config"
    "github.com/iliyamo/donation-squares/internal/database"
    "github.com/iliyamo/donation-squares/internal/handler"
    "github.com/iliyamo/donation-squares/internal/middleware"
    "github.com/iliyamo/donation-squares/internal/payment"
    "github.com/iliyamo/donation-squares/internal/queue"
    "github.com/iliyamo/donation-squares/internal/reconcile"
    "github.com/iliyamo/donation-squares/internal/repair"
    "github.com/iliyamo/donation-squares/internal/repository"
    "github.com/iliyamo/donation-squares/internal/reservation"
    "github.com/iliyamo/donation-squares/internal/router"
    "github.com/iliyamo/donation-squares/internal/service"
)

func main() {
    log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
    slog.SetDefault(log)

    config.LoadDotEnv()
    cfg := config.Load() // Load environment config

    db, dialect, err := database.Connect(cfg.DB)
    if err != nil {
        log.Error("database connect failed", "error", err)
        os.Exit(1)
    }
    defer db.Close()
    if err := database.Migrate(context.Background(), db, dialect); err != nil {
        log.Error("migration failed", "error", err)
        os.Exit(1)
    }

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    // Redis is optional: without it the cache and limiter pass through.
    rdb := config.NewRedisClient()
    if rdb == nil {
        log.Warn("redis unavailable; grid cache and checkout rate limit disabled")
    }

    var events service.EventPublisher = service.NopPublisher{}
    if cfg.EventsEnabled {
        events = service.NewAMQPPublisher(cfg.AMQPURL, log)
        consumer := &queue.Consumer{URL: cfg.AMQPURL, LogDir: cfg.EventLogDir, Log: log}
        go func() {
            if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
                log.Error("donation consumer stopped", "error", err)
            }
        }()
    }

    campaigns := repository.NewCampaignRepo(db)
    squares := repository.NewSquareRepo(db)
    txs := repository.NewTransactionRepo(db)
    manager := reservation.NewManager(squares, txs, log)

    rc := config.LoadReconcileConfig()
    engine := reconcile.New(squares, txs, manager, log,
        reconcile.WithPolicy(reconcile.OvershootPolicy{Exact: rc.ExactAmount, MaxCents: rc.MaxOvershootCents}),
        reconcile.WithNotifier(service.WarningNotifier{Events: events, Log: log}))
    checkout := service.NewCheckout(campaigns, squares, txs, manager, engine, payment.NewSandbox(cfg.PaymentBaseURL), events,
        service.CheckoutConfig{PublicBaseURL: cfg.PublicBaseURL, Currency: cfg.Currency, PayeeIdentity: cfg.PayeeIdentity}, log)

    campaignOf := func(ctx context.Context, txID string) (string, error) {
        tx, err := txs.GetByID(ctx, txID)
        if err != nil {
            return "", err
        }
        return tx.CampaignID, nil
    }
    cache := middleware.NewGridCache(config.LoadCacheConfig(), rdb, log)
    limit := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log)

    e := echo.New() // Create Echo instance
    e.HideBanner = true
    router.RegisterRoutes(e, db)
    router.RegisterPublic(e,
        &handler.PublicHandler{Campaigns: campaigns, Squares: squares},
        &handler.CheckoutHandler{Flow: checkout, Cache: cache, CampaignOf: campaignOf},
        cache.Middleware(), limit)
    router.RegisterAdmin(e,
        &handler.AuthHandler{Secret: cfg.JWTSecret, TTLMin: cfg.AccessTTLMin, Email: cfg.AdminEmail, PasswordHash: cfg.AdminPasswordHash},
        &handler.AdminHandler{Engine: engine, Auditor: repair.NewAuditor(txs, engine, log), Cache: cache, CampaignOf: campaignOf},
        cfg.JWTSecret, limit)

    addr := ":" + cfg.Port // Address string with port
    go func() {
        log.Info("listening", "addr", addr, "env", cfg.Env, "db", string(dialect))
        if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
            log.Error("server failed", "error", err)
            stop()
        }
    }()

    <-ctx.Done()
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    if err := e.Shutdown(shutdownCtx); err != nil {
        log.Error("shutdown failed", "error", err)
    }
}
