package main

import (
    "context"
    "database/sql"
    "encoding/json"
    "fmt"
    "io"
    "log/slog"

    "github.com/spf13/cobra"
    "gopkg.in/yaml.v3"

    "github.com/iliyamo/donation-squares/internal/config"
    "github.com/iliyamo/donation-squares/internal/database"
    "github.com/iliyamo/donation-squares/internal/reconcile"
    "github.com/iliyamo/donation-squares/internal/repository"
    "github.com/iliyamo/donation-squares/internal/reservation"
)

// env bundles what the commands operate on.
type env struct {
    db        *sql.DB
    campaigns *repository.CampaignRepo
    squares   *repository.SquareRepo
    txs       *repository.TransactionRepo
    manager   *reservation.Manager
    engine    *reconcile.Engine
    log       *slog.Logger
}

// openEnv connects to the configured database, applies the schema and
// wires the repositories and engine.
func openEnv(cmd *cobra.Command) (*env, error) {
    level := slog.LevelInfo
    if v, _ := cmd.Flags().GetBool("verbose"); v {
        level = slog.LevelDebug
    }
    log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

    db, dialect, err := database.Connect(config.LoadDBConfig())
    if err != nil {
        return nil, fmt.Errorf("connect: %w", err)
    }
    if err := database.Migrate(cmd.Context(), db, dialect); err != nil {
        db.Close()
        return nil, fmt.Errorf("migrate: %w", err)
    }
    e := &env{
        db:        db,
        campaigns: repository.NewCampaignRepo(db),
        squares:   repository.NewSquareRepo(db),
        txs:       repository.NewTransactionRepo(db),
        log:       log,
    }
    e.manager = reservation.NewManager(e.squares, e.txs, log)
    rc := config.LoadReconcileConfig()
    e.engine = reconcile.New(e.squares, e.txs, e.manager, log,
        reconcile.WithPolicy(reconcile.OvershootPolicy{Exact: rc.ExactAmount, MaxCents: rc.MaxOvershootCents}))
    return e, nil
}

func (e *env) Close() error { return e.db.Close() }

// withEnv runs fn with an opened env and closes it afterwards.
func withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
    e, err := openEnv(cmd)
    if err != nil {
        return err
    }
    defer e.Close()
    return fn(cmd.Context(), e)
}

// render writes v in the format selected by --output.
func render(cmd *cobra.Command, v any) error {
    format, _ := cmd.Flags().GetString("output")
    return writeAs(cmd.OutOrStdout(), format, v)
}

func writeAs(w io.Writer, format string, v any) error {
    switch format {
    case "yaml", "yml":
        enc := yaml.NewEncoder(w)
        enc.SetIndent(2)
        if err := enc.Encode(v); err != nil {
            return err
        }
        return enc.Close()
    case "json", "":
        enc := json.NewEncoder(w)
        enc.SetIndent("", "  ")
        return enc.Encode(v)
    }
    return fmt.Errorf("unknown output format %q", format)
}
