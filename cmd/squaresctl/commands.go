package main

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/spf13/cobra"
    "golang.org/x/crypto/bcrypt"

    "github.com/iliyamo/donation-squares/internal/model"
    "github.com/iliyamo/donation-squares/internal/reconcile"
    "github.com/iliyamo/donation-squares/internal/repair"
    "github.com/iliyamo/donation-squares/internal/utils"
)

func migrateCmd() *cobra.Command {
    return &cobra.Command{
        Use:   "migrate",
        Short: "Create the database schema if it does not exist",
        RunE: func(cmd *cobra.Command, args []string) error {
            return withEnv(cmd, func(ctx context.Context, e *env) error {
                fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
                return nil
            })
        },
    }
}

func publishCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "publish [name]",
        Short: "Publish a campaign and generate its squares",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            rows, _ := cmd.Flags().GetInt("rows")
            cols, _ := cmd.Flags().GetInt("cols")
            pricing, _ := cmd.Flags().GetString("pricing")
            base, _ := cmd.Flags().GetInt64("base-cents")
            step, _ := cmd.Flags().GetInt64("step-cents")
            inactive, _ := cmd.Flags().GetBool("inactive")
            return withEnv(cmd, func(ctx context.Context, e *env) error {
                c, err := e.campaigns.Publish(ctx, model.Campaign{
                    Name: args[0], GridRows: rows, GridCols: cols, PricingKind: pricing,
                    BaseValueCents: base, StepCents: step, IsActive: !inactive,
                })
                if err != nil {
                    return err
                }
                e.log.Info("campaign published", "campaign_id", c.ID, "squares", c.SquareCount())
                return render(cmd, c)
            })
        },
    }
    cmd.Flags().Int("rows", 10, "Grid rows")
    cmd.Flags().Int("cols", 10, "Squares per row")
    cmd.Flags().String("pricing", model.PricingFixed, "Pricing kind (fixed, sequential)")
    cmd.Flags().Int64("base-cents", 100, "Value of square #1 in cents")
    cmd.Flags().Int64("step-cents", 0, "Increment per square number (sequential pricing)")
    cmd.Flags().Bool("inactive", false, "Publish without accepting donations")
    return cmd
}

func reconcileCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "reconcile [transaction-id]",
        Short: "Resolve a transaction's squares and promote them",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            dry, _ := cmd.Flags().GetBool("dry-run")
            return withEnv(cmd, func(ctx context.Context, e *env) error {
                var (
                    res reconcile.Result
                    err error
                )
                if dry {
                    res, err = e.engine.Plan(ctx, args[0])
                } else {
                    res, err = e.engine.Reconcile(ctx, args[0])
                }
                if err != nil && !errors.Is(err, reconcile.ErrInsufficientInventory) && !errors.Is(err, reconcile.ErrOvershootRejected) {
                    return err
                }
                if rerr := render(cmd, res); rerr != nil {
                    return rerr
                }
                return err
            })
        },
    }
    cmd.Flags().Bool("dry-run", false, "Only report what would be resolved")
    return cmd
}

func repairCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "repair",
        Short: "Audit transactions against their squares; --confirm applies the fixes",
        RunE: func(cmd *cobra.Command, args []string) error {
            confirm, _ := cmd.Flags().GetBool("confirm")
            var f repair.Filter
            f.CampaignID, _ = cmd.Flags().GetString("campaign")
            f.PaymentMethod, _ = cmd.Flags().GetString("payment-method")
            f.Status, _ = cmd.Flags().GetString("status")
            f.Limit, _ = cmd.Flags().GetInt("limit")
            return withEnv(cmd, func(ctx context.Context, e *env) error {
                report, err := repair.NewAuditor(e.txs, e.engine, e.log).Run(ctx, f, repair.Options{DryRun: !confirm})
                if err != nil {
                    return err
                }
                return render(cmd, report)
            })
        },
    }
    cmd.Flags().Bool("confirm", false, "Apply holds and promotions instead of a dry run")
    cmd.Flags().String("campaign", "", "Only this campaign")
    cmd.Flags().String("payment-method", "", "Only this payment method")
    cmd.Flags().String("status", "", "Only transactions in this status")
    cmd.Flags().Int("limit", 0, "Maximum transactions to audit (0 = all)")
    return cmd
}

func rollbackCmd() *cobra.Command {
    return &cobra.Command{
        Use:   "rollback [transaction-id]",
        Short: "Release a transaction's squares and delete it",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            return withEnv(cmd, func(ctx context.Context, e *env) error {
                res, err := e.engine.Rollback(ctx, args[0])
                if err != nil {
                    return err
                }
                return render(cmd, res)
            })
        },
    }
}

func sweepHoldsCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "sweep-holds [campaign-id]",
        Short: "Release temporary holds older than --older-than",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            age, _ := cmd.Flags().GetDuration("older-than")
            if age <= 0 {
                return errors.New("--older-than must be positive")
            }
            return withEnv(cmd, func(ctx context.Context, e *env) error {
                released, err := e.manager.SweepStaleHolds(ctx, args[0], age)
                if err != nil {
                    return err
                }
                return render(cmd, map[string]any{"campaign_id": args[0], "released": released})
            })
        },
    }
    cmd.Flags().Duration("older-than", 30*time.Minute, "Minimum hold age")
    return cmd
}

func hashPasswordCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "hash-password [password]",
        Short: "Print a bcrypt hash for ADMIN_PASSWORD_HASH",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            cost, _ := cmd.Flags().GetInt("cost")
            hash, err := utils.HashPassword(args[0], cost)
            if err != nil {
                return err
            }
            fmt.Fprintln(cmd.OutOrStdout(), hash)
            return nil
        },
    }
    cmd.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost")
    return cmd
}
