// Command squaresctl is the operator CLI: schema migration, campaign
// publication, reconciliation, repair audits, rollbacks and hold sweeps.
// Every command that could change claims is a dry run unless told
// otherwise.
package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"

    "github.com/iliyamo/donation-squares/internal/config"
)

var Version = "dev"

func main() {
    config.LoadDotEnv()
    if err := newRootCmd().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, err)
        os.Exit(1)
    }
}

func newRootCmd() *cobra.Command {
    rootCmd := &cobra.Command{
        Use:           "squaresctl",
        Short:         "Operator tooling for donation square campaigns",
        Version:       Version,
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    rootCmd.PersistentFlags().StringP("output", "o", "json", "Output format (json, yaml)")
    rootCmd.PersistentFlags().Bool("verbose", false, "Log at debug level")

    rootCmd.AddCommand(migrateCmd())
    rootCmd.AddCommand(publishCmd())
    rootCmd.AddCommand(reconcileCmd())
    rootCmd.AddCommand(repairCmd())
    rootCmd.AddCommand(rollbackCmd())
    rootCmd.AddCommand(sweepHoldsCmd())
    rootCmd.AddCommand(hashPasswordCmd())
    return rootCmd
}
