package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orderflow_billing/internal/app"
	"orderflow_billing/internal/config"
	"orderflow_billing/internal/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operator tooling for orders, payments and the reconciliation queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("operator", defaultOperator(), "Name recorded on audit fields")

	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(refundCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reconCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultOperator() string {
	if user := os.Getenv("USER"); user != "" {
		return "cli:" + user
	}
	return "cli"
}

// withApp loads configuration, wires the services and runs fn against them.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	zapLog, err := logger.New(cfg.Env)
	if err != nil {
		return err
	}
	defer zapLog.Sync()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, zapLog.Named("opsctl"))
	if err != nil {
		zapLog.Error("failed to initialize services", zap.Error(err))
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func operator(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("operator")
	return name
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
