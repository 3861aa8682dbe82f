package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"orderflow_billing/internal/app"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/repository"
)

func reconCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recon",
		Short: "Inspect and work the reconciliation queue",
	}
	cmd.AddCommand(reconListCmd(), reconRetryCmd(), reconResolveCmd())
	return cmd
}

func reconListCmd() *cobra.Command {
	var (
		status string
		kind   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reconciliation items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := repository.ReconciliationFilter{
				Status: models.ReconciliationStatus(status),
				Kind:   models.ReconciliationKind(kind),
				Limit:  limit,
			}
			if status == "all" {
				filter.Status = ""
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Reconciler.ListItems(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd, items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.ReconStatusOpen), "open, resolved or all")
	cmd.Flags().StringVar(&kind, "kind", "", "Only items of this kind")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum items")
	return cmd
}

func reconRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Replay an open reconciliation item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid item id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				item, err := a.Reconciler.ReplayItem(ctx, id, operator(cmd))
				if err != nil {
					return err
				}
				return printJSON(cmd, item)
			})
		},
	}
}

func reconResolveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <item-id>",
		Short: "Close a reconciliation item with a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid item id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				item, err := a.Reconciler.ResolveItem(ctx, id, operator(cmd), note)
				if err != nil {
					return err
				}
				return printJSON(cmd, item)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Resolution note (required)")
	return cmd
}
