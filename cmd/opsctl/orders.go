package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"orderflow_billing/internal/app"
	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/services"
)

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an unpaid order and void its open payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}
			description := "cancelled by " + operator(cmd)
			if reason = strings.TrimSpace(reason); reason != "" {
				description += ": " + reason
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Canceller.Cancel(ctx, id, services.Transition{Description: description}); err != nil {
					return err
				}
				order, _, err := a.Ledger.GetOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, order)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the order history")
	return cmd
}

func refundCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "refund <order-id>",
		Short: "Refund the payment that settled an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				refund, err := a.Refunds.Refund(ctx, services.RefundRequest{
					OrderID:     id,
					Reason:      reason,
					RequestedBy: operator(cmd),
				})
				if apperr.KindOf(err) == apperr.KindRefundPending && refund != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "refund is pending at the provider; run again later to settle it")
					return printJSON(cmd, refund)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, refund)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason sent to the provider")
	return cmd
}

func sweepCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue orders and resume stranded payments once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				expired, err := a.Sweeper.Sweep(ctx)
				if err != nil {
					return fmt.Errorf("expire orders: %w", err)
				}
				stranded, err := a.Reconciler.Sweep(ctx, limit)
				if err != nil {
					return fmt.Errorf("resume stranded payments: %w", err)
				}
				return printJSON(cmd, map[string]interface{}{
					"expiration": expired,
					"stranded":   stranded,
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum stranded payments to resume")
	return cmd
}
