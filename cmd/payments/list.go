package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"xrp-payment-monitor/internal/api"
	"xrp-payment-monitor/internal/common"
	"xrp-payment-monitor/internal/config"
	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/store"

	"github.com/spf13/cobra"
)

type filterFlags struct {
	receiver string
	sender   string
	currency string
	status   string
	since    time.Duration
	limit    int
}

func (f *filterFlags) register(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVarP(&f.receiver, "receiver", "r", "", "Only payments to this address")
	cmd.Flags().StringVarP(&f.sender, "sender", "s", "", "Only payments from this address")
	cmd.Flags().StringVarP(&f.currency, "currency", "c", "", "Only payments converted to this fiat currency")
	cmd.Flags().StringVar(&f.status, "status", "", "Only payments with this status (confirmed, pending, failed)")
	cmd.Flags().DurationVar(&f.since, "since", 0, "Only payments observed within this duration (e.g. 24h)")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", defaultLimit, "Maximum number of payments")
}

func (f *filterFlags) filter() store.PaymentFilter {
	filter := store.PaymentFilter{
		Receiver: f.receiver,
		Sender:   f.sender,
		Currency: strings.ToUpper(f.currency),
		Status:   models.PaymentStatus(strings.ToLower(f.status)),
		Limit:    f.limit,
	}
	if f.since > 0 {
		filter.Since = time.Now().UTC().Add(-f.since)
	}
	return filter
}

// openService opens the configured store behind the read service
func openService(cmd *cobra.Command) (*api.PaymentService, func(), error) {
	cfg, err := config.LoadReadOnly()
	if err != nil {
		return nil, nil, err
	}
	st, err := common.InitializeStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open payment store: %w", err)
	}
	return api.NewPaymentService(st), st.Close, nil
}

func listCmd() *cobra.Command {
	var flags filterFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored payments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := openService(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			payments, err := svc.ListPayments(cmd.Context(), flags.filter())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(models.PaymentsResponse{Payments: payments, Count: len(payments)})
			}
			common.PrintPayments(os.Stdout, payments)

			latest, err := svc.LatestObservedAt(cmd.Context())
			if err == nil && latest != nil {
				fmt.Printf("\nLatest payment observed %s ago\n", time.Since(*latest).Truncate(time.Second))
			}
			return nil
		},
	}

	flags.register(cmd, store.DefaultListLimit)
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func summaryCmd() *cobra.Command {
	var flags filterFlags

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show payment counts and totals per fiat currency",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := openService(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			payments, err := svc.ListPayments(cmd.Context(), flags.filter())
			if err != nil {
				return err
			}
			common.PrintSummary(os.Stdout, common.Summarize(payments))
			if len(payments) == flags.filter().EffectiveLimit() {
				fmt.Printf("\nTotals cover the newest %d payments only; narrow with --since\n", len(payments))
			}
			return nil
		},
	}

	flags.register(cmd, store.MaxListLimit)
	return cmd
}
