package main

import (
	"fmt"
	"strings"
	"time"

	"xrp-payment-monitor/internal/common"
	"xrp-payment-monitor/internal/config"
	"xrp-payment-monitor/internal/httpclient"
	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/rates"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func rateCmd() *cobra.Command {
	var amount string

	cmd := &cobra.Command{
		Use:   "rate [currency]",
		Short: "Fetch a fresh XRP rate from the rate provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadReadOnly()
			if err != nil {
				return err
			}
			if cfg.Rates.APIKey == "" {
				return fmt.Errorf("COINMARKETCAP_API_KEY is not set")
			}

			currency := cfg.Rates.SettlementCurrency
			if len(args) == 1 {
				currency = strings.ToUpper(args[0])
			}

			httpClient, err := httpclient.New(cfg.Ledger.RequestTimeout)
			if err != nil {
				return err
			}
			guard := common.NewGuard("rates", cfg, nil)
			provider := rates.NewCoinMarketCapProvider(cfg.Rates.ProviderURL, cfg.Rates.APIKey, httpClient)
			cache := rates.NewCache(provider, guard, cfg.Rates.CacheTTL)

			rate, err := cache.Refresh(cmd.Context(), currency)
			if err != nil {
				return fmt.Errorf("failed to fetch %s rate: %w", currency, err)
			}

			common.PrintHeader(cmd.OutOrStdout(), fmt.Sprintf("%s/%s", models.NativeCurrency, currency), common.DefaultWidth)
			fmt.Fprintf(cmd.OutOrStdout(), "Rate:       %s\n", rate.String())
			fmt.Fprintf(cmd.OutOrStdout(), "Fetched at: %s\n", time.Now().UTC().Format(time.RFC3339))

			if amount != "" {
				native, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("invalid amount %q: %w", amount, err)
				}
				fiat := models.RoundFiat(native.Mul(rate), currency)
				fmt.Fprintf(cmd.OutOrStdout(), "%s XRP = %s %s\n", native.String(), fiat.StringFixed(models.FiatScale(currency)), currency)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&amount, "amount", "a", "", "Convert this many XRP at the fetched rate")
	return cmd
}
