package main

import (
	"fmt"
	"os"

	"xrp-payment-monitor/internal/common"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_, loggerCleanup := common.InitializeLogger()

	rootCmd := &cobra.Command{
		Use:           "payments",
		Short:         "Inspect ingested XRP payments and fiat rates",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(rateCmd())

	err := rootCmd.Execute()
	loggerCleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
