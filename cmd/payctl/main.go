package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"shopbot/internal/config"
	"shopbot/internal/cryptopay"

	"github.com/spf13/cobra"
)

func main() {
	var (
		configPath string
		asJSON     bool
	)

	rootCmd := &cobra.Command{
		Use:           "payctl",
		Short:         "Operator tool for the Crypto Pay account behind the shop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CONFIG_PATH or configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&asJSON, "json", "j", false, "print raw JSON")

	gw := func() (*cryptopay.Gateway, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Require("cryptopay.token"); err != nil {
			return nil, err
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
		return cryptopay.New(cryptopay.Config{
			BaseURL:         cfg.CryptoPay.BaseURL,
			Token:           cfg.CryptoPay.Token,
			Timeout:         cfg.CryptoPayTimeout(),
			CacheTTL:        cfg.CacheTTL(),
			RateLimitMax:    cfg.Payments.RateLimit.MaxRequests,
			RateLimitWindow: cfg.RateLimitWindow(),
		}, logger), nil
	}
	out := &printer{w: os.Stdout, json: &asJSON}

	rootCmd.AddCommand(balanceCmd(gw, out))
	rootCmd.AddCommand(currenciesCmd(gw, out))
	rootCmd.AddCommand(ratesCmd(gw, out))
	rootCmd.AddCommand(invoicesCmd(gw, out))
	rootCmd.AddCommand(transferCmd(gw, out))
	rootCmd.AddCommand(transfersCmd(gw, out))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type gatewayFunc func() (*cryptopay.Gateway, error)

type printer struct {
	w    io.Writer
	json *bool
}

// emit prints v as indented JSON when --json is set, otherwise calls table.
func (p *printer) emit(v any, table func(w io.Writer)) error {
	if *p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table(p.w)
	return nil
}
