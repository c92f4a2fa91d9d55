package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"shopbot/internal/cryptopay"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func balanceCmd(gw gatewayFunc, out *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the app balance per asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := gw()
			if err != nil {
				return err
			}
			balances, err := g.Balance(cmd.Context())
			if err != nil {
				return err
			}
			return out.emit(balances, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ASSET\tAVAILABLE\tON HOLD")
				for _, b := range balances {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", b.CurrencyCode, b.Available.String(), b.Onhold.String())
				}
				tw.Flush()
			})
		},
	}
}

func currenciesCmd(gw gatewayFunc, out *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "currencies",
		Short: "List currencies supported by the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := gw()
			if err != nil {
				return err
			}
			currencies, err := g.Currencies(cmd.Context())
			if err != nil {
				return err
			}
			return out.emit(currencies, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CODE\tNAME\tKIND\tDECIMALS")
				for _, c := range currencies {
					kind := "crypto"
					switch {
					case c.IsFiat:
						kind = "fiat"
					case c.IsStablecoin:
						kind = "stablecoin"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.Code, c.Name, kind, c.Decimals)
				}
				tw.Flush()
			})
		},
	}
}

func ratesCmd(gw gatewayFunc, out *printer) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Fetch current exchange rates",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := gw()
			if err != nil {
				return err
			}
			rates, fresh := g.ExchangeRates(cmd.Context(), true)
			if !fresh {
				return errors.New("exchange rates unavailable")
			}
			if target != "" {
				filtered := rates[:0]
				for _, r := range rates {
					if r.Target == target {
						filtered = append(filtered, r)
					}
				}
				rates = filtered
			}
			return out.emit(rates, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SOURCE\tTARGET\tRATE")
				for _, r := range rates {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Source, r.Target, r.Rate.String())
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "only rates into this currency")
	return cmd
}

func invoicesCmd(gw gatewayFunc, out *printer) *cobra.Command {
	var ids []int64
	cmd := &cobra.Command{
		Use:   "invoices",
		Short: "Show invoices by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(ids) == 0 {
				return errors.New("--ids is required")
			}
			g, err := gw()
			if err != nil {
				return err
			}
			invoices, err := g.GetInvoices(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return out.emit(invoices, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tAMOUNT\tASSET\tURL")
				for _, inv := range invoices {
					asset := inv.Asset
					if asset == "" {
						asset = inv.Fiat
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", inv.InvoiceID, inv.Status, cryptopay.FormatAmount(inv.Amount), asset, inv.URL())
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().Int64SliceVar(&ids, "ids", nil, "comma separated invoice ids")
	return cmd
}

func transferCmd(gw gatewayFunc, out *printer) *cobra.Command {
	var (
		userID  int64
		asset   string
		amount  string
		comment string
		spendID string
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Send coins from the app balance to a Telegram user",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			g, err := gw()
			if err != nil {
				return err
			}
			tr, err := g.Transfer(cmd.Context(), cryptopay.TransferRequest{
				UserID:  userID,
				Asset:   asset,
				Amount:  amt,
				SpendID: spendID,
				Comment: comment,
			})
			if err != nil {
				return err
			}
			return out.emit(tr, func(w io.Writer) {
				fmt.Fprintf(w, "transfer %d: %s %s to user %d (%s)\n",
					tr.TransferID, cryptopay.FormatAmount(tr.Amount), tr.Asset, tr.UserID, tr.Status)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "recipient Telegram user id")
	cmd.Flags().StringVar(&asset, "asset", "", "asset code, e.g. USDT")
	cmd.Flags().StringVar(&amount, "amount", "", "amount to send")
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment shown to the user")
	cmd.Flags().StringVar(&spendID, "spend-id", "", "idempotency key (random when empty)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func transfersCmd(gw gatewayFunc, out *printer) *cobra.Command {
	var (
		asset   string
		spendID string
		count   int
	)
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "List completed transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := gw()
			if err != nil {
				return err
			}
			transfers, err := g.Transfers(cmd.Context(), cryptopay.TransferFilter{Asset: asset, SpendID: spendID, Count: count})
			if err != nil {
				return err
			}
			return out.emit(transfers, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tUSER\tAMOUNT\tASSET\tSTATUS\tSPEND ID")
				for _, t := range transfers {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", t.TransferID, t.UserID, cryptopay.FormatAmount(t.Amount), t.Asset, t.Status, t.SpendID)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "only this asset")
	cmd.Flags().StringVar(&spendID, "spend-id", "", "only the transfer with this spend id")
	cmd.Flags().IntVar(&count, "count", 100, "maximum transfers to list")
	return cmd
}
