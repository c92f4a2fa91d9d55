package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"shopbot/internal/cryptopay"

	"github.com/spf13/cobra"
)

func balanceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getBalance" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"result":[{"currency_code":"USDT","available":"12.5","onhold":"0"}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func gatewayAt(url string) gatewayFunc {
	return func() (*cryptopay.Gateway, error) {
		return cryptopay.New(cryptopay.Config{BaseURL: url, Token: "t"}, slog.New(slog.NewTextHandler(io.Discard, nil))), nil
	}
}

func unusedGateway(t *testing.T) gatewayFunc {
	return func() (*cryptopay.Gateway, error) {
		t.Error("gateway must not be built")
		return nil, errors.New("unused")
	}
}

func execute(cmd *cobra.Command, args ...string) error {
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd.Execute()
}

func TestBalanceTable(t *testing.T) {
	srv := balanceServer(t)
	var buf bytes.Buffer
	asJSON := false
	if err := execute(balanceCmd(gatewayAt(srv.URL), &printer{w: &buf, json: &asJSON})); err != nil {
		t.Fatalf("balance: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "ASSET") || !strings.Contains(out, "USDT") || !strings.Contains(out, "12.5") {
		t.Fatalf("table = %q", out)
	}
}

func TestBalanceJSON(t *testing.T) {
	srv := balanceServer(t)
	var buf bytes.Buffer
	asJSON := true
	if err := execute(balanceCmd(gatewayAt(srv.URL), &printer{w: &buf, json: &asJSON})); err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !strings.Contains(buf.String(), `"currency_code": "USDT"`) {
		t.Fatalf("json = %q", buf.String())
	}
}

func TestInvoicesRequiresIDs(t *testing.T) {
	asJSON := false
	err := execute(invoicesCmd(unusedGateway(t), &printer{w: io.Discard, json: &asJSON}))
	if err == nil || !strings.Contains(err.Error(), "--ids") {
		t.Fatalf("err = %v", err)
	}
}

func TestTransferRejectsBadAmount(t *testing.T) {
	asJSON := false
	cmd := transferCmd(unusedGateway(t), &printer{w: io.Discard, json: &asJSON})
	err := execute(cmd, "--user", "1", "--asset", "USDT", "--amount", "lots")
	if err == nil || !strings.Contains(err.Error(), "invalid --amount") {
		t.Fatalf("err = %v", err)
	}
}

func TestTransferRequiresFlags(t *testing.T) {
	asJSON := false
	cmd := transferCmd(unusedGateway(t), &printer{w: io.Discard, json: &asJSON})
	if err := execute(cmd, "--asset", "USDT"); err == nil {
		t.Fatal("missing --user and --amount accepted")
	}
}
