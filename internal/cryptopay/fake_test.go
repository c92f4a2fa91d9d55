package cryptopay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testToken = "test-token"

// fakeProvider is an in-process stand-in for the Crypto Pay API.
type fakeProvider struct {
	mu          sync.Mutex
	calls       map[string]int
	failing     map[string]bool
	rates       []map[string]any
	statuses    map[int64]InvoiceStatus
	lastParams  map[string]map[string]string
	nextID      int64
	deleteDelay time.Duration
	// notDeleted makes deleteInvoice answer ok with a false result.
	notDeleted bool

	srv *httptest.Server
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		calls:      map[string]int{},
		failing:    map[string]bool{},
		statuses:   map[int64]InvoiceStatus{},
		lastParams: map[string]map[string]string{},
		nextID:     1000,
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) gateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	cfg.BaseURL = p.srv.URL
	cfg.Token = testToken
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return New(cfg, discardLogger())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (p *fakeProvider) setRates(pairs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates = nil
	for i := 0; i+2 < len(pairs); i += 3 {
		p.rates = append(p.rates, map[string]any{
			"is_valid":  true,
			"is_crypto": true,
			"is_fiat":   false,
			"source":    pairs[i],
			"target":    pairs[i+1],
			"rate":      pairs[i+2],
		})
	}
}

func (p *fakeProvider) setFailing(method string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[method] = fail
}

func (p *fakeProvider) setStatus(id int64, status InvoiceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[id] = status
}

func (p *fakeProvider) count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

func (p *fakeProvider) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

func (p *fakeProvider) params(method string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastParams[method]
}

func (p *fakeProvider) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(tokenHeader) != testToken {
		writeEnvelope(w, http.StatusUnauthorized, nil, &APIError{Code: 401, Name: "UNAUTHORIZED"})
		return
	}
	_ = r.ParseForm()
	method := strings.TrimPrefix(r.URL.Path, "/")

	p.mu.Lock()
	p.calls[method]++
	params := map[string]string{}
	for k := range r.Form {
		params[k] = r.Form.Get(k)
	}
	p.lastParams[method] = params
	failing := p.failing[method]
	delay := p.deleteDelay
	notDeleted := p.notDeleted
	p.mu.Unlock()

	if failing {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	switch method {
	case "getExchangeRates":
		p.mu.Lock()
		rates := p.rates
		p.mu.Unlock()
		writeEnvelope(w, http.StatusOK, rates, nil)
	case "createInvoice":
		p.mu.Lock()
		p.nextID++
		id := p.nextID
		p.statuses[id] = InvoiceActive
		p.mu.Unlock()
		writeEnvelope(w, http.StatusOK, p.invoiceJSON(id, InvoiceActive, params), nil)
	case "getInvoices":
		var items []map[string]any
		for _, raw := range strings.Split(params["invoice_ids"], ",") {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			p.mu.Lock()
			status, ok := p.statuses[id]
			p.mu.Unlock()
			if !ok {
				continue
			}
			items = append(items, p.invoiceJSON(id, status, nil))
		}
		writeEnvelope(w, http.StatusOK, map[string]any{"items": items}, nil)
	case "deleteInvoice":
		if delay > 0 {
			time.Sleep(delay)
		}
		if notDeleted {
			writeEnvelope(w, http.StatusOK, false, nil)
			return
		}
		id, _ := strconv.ParseInt(params["invoice_id"], 10, 64)
		p.mu.Lock()
		status, ok := p.statuses[id]
		if ok && status == InvoiceActive {
			delete(p.statuses, id)
		}
		p.mu.Unlock()
		if !ok || status != InvoiceActive {
			writeEnvelope(w, http.StatusBadRequest, nil, &APIError{Code: 400, Name: "INVOICE_NOT_DELETABLE"})
			return
		}
		writeEnvelope(w, http.StatusOK, true, nil)
	case "transfer":
		uid, _ := strconv.ParseInt(params["user_id"], 10, 64)
		writeEnvelope(w, http.StatusOK, map[string]any{
			"transfer_id":  77,
			"spend_id":     params["spend_id"],
			"user_id":      uid,
			"asset":        params["asset"],
			"amount":       params["amount"],
			"status":       "completed",
			"completed_at": time.Now().UTC().Format(time.RFC3339),
		}, nil)
	case "getBalance":
		writeEnvelope(w, http.StatusOK, []map[string]any{
			{"currency_code": "USDT", "available": "12.5", "onhold": "0"},
		}, nil)
	default:
		writeEnvelope(w, http.StatusNotFound, nil, &APIError{Code: 404, Name: "METHOD_NOT_FOUND"})
	}
}

func (p *fakeProvider) invoiceJSON(id int64, status InvoiceStatus, params map[string]string) map[string]any {
	amount := "1"
	if params != nil && params["amount"] != "" {
		amount = params["amount"]
	}
	return map[string]any{
		"invoice_id":      id,
		"hash":            "IV" + strconv.FormatInt(id, 10),
		"currency_type":   "crypto",
		"asset":           "USDT",
		"amount":          amount,
		"pay_url":         "https://t.me/CryptoBot?start=IV" + strconv.FormatInt(id, 10),
		"bot_invoice_url": "https://t.me/CryptoBot?start=IV" + strconv.FormatInt(id, 10),
		"status":          string(status),
		"created_at":      time.Now().UTC().Format(time.RFC3339),
	}
}

func writeEnvelope(w http.ResponseWriter, code int, result any, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := map[string]any{"ok": apiErr == nil}
	if apiErr != nil {
		body["error"] = apiErr
	} else {
		body["result"] = result
	}
	_ = json.NewEncoder(w).Encode(body)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
