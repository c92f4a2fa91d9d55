package cryptopay

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClientErrorStreak(t *testing.T) {
	p := newFakeProvider(t)
	p.setFailing("getBalance", true)
	c := NewClient(p.srv.URL, testToken, time.Second, NewRateLimiter(10, time.Minute), discardLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := c.Call(ctx, http.MethodGet, "getBalance", nil, nil)
		if KindOf(err) != KindHTTP {
			t.Fatalf("kind = %q, err = %v", KindOf(err), err)
		}
	}
	st := c.Stats()
	if st.ErrorStreak != 2 || st.LastErrorKind != KindHTTP || st.LastErrorAt.IsZero() {
		t.Fatalf("stats after failures = %+v", st)
	}

	p.setFailing("getBalance", false)
	var out []Balance
	if err := c.Call(ctx, http.MethodGet, "getBalance", nil, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(out) != 1 || !out[0].Available.Equal(dec("12.5")) {
		t.Fatalf("balance = %+v", out)
	}
	st = c.Stats()
	if st.ErrorStreak != 0 || st.Calls != 3 || st.Failures != 2 {
		t.Fatalf("stats after success = %+v", st)
	}
}

func TestClientAPIError(t *testing.T) {
	p := newFakeProvider(t)
	c := NewClient(p.srv.URL, "wrong", time.Second, nil, discardLogger())

	err := c.Call(context.Background(), http.MethodGet, "getBalance", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Name != "UNAUTHORIZED" {
		t.Fatalf("err = %v", err)
	}
	if KindOf(err) != KindAPI {
		t.Fatalf("kind = %q", KindOf(err))
	}
	if c.Stats().ErrorStreak != 1 {
		t.Fatalf("api error not counted")
	}
}

func TestClientRateLimitRefusalIsNotAFailure(t *testing.T) {
	p := newFakeProvider(t)
	p.setFailing("getBalance", true)
	c := NewClient(p.srv.URL, testToken, time.Second, NewRateLimiter(1, time.Hour), discardLogger())
	ctx := context.Background()

	_ = c.Call(ctx, http.MethodGet, "getBalance", nil, nil)
	err := c.Call(ctx, http.MethodGet, "getBalance", nil, nil)
	if !errors.Is(err, ErrRateLimited) || KindOf(err) != KindRateLimited {
		t.Fatalf("err = %v", err)
	}
	if p.count("getBalance") != 1 {
		t.Fatalf("refused call reached the provider")
	}
	if st := c.Stats(); st.ErrorStreak != 1 || st.Calls != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestClientNetworkError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", testToken, time.Second, nil, discardLogger())
	err := c.Call(context.Background(), http.MethodGet, "getMe", nil, nil)
	if k := KindOf(err); k != KindNetwork && k != KindTimeout {
		t.Fatalf("kind = %q, err = %v", k, err)
	}
}
