package cryptopay

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRate is one provider quote, stamped with the time it was fetched.
type ExchangeRate struct {
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Rate      decimal.Decimal `json:"rate"`
	IsValid   bool            `json:"is_valid"`
	IsCrypto  bool            `json:"is_crypto"`
	IsFiat    bool            `json:"is_fiat"`
	FetchedAt time.Time       `json:"-"`
}

// CurrencyPair is the cached view of one ordered (source, target) combination.
// Entries are overwritten by newer fetches and never evicted.
type CurrencyPair struct {
	Source      string
	Target      string
	ForwardRate decimal.Decimal
	LastUpdated time.Time
	Valid       bool
}

type pairKey struct {
	source string
	target string
}

// CurrencyCache holds exchange rates with read-time TTL checks.
type CurrencyCache struct {
	mu          sync.RWMutex
	ttl         time.Duration
	rates       map[pairKey]ExchangeRate
	pairs       map[pairKey]*CurrencyPair
	lastRefresh time.Time
	nowFunc     func() time.Time
}

func NewCurrencyCache(ttl time.Duration) *CurrencyCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CurrencyCache{
		ttl:     ttl,
		rates:   map[pairKey]ExchangeRate{},
		pairs:   map[pairKey]*CurrencyPair{},
		nowFunc: time.Now,
	}
}

// UpdateFromBulkFetch stores every valid record, stamped with the current time.
// It returns the number of records accepted.
func (c *CurrencyCache) UpdateFromBulkFetch(records []ExchangeRate) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	c.lastRefresh = now
	accepted := 0
	for _, rec := range records {
		if !rec.IsValid || rec.Source == "" || rec.Target == "" || !rec.Rate.IsPositive() {
			continue
		}
		rec.FetchedAt = now
		key := pairKey{rec.Source, rec.Target}
		c.rates[key] = rec
		pair, ok := c.pairs[key]
		if !ok {
			pair = &CurrencyPair{Source: rec.Source, Target: rec.Target}
			c.pairs[key] = pair
		}
		pair.ForwardRate = rec.Rate
		pair.LastUpdated = now
		pair.Valid = true
		accepted++
	}
	return accepted
}

// Rate returns the forward rate for source -> target if it is still fresh.
func (c *CurrencyCache) Rate(source, target string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pair, ok := c.pairs[pairKey{source, target}]
	if !ok || !pair.Valid || c.expired(pair.LastUpdated) {
		return decimal.Decimal{}, false
	}
	return pair.ForwardRate, true
}

// StaleRate ignores the TTL. It is the last-resort path when a refresh failed.
func (c *CurrencyCache) StaleRate(source, target string) (decimal.Decimal, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pair, ok := c.pairs[pairKey{source, target}]
	if !ok || !pair.Valid {
		return decimal.Decimal{}, time.Time{}, false
	}
	return pair.ForwardRate, pair.LastUpdated, true
}

// Pair returns a copy of the cached pair regardless of freshness.
func (c *CurrencyCache) Pair(source, target string) (CurrencyPair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pair, ok := c.pairs[pairKey{source, target}]
	if !ok {
		return CurrencyPair{}, false
	}
	return *pair, true
}

// AllValid lists fresh rates ordered by source then target.
func (c *CurrencyCache) AllValid() []ExchangeRate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ExchangeRate, 0, len(c.rates))
	for _, r := range c.rates {
		if r.IsValid && !c.expired(r.FetchedAt) {
			out = append(out, r)
		}
	}
	sortRates(out)
	return out
}

// All lists every cached rate regardless of freshness, in AllValid order.
func (c *CurrencyCache) All() []ExchangeRate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ExchangeRate, 0, len(c.rates))
	for _, r := range c.rates {
		out = append(out, r)
	}
	sortRates(out)
	return out
}

func sortRates(out []ExchangeRate) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
}

func (c *CurrencyCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// expired must be called with c.mu held.
func (c *CurrencyCache) expired(at time.Time) bool {
	return c.nowFunc().Sub(at) > c.ttl
}
