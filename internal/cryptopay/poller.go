package cryptopay

import (
	"context"
	"fmt"
	"time"
)

// Run drives the auto-cancel timers and the status poller until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	go g.invoices.Run(ctx)

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		if err := g.safePoll(ctx); err != nil {
			g.log.Error("invoice poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) safePoll(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panic: %v", r)
		}
	}()
	return g.PollOnce(ctx)
}

// PollOnce refreshes every active invoice from the provider, then retries the
// cancellation of invoices whose timer already fired without success.
func (g *Gateway) PollOnce(ctx context.Context) error {
	ids := g.invoices.ActiveIDs()
	if len(ids) == 0 {
		return nil
	}

	records, err := g.GetInvoices(ctx, ids)
	if err != nil {
		return err
	}
	changed := g.invoices.Apply(records)
	if len(changed) > 0 {
		g.log.Info("invoice poll", "active", len(ids), "changed", len(changed))
	} else {
		g.log.Debug("invoice poll", "active", len(ids), "changed", 0)
	}

	for _, id := range g.invoices.Overdue() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.invoices.Expire(ctx, id)
	}
	return nil
}
