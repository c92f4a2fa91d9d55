package worker

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper settles pending orders whose payment window has closed.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Worker runs the expiry sweep on a fixed interval. The invoice store timers
// cover the normal path; the sweep catches orders they missed, such as
// invoices the provider stopped reporting.
type Worker struct {
	Orders   Sweeper
	Interval time.Duration
	Log      *slog.Logger
	Now      func() time.Time
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.SyncOnce(ctx); err != nil {
			w.logger().Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) SyncOnce(ctx context.Context) error {
	now := time.Now().UTC()
	if w.Now != nil {
		now = w.Now()
	}
	settled, err := w.Orders.Sweep(ctx, now)
	if err != nil {
		return err
	}
	if settled > 0 {
		w.logger().Info("expired orders settled", "count", settled)
	}
	return nil
}

func (w *Worker) logger() *slog.Logger {
	if w.Log == nil {
		return slog.Default()
	}
	return w.Log
}
