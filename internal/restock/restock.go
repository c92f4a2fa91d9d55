package restock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"shopbot/internal/store"

	"github.com/robfig/cron/v3"
)

type Rule struct {
	ProductID   int64
	MaxQuantity int
	MinAdd      int
	MaxAdd      int
}

type Stocker interface {
	AddStock(ctx context.Context, productID int64, add, limit int) (int, error)
}

// Job tops products up toward their cap. With RandomSkip each product is
// skipped on a coin flip.
type Job struct {
	Store      Stocker
	Rules      []Rule
	RandomSkip bool
	Log        *slog.Logger

	// IntN defaults to math/rand/v2.IntN.
	IntN func(n int) int
}

// Result reports the quantity after one rule was applied.
type Result struct {
	ProductID int64
	Added     int
	Quantity  int
	Skipped   bool
}

func (j *Job) intN(n int) int {
	if j.IntN != nil {
		return j.IntN(n)
	}
	return rand.IntN(n)
}

func (j *Job) logger() *slog.Logger {
	if j.Log == nil {
		return slog.Default()
	}
	return j.Log
}

// RunOnce applies every rule. A failing product is logged and does not
// stop the others; the joined error is returned.
func (j *Job) RunOnce(ctx context.Context) ([]Result, error) {
	var errs []error
	out := make([]Result, 0, len(j.Rules))
	for _, rule := range j.Rules {
		if j.RandomSkip && j.intN(2) == 1 {
			out = append(out, Result{ProductID: rule.ProductID, Skipped: true})
			continue
		}
		add := rule.MinAdd
		if span := rule.MaxAdd - rule.MinAdd; span > 0 {
			add += j.intN(span + 1)
		}
		qty, err := j.Store.AddStock(ctx, rule.ProductID, add, rule.MaxQuantity)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				j.logger().Warn("restock: unknown product", "product_id", rule.ProductID)
				continue
			}
			errs = append(errs, fmt.Errorf("restock product %d: %w", rule.ProductID, err))
			continue
		}
		out = append(out, Result{ProductID: rule.ProductID, Added: add, Quantity: qty})
		j.logger().Info("restock applied", "product_id", rule.ProductID, "add", add, "quantity", qty)
	}
	return out, errors.Join(errs...)
}

// Schedule registers the job on a new cron. The caller starts and stops it.
func (j *Job) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger().Error("restock failed", "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("restock schedule %q: %w", spec, err)
	}
	return c, nil
}
