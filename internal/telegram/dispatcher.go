package telegram

import (
	"context"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Dispatcher fans updates out to a fixed pool of workers. All updates of one
// user land on the same worker and are handled in arrival order.
type Dispatcher struct {
	workers int
	handle  func(ctx context.Context, u tgbotapi.Update)
	log     *slog.Logger
	queue   int
}

func NewDispatcher(workers int, handle func(ctx context.Context, u tgbotapi.Update), logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{workers: workers, handle: handle, log: logger, queue: 64}
}

// Run consumes updates until ctx is done or the channel closes, then waits for
// the workers to drain their queues.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	queues := make([]chan tgbotapi.Update, d.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan tgbotapi.Update, d.queue)
		wg.Add(1)
		go func(q <-chan tgbotapi.Update) {
			defer wg.Done()
			for u := range q {
				d.safeHandle(ctx, u)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			select {
			case queues[shard(userOf(u), d.workers)] <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) safeHandle(ctx context.Context, u tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("update handler panic", "update_id", u.UpdateID, "panic", r)
		}
	}()
	d.handle(ctx, u)
}

func shard(userID int64, n int) int {
	return int(uint64(userID) % uint64(n))
}

func userOf(u tgbotapi.Update) int64 {
	switch {
	case u.Message != nil && u.Message.From != nil:
		return u.Message.From.ID
	case u.CallbackQuery != nil && u.CallbackQuery.From != nil:
		return u.CallbackQuery.From.ID
	case u.EditedMessage != nil && u.EditedMessage.From != nil:
		return u.EditedMessage.From.ID
	}
	return 0
}
