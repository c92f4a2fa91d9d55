package telegram

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func messageFrom(updateID int, userID int64) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: updateID,
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: userID},
			Chat: &tgbotapi.Chat{ID: userID},
		},
	}
}

func TestShardIsStable(t *testing.T) {
	for _, id := range []int64{0, 1, 7, 123456789, -42, math.MinInt64, math.MaxInt64} {
		for _, n := range []int{1, 3, 4} {
			s := shard(id, n)
			if s < 0 || s >= n {
				t.Fatalf("shard(%d, %d) = %d", id, n, s)
			}
			if shard(id, n) != s {
				t.Fatalf("shard(%d, %d) not stable", id, n)
			}
		}
	}
}

func TestDispatcherKeepsPerUserOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[int64][]int{}
	total := 0
	done := make(chan struct{})
	const users, perUser = 5, 20

	handle := func(_ context.Context, u tgbotapi.Update) {
		if u.UpdateID%7 == 0 {
			time.Sleep(time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		id := userOf(u)
		seen[id] = append(seen[id], u.UpdateID)
		total++
		if total == users*perUser {
			close(done)
		}
	}
	d := NewDispatcher(3, handle, discard())

	updates := make(chan tgbotapi.Update)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan struct{})
	go func() {
		d.Run(ctx, updates)
		close(finished)
	}()

	n := 0
	for i := 0; i < perUser; i++ {
		for u := int64(1); u <= users; u++ {
			n++
			updates <- messageFrom(n, u)
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("updates not handled")
	}
	close(updates)
	<-finished

	mu.Lock()
	defer mu.Unlock()
	for user, ids := range seen {
		for i := 1; i < len(ids); i++ {
			if ids[i] <= ids[i-1] {
				t.Fatalf("user %d handled out of order: %v", user, ids)
			}
		}
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	handled := make(chan int, 2)
	d := NewDispatcher(1, func(_ context.Context, u tgbotapi.Update) {
		if u.UpdateID == 1 {
			panic("boom")
		}
		handled <- u.UpdateID
	}, discard())

	updates := make(chan tgbotapi.Update, 2)
	updates <- messageFrom(1, 9)
	updates <- messageFrom(2, 9)
	close(updates)
	d.Run(context.Background(), updates)

	select {
	case id := <-handled:
		if id != 2 {
			t.Fatalf("handled %d", id)
		}
	default:
		t.Fatal("update after panic not handled")
	}
}
