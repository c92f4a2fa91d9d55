package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"shopbot/internal/config"
	"shopbot/internal/cryptopay"
	"shopbot/internal/db"
	internalhttp "shopbot/internal/http"
	"shopbot/internal/orders"
	"shopbot/internal/pricing"
	"shopbot/internal/restock"
	"shopbot/internal/selection"
	"shopbot/internal/store"
	"shopbot/internal/telegram"
	"shopbot/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	if err := cfg.Require("db.dsn", "telegram.token", "cryptopay.token"); err != nil {
		logger.Error("config invalid", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	st := store.New(pool)

	gateway := cryptopay.New(cryptopay.Config{
		BaseURL:           cfg.CryptoPay.BaseURL,
		Token:             cfg.CryptoPay.Token,
		Timeout:           cfg.CryptoPayTimeout(),
		CacheTTL:          cfg.CacheTTL(),
		AutoCancelDefault: cfg.AutoCancelDefault(),
		RateLimitMax:      cfg.Payments.RateLimit.MaxRequests,
		RateLimitWindow:   cfg.RateLimitWindow(),
		PollInterval:      cfg.PollInterval(),
	}, logger)

	orderSvc := orders.NewService(st, gateway,
		pricing.Service{Converter: gateway, Fiat: cfg.Shop.Fiat},
		cfg.Shop.Assets, logger.With("component", "orders"))
	gateway.Subscribe(func(inv cryptopay.Invoice) {
		go orderSvc.HandleInvoiceUpdate(inv)
	})

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Error("telegram login failed", "err", err)
		os.Exit(1)
	}
	logger.Info("telegram bot authorized", "username", api.Self.UserName)

	texts := telegram.Texts{Support: cfg.Shop.SupportUsername}
	orderSvc.SetNotifier(telegram.NewNotifier(api, texts, logger.With("component", "notifier")))

	if err := orderSvc.Resume(ctx); err != nil {
		logger.Error("resume pending orders failed", "err", err)
	}

	bot := telegram.NewBot(api, orderSvc, st, selection.NewMachine(st), telegram.Options{
		Fiat:       cfg.Shop.Fiat,
		Quantities: cfg.Shop.Quantities,
		Assets:     cfg.Shop.Assets,
		Texts:      texts,
	}, logger.With("component", "telegram"))
	dispatcher := telegram.NewDispatcher(cfg.Telegram.Workers, bot.HandleUpdate, logger.With("component", "dispatcher"))

	sweeper := &worker.Worker{
		Orders:   orderSvc,
		Interval: cfg.SweepInterval(),
		Log:      logger.With("component", "sweeper"),
	}

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { gateway.Run(ctx) })
	run(func() { sweeper.Run(ctx) })
	run(func() { telegram.Poll(ctx, api, cfg.Telegram.PollTimeoutSeconds, dispatcher) })

	if cfg.Restock.Schedule != "" && len(cfg.Restock.Rules) > 0 {
		job := &restock.Job{
			Store:      st,
			Rules:      restockRules(cfg.Restock.Rules),
			RandomSkip: cfg.Restock.RandomSkip,
			Log:        logger.With("component", "restock"),
		}
		c, err := job.Schedule(cfg.Restock.Schedule)
		if err != nil {
			logger.Error("restock disabled", "err", err)
		} else {
			c.Start()
			defer func() { <-c.Stop().Done() }()
		}
	}

	var httpServer *http.Server
	if cfg.Server.Addr != "" {
		h := internalhttp.NewHandler(orderSvc, gateway, st)
		srv := internalhttp.NewServer(h, logger.With("component", "http"))
		httpServer = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           srv.Router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		run(func() {
			logger.Info("ops api listening", "addr", cfg.Server.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "err", err)
				stop()
			}
		})
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if httpServer != nil {
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(ctxShutdown)
		cancel()
	}
	wg.Wait()
}

func restockRules(in []config.RestockRule) []restock.Rule {
	out := make([]restock.Rule, 0, len(in))
	for _, r := range in {
		out = append(out, restock.Rule{
			ProductID:   r.ProductID,
			MaxQuantity: r.MaxQuantity,
			MinAdd:      r.MinAdd,
			MaxAdd:      r.MaxAdd,
		})
	}
	return out
}
