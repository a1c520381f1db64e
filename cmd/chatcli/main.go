package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quictalk/chat-client/internal/api"
	"github.com/quictalk/chat-client/internal/auth"
	"github.com/quictalk/chat-client/internal/bridge"
	"github.com/quictalk/chat-client/internal/cache"
	"github.com/quictalk/chat-client/internal/chat"
	"github.com/quictalk/chat-client/internal/config"
	"github.com/quictalk/chat-client/internal/conversation"
	"github.com/quictalk/chat-client/internal/metrics"
	"github.com/quictalk/chat-client/internal/notify"
	"github.com/quictalk/chat-client/internal/presence"
	"github.com/quictalk/chat-client/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.APIURL, "api", cfg.APIURL, "HTTP API base URL")
	flag.StringVar(&cfg.WSURL, "ws", cfg.WSURL, "realtime WebSocket URL")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "address to serve Prometheus metrics on (empty disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("chat client starting",
		"api_url", cfg.APIURL,
		"ws_url", cfg.WSURL,
		"reconnect_attempts", cfg.ReconnectAttempts,
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL,
		"metrics_addr", cfg.MetricsAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := newPrinter(os.Stdout)
	notices := notify.NewChannel(64, logger)

	client, err := api.New(api.Config{
		BaseURL: cfg.APIURL,
		Timeout: 15 * time.Second,
		Rate:    cfg.APIRate,
		Burst:   cfg.APIBurst,
	}, logger)
	if err != nil {
		logger.Error("failed to create API client", "error", err)
		os.Exit(1)
	}

	// --- Redis history cache (optional) ---
	var historyCache conversation.HistoryCache
	if cfg.RedisAddr != "" {
		h, err := cache.Dial(cfg.RedisAddr, cfg.CacheTTL)
		if err != nil {
			logger.Warn("history cache disabled", "error", err)
		} else {
			defer h.Close()
			historyCache = h
		}
	}

	// --- NATS bridge (optional) ---
	var publisher conversation.Publisher
	var natsBridge *bridge.Bridge
	if cfg.NATSURL != "" {
		bcfg := bridge.DefaultConfig()
		bcfg.URL = cfg.NATSURL
		b, err := bridge.Connect(bcfg, logger)
		if err != nil {
			logger.Warn("event bridge disabled", "error", err)
		} else {
			defer b.Close()
			natsBridge = b
			publisher = b
		}
	}

	tracker := presence.NewTracker(logger, func(online []string) {
		out.printf("* %d user(s) online", len(online))
		if natsBridge != nil {
			if err := natsBridge.PublishPresence(online); err != nil {
				logger.Warn("publishing presence failed", "error", err)
			}
		}
	})

	conv := conversation.New(conversation.Options{
		API:       client,
		Cache:     historyCache,
		Publisher: publisher,
		Notifier:  notices,
		Logger:    logger,
		OnMessage: func(m chat.Message) { out.message(m) },
	})

	tcfg := transport.DefaultConfig()
	tcfg.URL = cfg.WSURL
	tcfg.MaxAttempts = cfg.ReconnectAttempts
	tcfg.Delay = cfg.ReconnectDelay
	tcfg.MaxDelay = cfg.ReconnectMaxDelay
	tcfg.Heartbeat = transport.HeartbeatConfig{Interval: cfg.PingInterval, Timeout: cfg.PongTimeout}

	store := auth.New(auth.Options{
		API:           client,
		Transport:     tcfg,
		Header:        func() http.Header { return client.CookieHeader(cfg.WSURL) },
		Conversations: conv,
		Presence:      tracker,
		Notifier:      notices,
		Logger:        logger,
		OnState:       func(s transport.State) { out.printf("* realtime %s", s) },
	})
	defer store.Close()

	// --- Metrics ---
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	go func() {
		for n := range notices.Notices() {
			out.notice(n)
		}
	}()

	// App-start re-authentication from an existing session cookie.
	if err := store.CheckAuth(ctx); err == nil && store.Authenticated() {
		out.printf("* signed in as %s", store.User().FullName)
		if err := conv.LoadUsers(ctx); err != nil {
			logger.Debug("initial roster load failed", "error", err)
		}
	} else if !store.Authenticated() {
		out.printf("* not signed in; use /login or /signup (/help for commands)")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	cli := &commands{store: store, conv: conv, presence: tracker, out: out}
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := cli.run(ctx, strings.TrimSpace(line)); quit {
				break loop
			}
		}
	}

	logger.Info("shutting down")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
