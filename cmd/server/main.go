package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"teamchat/internal/app"
	"teamchat/internal/config"
	"teamchat/internal/ratelimit"
	"teamchat/internal/server"
	"teamchat/internal/util"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseDuration(cfg.SessionTTL, 24*time.Hour)
	if err != nil {
		fatal(logger, "parse sessionTTL", err)
	}
	presenceTimeout, err := config.ParseDuration(cfg.PresenceTimeout, 30*time.Second)
	if err != nil {
		fatal(logger, "parse presenceTimeout", err)
	}
	typingTimeout, err := config.ParseDuration(cfg.TypingTimeout, 4*time.Second)
	if err != nil {
		fatal(logger, "parse typingTimeout", err)
	}
	reapInterval, err := config.ParseDuration(cfg.ReapInterval, 15*time.Second)
	if err != nil {
		fatal(logger, "parse reapInterval", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:        cfg.DatabaseURL,
		RedisAddr:          cfg.RedisAddr,
		RedisPassword:      cfg.RedisPassword,
		SessionTTL:         sessionTTL,
		PresenceTimeout:    presenceTimeout,
		TypingTimeout:      typingTimeout,
		RoomTokenSecret:    cfg.RoomTokenSecret,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	})
	if err != nil {
		fatal(logger, "init app", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.AuthRateLimit > 0 {
		window, err := config.ParseDuration(cfg.AuthRateWindow, time.Minute)
		if err != nil {
			fatal(logger, "parse authRateWindow", err)
		}
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "teamchat:ratelimit", cfg.AuthRateLimit, window)
		if err != nil {
			fatal(logger, "init rate limiter", err)
		}
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		fatal(logger, "parse trustedProxies", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Limiter:        limiter,
		TrustedProxies: trusted,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := appCore.ReapPresence(ctx); err != nil {
					slog.Warn("presence reap failed", "err", err)
				}
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		fatal(logger, "server error", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
