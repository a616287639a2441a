package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/chat-relay/relay/internal/config"
	"github.com/chat-relay/relay/internal/logging"
	"github.com/chat-relay/relay/internal/presence"
	"github.com/chat-relay/relay/internal/relay"
	"github.com/chat-relay/relay/internal/tap"
	"github.com/chat-relay/relay/internal/ws"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults when empty)")
	port := flag.Int("port", 0, "Override server port")
	logLevel := flag.String("log-level", "", "Override log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	taps := startTaps(cfg, log)
	var publisher tap.Publisher = tap.Nop{}
	if taps != nil {
		publisher = taps
	}

	registry := presence.NewRegistry(
		presence.WithMaxNicknameLength(cfg.Chat.MaxNicknameLength),
		presence.WithLogger(log),
	)
	hub, err := relay.NewHub(registry, relay.Options{
		QuietPeriod:      cfg.Chat.TypingQuietPeriod,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		Logger:           log,
		Tap:              publisher,
	})
	if err != nil {
		log.Fatal("hub setup failed", zap.Error(err))
	}

	server := ws.NewServer(cfg, hub, log)
	httpServer := ws.NewHTTPServer(cfg, server.Handler())

	go func() {
		log.Info("relay listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				log.Info("shutting down", zap.Int("online", registry.Count()))
				err := httpServer.Shutdown(ctx)
				n := server.CloseAll()
				hub.Close()
				log.Info("connections closed", zap.Int("clients", n))
				if taps != nil {
					if terr := taps.Close(ctx); terr != nil && err == nil {
						err = terr
					}
				}
				return err
			},
		},
	)

	exitCode := <-wait
	log.Info("relay exited", zap.Int("code", exitCode))
	log.Sync()
	os.Exit(exitCode)
}

// startTaps connects the enabled activity taps. A tap that cannot connect is
// logged and skipped; the relay runs without it.
func startTaps(cfg *config.Config, log *zap.Logger) *tap.Async {
	var handlers []tap.Handler

	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		p, err := tap.NewRedisPresence(ctx, cfg.Redis)
		cancel()
		if err != nil {
			log.Warn("redis presence disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			handlers = append(handlers, p)
			log.Info("redis presence enabled", zap.String("key", cfg.Redis.Key))
		}
	}

	if cfg.NATS.Enabled {
		f, err := tap.NewNATSFeed(cfg.NATS)
		if err != nil {
			log.Warn("nats feed disabled", zap.String("url", cfg.NATS.URL), zap.Error(err))
		} else {
			handlers = append(handlers, f)
			log.Info("nats feed enabled", zap.String("prefix", cfg.NATS.SubjectPrefix))
		}
	}

	if len(handlers) == 0 {
		return nil
	}
	return tap.NewAsync(log.Named("tap"), 1024, handlers...)
}
