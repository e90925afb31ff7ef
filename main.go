// Command events-tracker monitors Twitch chat channels for monetized events
// (subs, gift subs, bit cheers, moderator-issued manual events). It:
//   - Loads configuration and initializes structured logging.
//   - Opens the durable append-only event log and recovers id numbering.
//   - Connects to NATS JetStream and ensures the downstream event stream.
//   - Starts one supervised listener unit per configured channel.
//   - Exposes a minimal HTTP server with /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/subvision/events-tracker/chat"
	"github.com/subvision/events-tracker/config"
	"github.com/subvision/events-tracker/eventlog"
	"github.com/subvision/events-tracker/queue"
	"github.com/subvision/events-tracker/server"
	"github.com/subvision/events-tracker/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("events-tracker", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable event log: system of record, shared by all channel units.
	log, err := eventlog.Open(cfg.EventsLogPath)
	if err != nil {
		slog.Error("failed to open event log", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			slog.Error("failed to close event log", slog.Any("err", err))
		}
	}()
	telemetry.SetLastEventID(log.LastID())
	slog.Info("event log opened", slog.String("path", cfg.EventsLogPath), slog.Int64("last_id", log.LastID()))
	gate := eventlog.NewGate(log)

	// Downstream queue
	qctx, qcancel := context.WithTimeout(ctx, 15*time.Second)
	pub, err := queue.Connect(qctx, queue.Config{URL: cfg.NATSURL, Stream: cfg.NATSStream, Subject: cfg.NATSSubject})
	qcancel()
	if err != nil {
		slog.Error("failed to connect queue", slog.Any("err", err))
		os.Exit(1)
	}
	defer pub.Close()

	// One supervised listener unit per channel. The supervisor restarts a
	// unit whose Serve returns an error (e.g. a publish failure) with
	// backoff; exhausted connect budgets are terminal per unit.
	sup := suture.New("events-tracker", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: slog.Default()}).MustHook(),
	})
	listeners := make([]*chat.Listener, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		l := chat.NewListener(chat.ListenerConfig{
			Conn: chat.ConnConfig{
				Server:  cfg.IRCServer,
				Channel: ch,
				Nick:    cfg.BotUsername,
				Token:   cfg.IRCToken,
			},
			Trigger: cfg.Trigger,
			MinBits: cfg.MinBits,
		}, log, gate, pub)
		listeners = append(listeners, l)
		sup.Add(l)
	}
	slog.Info("starting listeners", slog.Int("channel_count", len(cfg.Channels)), slog.Any("channels", cfg.Channels))
	supErr := sup.ServeBackground(ctx)

	// HTTP server (health/status/metrics)
	handlers := server.NewHandlers(log, pub, listeners, cfg.Regions)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal or supervisor exit
	select {
	case <-ctx.Done():
	case err := <-supErr:
		if err != nil && err != context.Canceled {
			slog.Error("supervisor exited", slog.Any("err", err))
		}
	}
	slog.Info("shutting down")
}
