// Command surgebot runs the surge-short engine: the scanner emits signals,
// the entry pipeline turns accepted ones into live orders, the monitor
// carries every open position through its bracket and exit lifecycle, and
// the event stream gives the monitor a WebSocket fast path alongside its
// REST poll loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/surgewatch/surgebot/internal/config"
	"github.com/surgewatch/surgebot/internal/domain"
	"github.com/surgewatch/surgebot/internal/entrypipeline"
	"github.com/surgewatch/surgebot/internal/eventstream"
	"github.com/surgewatch/surgebot/internal/exchange"
	"github.com/surgewatch/surgebot/internal/monitor"
	"github.com/surgewatch/surgebot/internal/notify"
	"github.com/surgewatch/surgebot/internal/persistence"
	"github.com/surgewatch/surgebot/internal/scanner"
	"github.com/surgewatch/surgebot/internal/strategy"
	"github.com/surgewatch/surgebot/internal/supervisor"
	"github.com/surgewatch/surgebot/internal/telemetry"
)

func main() {
	setupLogger()
	log.Info().Msg("surgebot starting")

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg(".env file not found, relying on process environment")
	}
	secrets := config.LoadSecrets()
	if secrets.BinanceAPIKey == "" || secrets.BinanceAPISecret == "" {
		log.Fatal().Msg("BINANCE_API_KEY / BINANCE_API_SECRET must be set")
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	cfgMgr, err := config.NewManager(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := cfgMgr.Get()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open persistence store")
	}
	defer store.Close()

	mirror := notify.NewEmailMirror(
		secrets.SMTPHost, secrets.SMTPPort, secrets.SMTPUsername, secrets.SMTPPassword,
		secrets.SMTPFrom, splitCSV(secrets.SMTPTo), log.Logger,
	)
	var notifier notify.Notifier
	if secrets.TelegramToken != "" && secrets.TelegramChatID != "" {
		chatID, convErr := parseChatID(secrets.TelegramChatID)
		if convErr != nil {
			log.Fatal().Err(convErr).Msg("TELEGRAM_CHAT_ID must be an integer")
		}
		notifier = notify.NewTelegramNotifier(secrets.TelegramToken, chatID, mirror, log.Logger)
	} else {
		log.Warn().Msg("no Telegram credentials set, running with a no-op notifier")
		notifier = notify.NoopNotifier{}
	}

	client := exchange.NewBinanceClient(secrets.BinanceAPIKey, secrets.BinanceAPISecret, cfg.Testnet, log.Logger)
	metrics := telemetry.New()
	strat := strategy.NewSurgeShortStrategy(log.Logger)

	sig := make(chan domain.Signal, 64)

	scan := scanner.New(cfgMgr, client, sig, log.Logger)
	mon := monitor.New(cfgMgr, client, store, notifier, strat, scan, metrics, log.Logger)
	pipe := entrypipeline.New(cfgMgr, client, store, notifier, strat, mon, metrics, sig, log.Logger)
	stream := eventstream.New(client, log.Logger)
	stream.OnOrderUpdate(func(u eventstream.OrderUpdate) {
		mon.HandleOrderUpdate(context.Background(), u)
	})
	stream.OnAccountUpdate(mon.HandleAccountUpdate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(ctx, log.Logger)
	sup.Go("scanner", scan.Run)
	sup.Go("entrypipeline", pipe.Run)
	sup.Go("monitor", mon.Run)
	sup.Go("eventstream", stream.Run)

	log.Info().
		Int("leverage", cfg.Leverage).
		Int("max_positions", cfg.MaxPositions).
		Bool("testnet", cfg.Testnet).
		Bool("auto_trade", cfg.AutoTradeEnabled).
		Msg("surgebot running")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining tasks")

	if ok := sup.Shutdown(30 * time.Second); !ok {
		log.Warn().Msg("one or more tasks did not exit cleanly within the shutdown window")
	}
	log.Info().Msg("surgebot stopped")
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseChatID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscan(s, &id)
	return id, err
}
