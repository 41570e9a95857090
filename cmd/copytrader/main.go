// Command copytrader runs the copy-trading core: the WS Subscriber, the
// Session Engine, and the optional Telegram notify sink, wired together
// over the Trade Bus and Trader Set Watch. Structured after
// web3guy0-polybot/cmd/polybot/main.go's load-config/init-services/wait-
// for-signal shape.
package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/internal/analytics"
	"github.com/web3guy0/polybot/internal/bus"
	"github.com/web3guy0/polybot/internal/config"
	"github.com/web3guy0/polybot/internal/engine"
	"github.com/web3guy0/polybot/internal/notify"
	"github.com/web3guy0/polybot/internal/store"
	"github.com/web3guy0/polybot/internal/tradertracker"
	"github.com/web3guy0/polybot/internal/wsfeed"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Msg("copytrader starting")

	st, err := store.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	tracked := tradertracker.New()
	tradeBus := bus.New()
	updateBus := bus.New()
	analyticsClient := analytics.NewGormClient(st.DB())

	eng := engine.New(cfg, st, analyticsClient, tracked, updateBus, rand.New(rand.NewSource(time.Now().UnixNano())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tradeCh, unsubscribeEngine := tradeBus.Subscribe(256)
	defer unsubscribeEngine()
	go eng.Run(ctx, tradeCh)

	sub := wsfeed.New(cfg.PolygonWSURL, cfg.PolygonRPCURL, tradeBus, tracked, nil)
	go sub.Run(ctx)

	if sink, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID); err != nil {
		log.Error().Err(err).Msg("notify: telegram init failed, continuing without alerts")
	} else if sink != nil {
		updateCh, unsubscribeNotify := updateBus.Subscribe(64)
		defer unsubscribeNotify()
		go sink.Run(updateCh)
	}

	log.Info().Msg("all services started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
}

