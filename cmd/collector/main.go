// Command collector runs the HK tick collector as a long-lived process:
// connect to the upstream feed, persist ticks to the day's SQLite shard,
// serve a health endpoint, and run the daily archive/quality-report
// schedule, until a signal, a fatal error, or a watchdog-declared persist
// stall ends it.
// Grounded on aristath-sentinel/trader-go/cmd/server/main.go's
// logger-then-config-then-run startup shape.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/billpwchan/hk-tick-collector/internal/config"
	"github.com/billpwchan/hk-tick-collector/internal/supervisor"
	"github.com/billpwchan/hk-tick-collector/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Config{Level: "info", Pretty: true, Service: "hk-tick-collector"})
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.DevMode,
		Service: "hk-tick-collector",
	})
	logger.SetGlobalLogger(log)

	log.Info().Strs("symbols", cfg.Symbols).Str("data_root", cfg.DataRoot).Msg("starting hk-tick-collector")

	sv, err := supervisor.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire supervisor")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := sv.Run(ctx)

	switch code {
	case supervisor.ExitOK:
		log.Info().Msg("collector stopped cleanly")
	case supervisor.ExitStall:
		log.Error().Msg("collector exiting after watchdog stall")
	default:
		log.Error().Int("code", code).Msg("collector exiting after fatal error")
	}

	os.Exit(code)
}
