// Command gridbotd is the process entrypoint: it wires the Persistence
// Store, Bot Supervisor, Subscription Fan-out, Notification Bus, Kline
// poller, and Control Surface together, then serves until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridbot/internal/control"
	"gridbot/internal/fanout"
	"gridbot/internal/klinefeed"
	"gridbot/internal/notify"
	"gridbot/internal/store"
	"gridbot/internal/supervisor"

	cfgpkg "gridbot/internal/config"
	"gridbot/pkg/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const defaultExchangeKey = "binance"

func main() {
	configPath := flag.String("config", "configs/gridbotd.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gridbotd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := cfgpkg.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	exchangeCfg, ok := cfg.Exchanges[defaultExchangeKey]
	if !ok {
		logger.Fatal("no exchange configured", "key", defaultExchangeKey)
	}

	logger.Info("starting gridbotd", "version", version, "bind_address", cfg.Server.BindAddress)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to open store", "error", err.Error())
	}
	defer st.Close()

	sup := supervisor.New(logger)

	kline := klinefeed.New(logger)
	kline.Start()
	defer kline.Stop()

	fo := fanout.New(sup, st, kline, logger)
	nb := notify.New(fo)

	builder := control.NewStrategyBuilder(exchangeCfg, cfg.Timing, cfg.Concurrency, st, cfg.Logging.BotLogDir, parseLevelOrDefault(cfg.Logging.Level, logger), logger)

	srv := control.NewServer(sup, st, builder, fo, nb, cfg.Server.AllowedOrigins, logger)
	srv.SetKlineFeed(kline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx, cfg.Server.BindAddress); err != nil {
			serverErr <- err
		}
	}()

	logger.Info("gridbotd is running",
		"control_url", fmt.Sprintf("http://%s", cfg.Server.BindAddress),
		"websocket_url", fmt.Sprintf("ws://%s/ws", cfg.Server.BindAddress),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("control surface failed", "error", err.Error())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	sup.Shutdown(shutdownCtx)
	fo.Shutdown()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("error during control surface shutdown", "error", err.Error())
	}

	logger.Info("gridbotd stopped")
}

// parseLevelOrDefault parses the configured log level for the per-bot
// logger, falling back to Info on a parse failure rather than failing
// startup over a cosmetic setting already validated at the process logger.
func parseLevelOrDefault(level string, logger logging.Logger) logging.Level {
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		logger.Warn("unrecognized bot log level, defaulting to info", "level", level)
		return logging.InfoLevel
	}
	return parsed
}
