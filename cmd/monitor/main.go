package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"futures-trader/config"
	"futures-trader/internal/alerts"
	"futures-trader/internal/api"
	"futures-trader/internal/binance"
	"futures-trader/internal/detector"
	"futures-trader/internal/indicators"
	"futures-trader/internal/logging"
	"futures-trader/internal/market"
	"futures-trader/internal/notification"
	"futures-trader/internal/pipeline"
	"futures-trader/internal/universe"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.Env.LogLevel, true)
	logger.Info().Str("interval", cfg.Kline.Interval).Msg("monitor starting")

	client := binance.NewClient(
		cfg.Env.BinanceAPIKey, cfg.Env.BinanceAPISecret,
		cfg.API.BaseURL, cfg.APITimeout(), cfg.API.RetryTimes, logger,
	)

	windows := market.NewWindowStore(cfg.Kline.HistorySize)

	var oiCache *binance.OpenInterestCache
	if cfg.OpenInterest.Enabled {
		oiCache = binance.NewOpenInterestCache(client, cfg.Kline.Interval, cfg.OpenInterest.HistorySize)
	}

	universeUpdater := universe.NewUpdater(universe.Config{
		MinVolume24h:   cfg.Symbols.MinVolume24h,
		Exclude:        cfg.Symbols.Exclude,
		UpdateInterval: time.Duration(cfg.Symbols.UpdateIntervalMinutes) * time.Minute,
	}, client, logger)

	jsonlWriter := alerts.NewJSONLWriter(cfg.Paths.AlertLog, cfg.Kline.Interval, "monitor", logger)

	dispatcher := notification.NewDispatcher(logger)
	if cfg.Alert.SendEmail {
		dispatcher.Add(notification.NewMailer(cfg.SMTP, logger))
	}
	dispatcher.Add(notification.NewTelegramNotifier(cfg.Alert.TelegramBotToken, cfg.Alert.TelegramChatId))

	flush := newFlushFunc(jsonlWriter, dispatcher)

	aggregator := alerts.NewAggregator(alerts.Config{
		Cooldown:     time.Duration(cfg.Alert.CooldownMinutes) * time.Minute,
		SendDelay:    time.Duration(cfg.Alert.SendDelaySeconds) * time.Second,
		MaxBatchSize: cfg.Alert.MaxBatchSize,
	}, flush, logger)

	pipe := pipeline.New(pipeline.Options{
		Client:       client,
		Windows:      windows,
		OpenInterest: oiCache,
		Universe:     universeUpdater,
		Aggregator:   aggregator,
		Indicators:   indicatorConfig(cfg),
		Detector:     detectorConfig(cfg),
		FleetConfig: binance.FleetConfig{
			BaseURL:                 cfg.WebSocket.BaseURL,
			Interval:                cfg.Kline.Interval,
			ReconnectDelay:          time.Duration(cfg.WebSocket.ReconnectDelaySeconds) * time.Second,
			MaxReconnectAttempts:    cfg.WebSocket.MaxReconnectAttempts,
			MaxStreamsPerConnection: cfg.WebSocket.MaxStreamsPerConnection,
		},
		Interval:   cfg.Kline.Interval,
		WarmupSize: cfg.Kline.WarmupSize,
	}, logger)

	if err := pipe.Start(); err != nil {
		logger.Error().Err(err).Msg("pipeline failed to start")
		os.Exit(1)
	}

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(api.Config{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, nil, nil, logger)
		server.RegisterStats("pipeline", pipe)
		server.RegisterStats("kline_fleet", pipe.Fleet())
		server.RegisterStats("aggregator", aggregator)
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("status server failed to start")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	pipe.Stop()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	}

	logger.Info().Msg("monitor stopped")
}

// newFlushFunc builds the aggregator callback. Every flushed batch is
// appended to the JSONL log, empty cycles included; notifications go out
// only when a batch carries entries.
func newFlushFunc(writer *alerts.JSONLWriter, dispatcher *notification.Dispatcher) func(alerts.Batch) {
	return func(batch alerts.Batch) {
		writer.WriteBatch(batch)
		if len(batch.Entries) == 0 || !dispatcher.HasChannels() {
			return
		}
		_ = dispatcher.Send(alerts.Subject(batch), alerts.Excerpt(batch))
	}
}

func indicatorConfig(cfg *config.Config) indicators.Config {
	return indicators.Config{
		ATRPeriod:              cfg.Indicators.ATRPeriod,
		StdDevPeriod:           cfg.Indicators.StdDevPeriod,
		VolumeMAPeriod:         cfg.Indicators.VolumeMAPeriod,
		BBPeriod:               cfg.Indicators.BBPeriod,
		BBStdMultiplier:        cfg.Indicators.BBStdMultiplier,
		RSIPeriod:              cfg.Indicators.RSIPeriod,
		EMAFastPeriod:          cfg.Indicators.EMAFastPeriod,
		EMASlowPeriod:          cfg.Indicators.EMASlowPeriod,
		OIMAPeriod:             cfg.Indicators.OIMAPeriod,
		OIMomentumPeriod:       cfg.Indicators.OIMomentumPeriod,
		OIDivergenceWindow:     cfg.Indicators.OIDivergenceWindow,
		LongWickRatioThreshold: cfg.Indicators.LongWickRatioThreshold,
		EngulfingStrictMode:    cfg.Indicators.EngulfingStrictMode,
	}
}

func detectorConfig(cfg *config.Config) detector.Config {
	return detector.Config{
		MinGroupA:          cfg.Detection.MinGroupA,
		MinGroupB:          cfg.Detection.MinGroupB,
		ATRZScore:          cfg.Detection.ATRZScore,
		PriceZScore:        cfg.Detection.PriceZScore,
		VolumeZScore:       cfg.Detection.VolumeZScore,
		BBWidthZScore:      cfg.Detection.BBWidthZScore,
		OIZScore:           cfg.Detection.OIZScore,
		MADeviationZScore:  cfg.Detection.MADeviationZScore,
		RSIOverbought:      cfg.Detection.RSIOverbought,
		RSIOversold:        cfg.Detection.RSIOversold,
		StrongZScoreMargin: cfg.Detection.StrongZScoreMargin,
	}
}
