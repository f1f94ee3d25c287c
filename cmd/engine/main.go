package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"futures-trader/config"
	"futures-trader/internal/alerts"
	"futures-trader/internal/api"
	"futures-trader/internal/binance"
	"futures-trader/internal/detector"
	"futures-trader/internal/engine"
	"futures-trader/internal/indicators"
	"futures-trader/internal/logging"
	"futures-trader/internal/market"
	"futures-trader/internal/orders"
	"futures-trader/internal/pipeline"
	"futures-trader/internal/repository"
	"futures-trader/internal/service"
	"futures-trader/internal/sim"
	"futures-trader/internal/universe"
)

const writeQueueDrainTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.Env.LogLevel, true)
	logger.Info().Str("mode", cfg.Trading.Mode).Msg("engine starting")

	client := binance.NewClient(
		cfg.Env.BinanceAPIKey, cfg.Env.BinanceAPISecret,
		cfg.API.BaseURL, cfg.APITimeout(), cfg.API.RetryTimes, logger,
	)

	recordRepo := repository.NewRecordRepository(cfg.Paths.TradeRecords, logger)
	orderRepo := repository.NewOrderRepository(cfg.Paths.LinkedOrders, logger)
	pendingRepo := repository.NewPendingOrderRepository(cfg.Paths.PendingOrders, logger)

	var (
		trading  engine.TradingEngine
		queue    *sim.WriteQueue
		pipe     *pipeline.Pipeline
		teardown func()
	)

	switch engine.Mode(cfg.Trading.Mode) {
	case engine.ModeLive:
		trading, teardown = buildLive(cfg, client, recordRepo, orderRepo, pendingRepo, logger)
	case engine.ModeSimulator:
		trading, queue, pipe, teardown = buildSim(cfg, client, pendingRepo, logger)
	default:
		os.Stderr.WriteString("config error: unknown trading mode " + cfg.Trading.Mode + "\n")
		os.Exit(1)
	}

	if err := trading.Start(); err != nil {
		logger.Error().Err(err).Msg("engine failed to start")
		os.Exit(1)
	}

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(api.Config{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, trading, recordRepo, logger)
		if pipe != nil {
			server.RegisterStats("pipeline", pipe)
		}
		if queue != nil {
			server.RegisterStats("write_queue", queue)
		}
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("status server failed to start")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	trading.Stop()
	if teardown != nil {
		teardown()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	}

	exitCode := 0
	if queue != nil && !queue.Shutdown(writeQueueDrainTimeout) {
		logger.Error().Msg("state writes did not drain, data may be stale on disk")
		exitCode = 1
	}

	logger.Info().Msg("engine stopped")
	os.Exit(exitCode)
}

// buildLive assembles the live execution stack.
func buildLive(
	cfg *config.Config,
	client *binance.Client,
	recordRepo *repository.RecordRepository,
	orderRepo *repository.OrderRepository,
	pendingRepo *repository.PendingOrderRepository,
	logger zerolog.Logger,
) (engine.TradingEngine, func()) {
	precision := binance.NewPrecisionCache(client)
	manager := orders.NewManager(client, precision, logger)
	commission := service.NewCommissionService(client, orderRepo, logger)
	recordSvc := service.NewRecordService(recordRepo, orderRepo, manager, commission, client, logger)
	syncMgr := service.NewSyncManager(client, recordRepo, recordSvc, repository.SourceLive, 5*time.Second, logger)
	userStream := binance.NewUserDataStream(client, "", logger)

	markStream := binance.NewMarkPriceStream("", func(prices map[string]float64) {
		for _, rec := range recordRepo.Open(repository.SourceLive) {
			if px, ok := prices[rec.Symbol]; ok {
				recordSvc.UpdateMarkPrice(rec.Symbol, px)
			}
		}
	}, logger)
	markStream.Start()

	live := engine.NewLiveEngine(
		client, manager, recordSvc, commission, syncMgr, userStream,
		recordRepo, orderRepo, pendingRepo, logger,
	)
	return live, func() { markStream.Stop() }
}

// buildSim assembles the simulator stack: the paper engine plus the market
// pipeline that drives its bar fills.
func buildSim(
	cfg *config.Config,
	client *binance.Client,
	pendingRepo *repository.PendingOrderRepository,
	logger zerolog.Logger,
) (engine.TradingEngine, *sim.WriteQueue, *pipeline.Pipeline, func()) {
	queue := sim.NewWriteQueue(logger)
	simEngine := sim.NewEngine(sim.Config{
		InitialBalance: cfg.Simulator.InitialBalance,
		TakerFeeRate:   cfg.Simulator.TakerFeeRate,
		MaxLeverage:    cfg.Simulator.MaxLeverage,
		StatePath:      cfg.Paths.TradeState,
		HistoryPath:    cfg.Paths.PositionHistory,
	}, pendingRepo, queue, logger)

	windows := market.NewWindowStore(cfg.Kline.HistorySize)

	universeUpdater := universe.NewUpdater(universe.Config{
		MinVolume24h:   cfg.Symbols.MinVolume24h,
		Exclude:        cfg.Symbols.Exclude,
		UpdateInterval: time.Duration(cfg.Symbols.UpdateIntervalMinutes) * time.Minute,
	}, client, logger)

	// The sim run keeps the detection path alive too; anomalies land in the
	// JSONL log for later study.
	jsonlWriter := alerts.NewJSONLWriter(cfg.Paths.AlertLog, cfg.Kline.Interval, "sim", logger)
	aggregator := alerts.NewAggregator(alerts.Config{
		Cooldown:     time.Duration(cfg.Alert.CooldownMinutes) * time.Minute,
		SendDelay:    time.Duration(cfg.Alert.SendDelaySeconds) * time.Second,
		MaxBatchSize: cfg.Alert.MaxBatchSize,
	}, jsonlWriter.WriteBatch, logger)

	pipe := pipeline.New(pipeline.Options{
		Client:     client,
		Windows:    windows,
		Universe:   universeUpdater,
		Aggregator: aggregator,
		Indicators: indicatorConfig(cfg),
		Detector:   detectorConfig(cfg),
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
	pipe.AddBarListener(simEngine.OnBar)

	price := func(symbol string) (float64, error) {
		latest, ok := windows.Latest(symbol)
		if !ok {
			return 0, fmt.Errorf("no bars seen for %s", symbol)
		}
		return latest.Close, nil
	}

	adapter := engine.NewSimEngine(simEngine, pendingRepo, price, logger)

	if err := pipe.Start(); err != nil {
		logger.Error().Err(err).Msg("pipeline failed to start")
		os.Exit(1)
	}

	return adapter, queue, pipe, func() { pipe.Stop() }
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
