package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	appconfig "cascadeflow/config"
	liqchannel "cascadeflow/internal/channel/liq"
	tickchannel "cascadeflow/internal/channel/tick"
	"cascadeflow/internal/dashboard"
	"cascadeflow/internal/engine"
	"cascadeflow/internal/metrics"
	"cascadeflow/internal/reader/binance"
	"cascadeflow/internal/reader/bybit"
	"cascadeflow/internal/reader/hyperliquid"
	"cascadeflow/internal/reader/markprice"
	"cascadeflow/internal/reader/okx"
	cascadesignal "cascadeflow/internal/signal"
	"cascadeflow/internal/storage"
	"cascadeflow/internal/velocity"
	"cascadeflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	resolved := appconfig.ResolveConfigPath(*configPath, "config/config.yaml")
	cfg, err := appconfig.LoadConfig(resolved)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Cascadeflow.Name,
		"version": cfg.Cascadeflow.Version,
	}).Info("starting cascadeflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Logging.ReportInterval.Std()
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	metrics.ConfigureFeatures(cfg.Metrics.ChannelSize, cfg.Metrics.CloudWatch.Enabled)
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	liqCh := liqchannel.NewChannels(cfg.Channels.RawBuffer)
	defer liqCh.Close()
	tickCh := tickchannel.NewChannels(cfg.Channels.TickBuffer)
	defer tickCh.Close()

	if cfg.Metrics.ChannelSize {
		go metrics.StartChannelSizeMetrics(ctx, liqCh, tickCh, 30*time.Second)
	}

	tiered, err := storage.NewTiered(storage.TieredConfig{
		Cache: storage.CacheConfig{
			MaxCostBytes:   cfg.Storage.Cache.MaxCostMB << 20,
			TTL:            cfg.Storage.Cache.TTL.Std(),
			PriceBucketPct: cfg.Storage.Cache.PriceBucketPct,
			TimeBucket:     cfg.Storage.Cache.TimeBucket.Std(),
		},
		Store: storage.StoreConfig{
			Path:           cfg.Storage.Store.Path,
			MinNotionalUSD: cfg.Storage.Store.MinNotionalUSD,
			QueueSize:      cfg.Storage.Store.QueueSize,
			BatchSize:      cfg.Storage.Store.BatchSize,
			FlushInterval:  cfg.Storage.Store.FlushInterval.Std(),
			Retention:      time.Duration(cfg.Storage.Store.RetentionDays) * 24 * time.Hour,
			SweepInterval:  cfg.Storage.Store.SweepInterval.Std(),
		},
		StoreEnabled: cfg.Storage.Store.Enabled,
	})
	if err != nil {
		log.WithError(err).Error("failed to initialize tiered storage")
		os.Exit(1)
	}
	if err := tiered.Start(ctx, cfg.Storage.Rollups.Interval.Std()); err != nil {
		log.WithError(err).Error("failed to start tiered storage")
		os.Exit(1)
	}

	if cfg.Storage.Export.Enabled && tiered.RollupStore() != nil {
		exporter, err := storage.NewRollupExporter(storage.ExportConfig{
			Enabled:         true,
			Bucket:          cfg.Storage.Export.Bucket,
			Region:          cfg.Storage.Export.Region,
			Endpoint:        cfg.Storage.Export.Endpoint,
			PathStyle:       cfg.Storage.Export.PathStyle,
			AccessKeyID:     cfg.Storage.Export.AccessKeyID,
			SecretAccessKey: cfg.Storage.Export.SecretAccessKey,
			Prefix:          cfg.Storage.Export.Prefix,
			ManifestDir:     cfg.Storage.Export.ManifestDir,
		}, tiered.RollupStore())
		if err != nil {
			log.WithError(err).Error("failed to create rollup exporter")
			os.Exit(1)
		}
		go runExportLoop(ctx, exporter, cfg.Engine.Symbols, log)
	}

	bus := cascadesignal.NewBus()
	eng := engine.New(engineConfig(cfg), liqCh, tickCh, bus, tiered)
	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start cascade engine")
		os.Exit(1)
	}

	go logAlerts(ctx, bus, log)

	var binanceLiq *binance.Binance_LIQ_Reader
	if cfg.Source.Binance != nil && cfg.Source.Binance.Liquidation.Enabled {
		binanceLiq = binance.Binance_LIQ_NewReader(cfg, liqCh, nil)
		if err := binanceLiq.Binance_LIQ_Start(ctx); err != nil {
			log.WithError(err).Warn("binance liquidation reader failed to start")
		}
	}

	var bybitLiq *bybit.Bybit_LIQ_Reader
	var bybitTick *bybit.Bybit_TICK_Reader
	if cfg.Source.Bybit != nil {
		if cfg.Source.Bybit.Liquidation.Enabled {
			bybitLiq = bybit.Bybit_LIQ_NewReader(cfg, liqCh, nil)
			if err := bybitLiq.Bybit_LIQ_Start(ctx); err != nil {
				log.WithError(err).Warn("bybit liquidation reader failed to start")
			}
		}
		if cfg.Source.Bybit.Ticker.Enabled {
			bybitTick = bybit.Bybit_TICK_NewReader(cfg, tickCh, nil)
			if err := bybitTick.Bybit_TICK_Start(ctx); err != nil {
				log.WithError(err).Warn("bybit ticker reader failed to start")
			}
		}
	}

	var okxLiq *okx.Okx_LIQ_Reader
	if cfg.Source.Okx != nil && cfg.Source.Okx.Liquidation.Enabled {
		okxLiq = okx.Okx_LIQ_NewReader(cfg, liqCh, nil)
		if err := okxLiq.Okx_LIQ_Start(ctx); err != nil {
			log.WithError(err).Warn("okx liquidation reader failed to start")
		}
	}

	var hlLiq *hyperliquid.Hyperliquid_LIQ_Reader
	if cfg.Source.Hyperliquid != nil && cfg.Source.Hyperliquid.Liquidation.Enabled {
		hlLiq = hyperliquid.Hyperliquid_LIQ_NewReader(cfg, liqCh, nil)
		if err := hlLiq.Hyperliquid_LIQ_Start(ctx); err != nil {
			log.WithError(err).Warn("hyperliquid liquidation reader failed to start")
		}
	}

	var poller *markprice.Poller
	if cfg.Source.MarkPrice != nil && cfg.Source.MarkPrice.Enabled {
		poller = markprice.NewPoller(cfg, tickCh)
		if err := poller.Start(ctx); err != nil {
			log.WithError(err).Warn("mark price poller failed to start")
		}
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, eng, tiered, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}
	if dash != nil {
		go func() {
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard server exited")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if binanceLiq != nil {
		binanceLiq.Binance_LIQ_Stop()
	}
	if bybitLiq != nil {
		bybitLiq.Bybit_LIQ_Stop()
	}
	if bybitTick != nil {
		bybitTick.Bybit_TICK_Stop()
	}
	if okxLiq != nil {
		okxLiq.Okx_LIQ_Stop()
	}
	if hlLiq != nil {
		hlLiq.Hyperliquid_LIQ_Stop()
	}
	if poller != nil {
		poller.Stop()
	}

	log.Info("stopping cascade engine")
	eng.Stop()

	log.Info("stopping tiered storage")
	tiered.Stop()

	log.Info("cascadeflow stopped")
}

// engineConfig maps the yaml configuration onto the engine's runtime config.
func engineConfig(cfg *appconfig.Config) engine.Config {
	windows := make([]time.Duration, 0, len(cfg.Detection.Windows))
	for _, w := range cfg.Detection.Windows {
		windows = append(windows, w.Std())
	}

	ec := engine.Config{
		Shards:         cfg.Engine.Shards,
		ShardQueueSize: cfg.Engine.QueueSize,
		Cadence:        cfg.Engine.Cadence.Std(),
		Symbols:        cfg.Engine.Symbols,
	}

	ec.Buffer.MaxWindow = cfg.Buffer.MaxWindow.Std()
	ec.Buffer.MaxFutureSkew = cfg.Buffer.MaxFutureSkew.Std()
	ec.Buffer.DedupTTL = cfg.Buffer.DedupTTL.Std()

	ec.Velocity = velocity.Config{
		Windows:          windows,
		Cadence:          cfg.Engine.Cadence.Std(),
		DerivativeWindow: cfg.Detection.DerivativeWindow.Std(),
		CorrLookback:     cfg.Detection.Correlation.Lookback.Std(),
		CorrBucket:       cfg.Detection.Correlation.Bucket.Std(),
		CorrMinBuckets:   cfg.Detection.Correlation.MinBuckets,
	}

	r := cfg.Detection.Risk
	ec.Risk.VelocityNorm = r.VelocityNorm
	ec.Risk.AccelerationNorm = r.AccelerationNorm
	ec.Risk.JerkNorm = r.JerkNorm
	ec.Risk.VolumeNormUSD = r.VolumeNormUSD
	ec.Risk.ClusterNorm = r.ClusterNorm
	ec.Risk.BoostThreshold = r.BoostThreshold
	ec.Risk.BoostFactor = r.BoostFactor

	rg := cfg.Detection.Regime
	ec.Regime.Lookback = rg.Lookback.Std()
	ec.Regime.FastMA = rg.FastMA.Std()
	ec.Regime.SlowMA = rg.SlowMA.Std()
	if len(rg.VolBands) == 5 {
		copy(ec.Regime.VolBands[:], rg.VolBands)
	}
	if len(rg.MomentumBands) == 4 {
		copy(ec.Regime.MomentumBands[:], rg.MomentumBands)
	}
	ec.Regime.DeepSpreadBps = rg.DeepSpreadBps
	ec.Regime.NormalSpreadBps = rg.NormalSpreadBps
	ec.Regime.ShallowSpreadBps = rg.ShallowSpreadBps
	ec.Regime.DeepVolumeUSD = rg.DeepVolumeUSD
	ec.Regime.ThinVolumeUSD = rg.ThinVolumeUSD

	s := cfg.Detection.Signal
	ec.Signal.WatchProb = s.WatchProb
	ec.Signal.AlertProb = s.AlertProb
	ec.Signal.CriticalProb = s.CriticalProb
	ec.Signal.ExtremeProb = s.ExtremeProb
	ec.Signal.OverrideVelocity = s.OverrideVelocity
	ec.Signal.OverrideAcceleration = s.OverrideAcceleration
	ec.Signal.LatencyBudget = s.LatencyBudget.Std()
	ec.Signal.HistoryDepth = s.HistoryDepth

	return ec
}

// logAlerts subscribes to alert-and-above signals so escalations always leave
// a trace in the logs even when no external consumer is attached.
func logAlerts(ctx context.Context, bus *cascadesignal.Bus, log *logger.Log) {
	ch := bus.Subscribe(cascadesignal.TopicAlert, 64)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			log.WithComponent("alerts").WithFields(logger.Fields{
				"symbol":      sig.Symbol,
				"level":       sig.Level.String(),
				"risk_score":  sig.RiskScore,
				"probability": sig.Probability,
				"regime":      sig.Regime,
			}).Warn("cascade signal escalated")
		}
	}
}

// runExportLoop ships the previous hour's rollups to object storage once per
// hour, aligned shortly after the hour boundary so the scheduler has caught up.
func runExportLoop(ctx context.Context, exporter *storage.RollupExporter, symbols []string, log *logger.Log) {
	for {
		now := time.Now()
		next := now.Truncate(time.Hour).Add(time.Hour + 5*time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		hourStart := time.Now().Truncate(time.Hour).Add(-time.Hour)
		fromMs := hourStart.UnixMilli()
		toMs := hourStart.Add(time.Hour).UnixMilli()

		for _, sym := range symbols {
			key, err := exporter.Export(ctx, storage.RollupHourly, sym, fromMs, toMs)
			if err != nil {
				log.WithComponent("rollup_export").WithError(err).WithFields(logger.Fields{
					"symbol": sym,
				}).Warn("hourly rollup export failed")
				continue
			}
			log.WithComponent("rollup_export").WithFields(logger.Fields{
				"symbol": sym,
				"key":    key,
			}).Info("hourly rollups exported")
		}
	}
}
