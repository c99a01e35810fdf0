// Command engine is the cross-venue arbitrage core's entry point: load
// config, wire every component, run the detection/edge cycle on an
// interval, and shut down cleanly on SIGINT/SIGTERM.
//
// Architecture:
//
//	main.go                 — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/exchange       — Kalshi/Polymarket connectors: REST fetch, WS subscribe, fee schedule, health
//	internal/normalize      — venue-native book -> NormalizedOrderBook, invariant checks
//	internal/ingestion      — WS callback + periodic poll -> persist + publish order-book updates
//	internal/degradation    — per-venue health state fed by connector auth/resync/staleness/reconnect signals, threshold widening
//	internal/detection      — per-pair two-directional gross-edge scan
//	internal/edge           — fee/gas-adjusted net edge, threshold filter, opportunity enrichment
//	internal/alert          — severity-routed external webhook delivery with a circuit breaker
//	internal/audit          — hash-chained append-only record of every bus event
//	internal/store          — append-only JSONL persistence for snapshots and health records
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"arbcore/internal/alert"
	"arbcore/internal/audit"
	"arbcore/internal/config"
	"arbcore/internal/degradation"
	"arbcore/internal/detection"
	"arbcore/internal/edge"
	"arbcore/internal/eventbus"
	"arbcore/internal/exchange"
	"arbcore/internal/ingestion"
	"arbcore/internal/store"
	"arbcore/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	baseMinEdge, err := decimal.NewFromString(cfg.Detection.BaseMinEdge)
	if err != nil {
		logger.Error("invalid detection.base_min_edge", "error", err)
		os.Exit(1)
	}
	positionSizeUSD, err := decimal.NewFromString(cfg.Detection.PositionSizeUSD)
	if err != nil {
		logger.Error("invalid detection.position_size_usd", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New()

	kalshiConn, err := exchange.NewKalshiConnector(cfg.Kalshi.KeyID, cfg.Kalshi.PrivateKeyPEM, cfg.Kalshi.BaseURL, cfg.Kalshi.WSURL, cfg.Kalshi.MaxReconnectAttempts, logger)
	if err != nil {
		logger.Error("failed to create kalshi connector", "error", err)
		os.Exit(1)
	}

	preset := exchange.PolymarketCredentials{ApiKey: cfg.Polymarket.ApiKey, Secret: cfg.Polymarket.Secret, Passphrase: cfg.Polymarket.Passphrase}
	polyConn, err := exchange.NewPolymarketConnector(cfg.Polymarket.WalletPrivateKey, int64(cfg.Polymarket.ChainID), cfg.Polymarket.BaseURL, cfg.Polymarket.WSURL, cfg.Polymarket.MaxReconnectAttempts, preset, logger)
	if err != nil {
		logger.Error("failed to create polymarket connector", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if preset.Secret == "" {
		if err := polyConn.DeriveAPIKey(ctx); err != nil {
			logger.Error("failed to derive polymarket L2 credentials", "error", err)
			os.Exit(1)
		}
	}

	connectors := map[types.VenueID]exchange.Connector{
		types.Kalshi:     kalshiConn,
		types.Polymarket: polyConn,
	}

	pairs := make([]types.ContractPairConfig, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		pairs = append(pairs, types.ContractPairConfig{
			KalshiContractID:              p.KalshiContractID,
			PolymarketContractID:          p.PolymarketContractID,
			EventDescription:              p.EventDescription,
			OperatorVerificationTimestamp: time.Now().UTC(),
			PrimaryLeg:                    types.VenueID(p.PrimaryLeg),
		})
	}

	dataStore, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer dataStore.Close()

	auditLog, err := audit.Open(filepath.Join(cfg.Store.DataDir, "audit_log.jsonl"), bus, logger)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	bus.Subscribe("*", func(ctx context.Context, e eventbus.Event) {
		if e.Type == "monitoring.audit.write_failed" {
			return
		}
		if _, err := auditLog.Append(ctx, e.Type, e.Module, e.Details); err != nil {
			logger.Error("audit append failed", "error", err, "type", e.Type)
		}
	})

	deg := degradation.New(degradation.Config{
		ThresholdMultiplier:     cfg.Degradation.ThresholdMultiplier,
		ProtocolResyncThreshold: cfg.Degradation.ProtocolResyncThreshold,
		ProtocolResyncWindow:    cfg.Degradation.ProtocolResyncWindow,
		StalenessThreshold:      cfg.Degradation.StalenessThreshold,
		StalenessWindow:         cfg.Degradation.StalenessWindow,
	}, bus)
	kalshiConn.SetDegradationManager(deg)
	polyConn.SetDegradationManager(deg)

	pipeline := ingestion.New(connectors, pairs, dataStore, dataStore, bus, deg, logger)

	detector := detection.New(connectors, pairs, deg, bus, logger)
	calculator := edge.New(connectors, deg, bus, baseMinEdge, positionSizeUSD, logger)

	fanout := alert.New(alert.Config{
		WebhookURL:            cfg.Alert.WebhookURL,
		BufferSize:            cfg.Alert.BufferSize,
		SendTimeout:           cfg.Alert.SendTimeout,
		CircuitBreakThreshold: cfg.Alert.CircuitBreakThreshold,
		CircuitBreakDuration:  cfg.Alert.CircuitBreakDuration,
		MaxRetries:            cfg.Alert.MaxRetries,
	}, logger)
	bus.Subscribe("*", fanout.HandleEvent)

	if err := kalshiConn.Connect(ctx); err != nil {
		logger.Error("failed to connect to kalshi", "error", err)
		os.Exit(1)
	}
	if err := polyConn.Connect(ctx); err != nil {
		logger.Error("failed to connect to polymarket", "error", err)
		os.Exit(1)
	}
	for _, pair := range pairs {
		if err := kalshiConn.Subscribe(ctx, pair.KalshiContractID); err != nil {
			logger.Error("failed to subscribe kalshi contract", "error", err, "contract", pair.KalshiContractID)
		}
		if err := polyConn.Subscribe(ctx, pair.PolymarketContractID); err != nil {
			logger.Error("failed to subscribe polymarket contract", "error", err, "contract", pair.PolymarketContractID)
		}
	}

	ingestionInterval := cfg.Detection.IngestionInterval
	if ingestionInterval <= 0 {
		ingestionInterval = 30 * time.Second
	}
	go pipeline.Ticker(ctx, ingestionInterval)

	cycleInterval := cfg.Detection.CycleInterval
	if cycleInterval <= 0 {
		cycleInterval = 5 * time.Second
	}
	detectionCtx, haltDetection := context.WithCancel(ctx)
	bus.Subscribe("time.drift.halt", func(_ context.Context, e eventbus.Event) {
		logger.Error("time drift halt received, stopping detection cycles", "details", e.Details)
		haltDetection()
	})
	go runDetectionCycle(detectionCtx, detector, calculator, cycleInterval, logger)

	logger.Info("arbitrage core started",
		"pairs", len(pairs),
		"base_min_edge", baseMinEdge.String(),
		"cycle_interval", cycleInterval,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := kalshiConn.Disconnect(stopCtx); err != nil {
		logger.Warn("kalshi disconnect error", "error", err)
	}
	if err := polyConn.Disconnect(stopCtx); err != nil {
		logger.Warn("polymarket disconnect error", "error", err)
	}
}

// runDetectionCycle runs the detection -> edge pipeline on a fixed
// interval until ctx is canceled.
func runDetectionCycle(ctx context.Context, detector *detection.Service, calculator *edge.Calculator, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := detector.DetectDislocations(ctx)
			opportunities, filtered, summary := calculator.ProcessDislocations(ctx, result.Dislocations)
			logger.Debug("detection cycle complete",
				"pairs_evaluated", result.PairsEvaluated,
				"pairs_skipped", result.PairsSkipped,
				"dislocations", len(result.Dislocations),
				"opportunities", len(opportunities),
				"filtered", len(filtered),
				"evaluated", summary.Evaluated,
			)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
