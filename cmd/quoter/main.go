// Command quoter runs the grid market maker against Binance USD-M futures.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/halfspread/quoter/config"
	"github.com/halfspread/quoter/errs"
	"github.com/halfspread/quoter/internal/binance"
	"github.com/halfspread/quoter/internal/observability"
	"github.com/halfspread/quoter/internal/reconcile"
	"github.com/halfspread/quoter/internal/risk"
	"github.com/halfspread/quoter/internal/strategy"
	"github.com/halfspread/quoter/lib/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	observability.SetLogger(observability.NewSlogLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, shutdownMetrics, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		observability.Log().Error("telemetry init failed", observability.F("error", err.Error()))
		os.Exit(1)
	}
	observability.SetMetrics(metrics)

	client := binance.NewClient(binance.Options{
		APIKey:        cfg.APIKey,
		APISecret:     cfg.APISecret,
		Symbol:        cfg.Symbol,
		Testnet:       cfg.Testnet,
		OrderIDPrefix: cfg.OrderIDPrefix,
		PostOnly:      cfg.PostOnly,
		Timeout:       cfg.HTTPTimeout.Std(),
	})

	tickSize := cfg.TickSize.Decimal
	if info, err := client.SymbolFilters(ctx); err != nil {
		observability.Log().Warn("exchange info unavailable, using configured tick size",
			observability.F("error", err.Error()))
	} else if info.TickSize.IsPositive() {
		tickSize = info.TickSize
	}

	engine := reconcile.NewEngine(client, tickSize, cfg.RelistTolerance.Decimal)
	guard := risk.NewManager(risk.Limits{
		Enabled:       cfg.CheckPositionLimits,
		MinPosition:   cfg.MinPosition.Decimal,
		MaxPosition:   cfg.MaxPosition.Decimal,
		OrderThrottle: cfg.OrderThrottle,
	})
	grid := strategy.NewGrid(client, guard, engine, strategy.GridParams{
		OrderNotional: cfg.Grid.OrderNotional.Decimal,
		HalfSpread:    cfg.Grid.HalfSpread.Decimal,
		PriceRange:    cfg.Grid.PriceRange.Decimal,
		Levels:        cfg.Grid.Levels,
		TickSize:      tickSize,
	})

	supervisor := binance.NewSupervisor(client)
	streamErr := make(chan error, 1)
	go func() { streamErr <- supervisor.Run(ctx) }()

	observability.Log().Info("quoter started",
		observability.F("symbol", strings.ToUpper(cfg.Symbol)),
		observability.F("testnet", cfg.Testnet),
		observability.F("tick_size", tickSize.String()))

	exitCode := runLoop(ctx, cfg, grid, guard, streamErr)

	// Detached context: the signal context is already canceled during
	// shutdown, but the final cancel-all must still reach the exchange.
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := supervisor.Close(closeCtx); err != nil {
		observability.Log().Error("final cancel-all failed", observability.F("error", err.Error()))
		exitCode = 1
	}
	if err := shutdownMetrics(closeCtx); err != nil {
		observability.Log().Warn("metrics shutdown failed", observability.F("error", err.Error()))
	}
	os.Exit(exitCode)
}

// runLoop drives quoting passes on the configured cadence until shutdown or
// a fatal stream error. Returns the process exit code.
func runLoop(ctx context.Context, cfg config.Settings, grid *strategy.Grid, guard *risk.Manager, streamErr <-chan error) int {
	ticker := time.NewTicker(cfg.LoopInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			observability.Log().Info("shutdown requested")
			return 0
		case err := <-streamErr:
			if err != nil {
				observability.Log().Error("stream supervisor failed",
					observability.F("error", err.Error()),
					observability.F("fatal", errs.IsFatal(err)))
				return 1
			}
			return 0
		case <-ticker.C:
			if err := guard.Allow(ctx); err != nil {
				continue
			}
			grid.Pass(ctx)
		}
	}
}

func logLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
