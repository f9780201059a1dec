// Package main provides the backtester CLI entrypoint: load an
// EngineConfig, run it to completion, and print the resulting report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/internal/data"
	"github.com/kestrel-quant/backtester/internal/strategy"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/kestrel-quant/backtester/pkg/utils"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "path to a backtest config file (yaml/json/toml)")
	outPath := flag.String("out", "", "write the BacktestResult JSON here instead of stdout")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	if *configPath == "" {
		logger.Fatal("missing required -config flag")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, cancelling run")
		cancel()
	}()

	engine := backtester.NewEngine(logger)
	defer engine.Close()
	provider := data.NewStore(logger)

	if err := engine.LoadFromProvider(ctx, cfg, provider); err != nil {
		logger.Fatal("failed to load exchange data", zap.Error(err))
	}
	if err := registerStrategies(engine, cfg, logger); err != nil {
		logger.Fatal("failed to register strategies", zap.Error(err))
	}
	if err := engine.Build(cfg); err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	go reportProgress(logger, engine.ProgressChan())

	result, err := engine.Run(ctx)
	if err != nil {
		logger.Fatal("backtest run failed", zap.Error(err))
	}

	if err := writeResult(result, *outPath); err != nil {
		logger.Fatal("failed to write result", zap.Error(err))
	}

	logger.Info("backtest complete",
		zap.Uint64("ticksProcessed", result.TicksProcessed),
		zap.Duration("duration", result.Duration),
	)
}

// registerStrategies builds one backtester.Strategy per cfg.Strategies
// entry via internal/strategy's Registry and binds it to its portfolio.
// Portfolio indices aren't exported by the Engine, but
// LoadFromProvider assigns them in cfg.Portfolios order, so a
// strategy's portfolio index is just that slice's position.
func registerStrategies(engine *backtester.Engine, cfg *types.EngineConfig, logger *zap.Logger) error {
	portfolioIndex := make(map[string]int, len(cfg.Portfolios))
	for i, pc := range cfg.Portfolios {
		portfolioIndex[pc.ID] = i
	}

	registry := strategy.NewRegistry(logger)
	for _, sc := range cfg.Strategies {
		idx, ok := portfolioIndex[sc.PortfolioID]
		if !ok {
			return fmt.Errorf("strategy %s: unknown portfolio %s", sc.ID, sc.PortfolioID)
		}
		s, err := registry.Create(sc, idx)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
		if err := engine.RegisterStrategy(s, sc.PortfolioID); err != nil {
			return fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
	}
	return nil
}

// loadConfig reads a viper-backed config file into an EngineConfig.
// viper's mapstructure tags on types.EngineConfig drive the decode, so
// the same struct serves JSON API bodies and on-disk run definitions.
func loadConfig(path string) (*types.EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg types.EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.ID == "" {
		cfg.ID = utils.GenerateRunID()
	}
	return &cfg, nil
}

func reportProgress(logger *zap.Logger, progress <-chan *types.BacktestProgress) {
	for p := range progress {
		logger.Debug("progress",
			zap.String("status", p.Status),
			zap.Float64("pct", p.Progress),
			zap.Uint64("ticks", p.TicksProcessed),
		)
	}
}

func writeResult(result *types.BacktestResult, outPath string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if outPath == "" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
