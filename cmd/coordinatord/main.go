// Command coordinatord runs the stream assignment coordinator as a daemon,
// exposing the HTTP API and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-yaml"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/streamcoord/coordinator"
	"github.com/streamcoord/coordinator/catalog"
	"github.com/streamcoord/coordinator/internal/httpapi"
	"github.com/streamcoord/coordinator/internal/kvutil"
	"github.com/streamcoord/coordinator/internal/logging"
	"github.com/streamcoord/coordinator/internal/metrics"
)

// daemonConfig wraps the coordinator configuration with daemon-level settings.
type daemonConfig struct {
	// NATSURL is the NATS server to connect to.
	NATSURL string `yaml:"natsUrl"`

	// HTTPAddr is the API listen address.
	HTTPAddr string `yaml:"httpAddr"`

	// Logger controls slog output.
	Logger struct {
		JSON  bool   `yaml:"json"`
		Level string `yaml:"level"`
	} `yaml:"logger"`

	// Coordinator is the embedded coordinator configuration.
	Coordinator coordinator.Config `yaml:"coordinator"`
}

func defaultDaemonConfig() daemonConfig {
	var cfg daemonConfig
	cfg.NATSURL = nats.DefaultURL
	cfg.HTTPAddr = ":8080"
	cfg.Logger.Level = "info"
	cfg.Coordinator = coordinator.DefaultConfig()

	return cfg
}

// loadConfig reads the YAML config file. A missing file yields defaults.
func loadConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using defaults", "path", path)
			return cfg, nil
		}

		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// initLogger configures the global slog logger.
func initLogger(cfg *daemonConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func main() {
	configPath := flag.String("config", "coordinatord.yaml", "path to YAML config file")
	natsURL := flag.String("nats", "", "NATS server URL (overrides config)")
	httpAddr := flag.String("http", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *natsURL != "" {
		cfg.NATSURL = *natsURL
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	slogger := initLogger(&cfg)
	logger := logging.NewSlog(slogger)

	if err := run(cfg, logger); err != nil {
		logger.Error("coordinatord exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg daemonConfig, logger *logging.SlogLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("coordinatord"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	defer conn.Close()

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// The item catalog lives in its own KV bucket, maintained by an external
	// publisher. The coordinator only reads it.
	catalogKV, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
		Bucket:  cfg.Coordinator.KVBuckets.CatalogBucket,
		History: 1,
	}, 3)
	if err != nil {
		return err
	}

	coord, err := coordinator.NewCoordinator(cfg.Coordinator, conn, catalog.NewKV(catalogKV),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(metrics.NewPrometheus(nil, "coordinator")),
	)
	if err != nil {
		return err
	}

	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := coord.Stop(); err != nil {
			logger.Error("coordinator shutdown error", "error", err)
		}
	}()

	api := httpapi.NewServer(coord, cfg.HTTPAddr, logger)
	if err := api.Start(); err != nil {
		return err
	}
	defer func() {
		if err := api.Stop(); err != nil {
			logger.Error("HTTP shutdown error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	return nil
}
