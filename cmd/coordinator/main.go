package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/absmach/fedsync/coordinator"
	"github.com/absmach/fedsync/coordinator/api"
	"github.com/absmach/fedsync/coordinator/middleware"
	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/model"
	"github.com/absmach/fedsync/pkg/mqtt"
	"github.com/absmach/fedsync/pkg/partition"
	"github.com/absmach/fedsync/pkg/storage"
	"github.com/absmach/supermq/pkg/jaeger"
	"github.com/absmach/supermq/pkg/prometheus"
	"github.com/absmach/supermq/pkg/server"
	httpserver "github.com/absmach/supermq/pkg/server/http"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const (
	svcName       = "coordinator"
	defHTTPPort   = "7070"
	envPrefixHTTP = "COORDINATOR_HTTP_"
	pathEnv       = ".env"
)

type envConfig struct {
	LogLevel   string `env:"COORDINATOR_LOG_LEVEL"   envDefault:"info"`
	InstanceID string `env:"COORDINATOR_INSTANCE_ID"`

	ExpectedClients   int           `env:"COORDINATOR_EXPECTED_CLIENTS"    envDefault:"3"`
	StartQuorum       int           `env:"COORDINATOR_START_QUORUM"        envDefault:"0"`
	MinQuorum         int           `env:"COORDINATOR_MIN_QUORUM"          envDefault:"1"`
	TotalRounds       uint64        `env:"COORDINATOR_TOTAL_ROUNDS"        envDefault:"10"`
	RoundTimeout      time.Duration `env:"COORDINATOR_ROUND_TIMEOUT"       envDefault:"5m"`
	CheckInterval     time.Duration `env:"COORDINATOR_CHECK_INTERVAL"      envDefault:"1s"`
	MaxTimeoutRetries int           `env:"COORDINATOR_MAX_TIMEOUT_RETRIES" envDefault:"3"`
	AutoStart         bool          `env:"COORDINATOR_AUTO_START"          envDefault:"true"`
	StartSchedule     string        `env:"COORDINATOR_START_SCHEDULE"`
	Timezone          string        `env:"COORDINATOR_TIMEZONE"            envDefault:"UTC"`

	Aggregation   string  `env:"COORDINATOR_AGGREGATION"   envDefault:"fedavg"`
	Momentum      float64 `env:"COORDINATOR_MOMENTUM"      envDefault:"0.9"`
	ServerLR      float64 `env:"COORDINATOR_SERVER_LR"     envDefault:"1.0"`
	Normalization string  `env:"COORDINATOR_NORMALIZATION" envDefault:"actual"`

	Features      int    `env:"COORDINATOR_FEATURES"       envDefault:"0"`
	Classes       int    `env:"COORDINATOR_CLASSES"        envDefault:"0"`
	Seed          uint64 `env:"COORDINATOR_SEED"           envDefault:"42"`
	InitialParams string `env:"COORDINATOR_INITIAL_PARAMS"`
	TestData      string `env:"COORDINATOR_TEST_DATA"`
	LabelColumn   string `env:"COORDINATOR_LABEL_COLUMN"   envDefault:"target"`
	ResultsFile   string `env:"COORDINATOR_RESULTS_FILE"   envDefault:"results/metrics.json"`

	MQTTAddress string        `env:"COORDINATOR_MQTT_ADDRESS"`
	MQTTQoS     uint8         `env:"COORDINATOR_MQTT_QOS"      envDefault:"1"`
	MQTTTimeout time.Duration `env:"COORDINATOR_MQTT_TIMEOUT"  envDefault:"30s"`
	MQTTUser    string        `env:"COORDINATOR_MQTT_USERNAME"`
	MQTTPass    string        `env:"COORDINATOR_MQTT_PASSWORD"`
	MQTTTopic   string        `env:"COORDINATOR_MQTT_TOPIC"    envDefault:"fedsync"`
	MQTTRetain  bool          `env:"COORDINATOR_MQTT_RETAIN"   envDefault:"true"`

	Storage    storage.Config
	OTELURL    url.URL `env:"COORDINATOR_OTEL_URL"`
	TraceRatio float64 `env:"COORDINATOR_TRACE_RATIO" envDefault:"0"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if _, err := os.Stat(pathEnv); err == nil {
		_ = godotenv.Load(pathEnv)
	}

	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load configuration : %s", err.Error())
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("failed to parse log level: %s", err.Error())
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	var tp trace.TracerProvider
	switch {
	case cfg.OTELURL == (url.URL{}):
		tp = noop.NewTracerProvider()
	default:
		sdktp, err := jaeger.NewProvider(ctx, svcName, cfg.OTELURL, cfg.InstanceID, cfg.TraceRatio)
		if err != nil {
			logger.Error("failed to initialize opentelemetry", slog.String("error", err.Error()))

			return
		}
		defer func() {
			if err := sdktp.Shutdown(ctx); err != nil {
				logger.Error("error shutting down tracer provider", slog.Any("error", err))
			}
		}()
		tp = sdktp
	}
	tracer := tp.Tracer(svcName)

	method, err := fl.ParseMethod(cfg.Aggregation)
	if err != nil {
		logger.Error("failed to parse aggregation method", slog.String("error", err.Error()))

		return
	}
	norm, err := fl.ParseNormalization(cfg.Normalization)
	if err != nil {
		logger.Error("failed to parse normalization", slog.String("error", err.Error()))

		return
	}
	aggregator, err := fl.NewAggregator(method, fl.Options{
		Momentum:        cfg.Momentum,
		ServerLR:        cfg.ServerLR,
		Normalization:   norm,
		ExpectedClients: cfg.ExpectedClients,
	})
	if err != nil {
		logger.Error("failed to create aggregator", slog.String("error", err.Error()))

		return
	}

	var evaluator coordinator.Evaluator
	if cfg.TestData != "" {
		test, err := partition.LoadCSVFile(cfg.TestData, cfg.LabelColumn)
		if err != nil {
			logger.Error("failed to load test data", slog.String("path", cfg.TestData), slog.String("error", err.Error()))

			return
		}
		if cfg.Features == 0 {
			cfg.Features = test.NumFeatures()
		}
		if cfg.Classes == 0 {
			cfg.Classes = test.NumClasses()
		}
		evaluator = model.NewEvaluator(test.Rows)
	}

	initial, err := initialParameters(cfg)
	if err != nil {
		logger.Error("failed to build initial parameters", slog.String("error", err.Error()))

		return
	}

	repos, err := storage.NewRepositories(cfg.Storage)
	if err != nil {
		logger.Error("failed to initialize storage", slog.String("type", cfg.Storage.Type), slog.String("error", err.Error()))

		return
	}
	if repos.Closer != nil {
		defer repos.Closer.Close()
	}

	results, err := fl.NewResultsWriter(cfg.ResultsFile, method)
	if err != nil {
		logger.Error("failed to create results writer", slog.String("error", err.Error()))

		return
	}

	opts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithRepositories(repos.Rounds, repos.Models),
		coordinator.WithResults(results),
	}
	if evaluator != nil {
		opts = append(opts, coordinator.WithEvaluator(evaluator))
	}

	if cfg.MQTTAddress != "" {
		ps, err := mqtt.NewPubSub(mqtt.Config{
			URL:      cfg.MQTTAddress,
			QoS:      cfg.MQTTQoS,
			ClientID: fmt.Sprintf("%s-%s", svcName, cfg.InstanceID),
			Username: cfg.MQTTUser,
			Password: cfg.MQTTPass,
			Timeout:  cfg.MQTTTimeout,
			Retain:   cfg.MQTTRetain,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize mqtt pubsub", slog.String("error", err.Error()))

			return
		}
		defer func() {
			if err := ps.Disconnect(context.Background()); err != nil {
				logger.Warn("failed to disconnect from mqtt broker", slog.Any("error", err))
			}
		}()
		opts = append(opts, coordinator.WithPubSub(ps, mqtt.NewTopics(cfg.MQTTTopic)))
	}

	coord, err := coordinator.New(coordinator.Config{
		ExpectedClients:   cfg.ExpectedClients,
		StartQuorum:       cfg.StartQuorum,
		MinQuorum:         cfg.MinQuorum,
		TotalRounds:       cfg.TotalRounds,
		RoundTimeout:      cfg.RoundTimeout,
		CheckInterval:     cfg.CheckInterval,
		MaxTimeoutRetries: cfg.MaxTimeoutRetries,
		AutoStart:         cfg.AutoStart,
		StartSchedule:     cfg.StartSchedule,
		Timezone:          cfg.Timezone,
	}, initial, aggregator, opts...)
	if err != nil {
		logger.Error("failed to create coordinator", slog.String("error", err.Error()))

		return
	}

	var svc coordinator.Service = coord
	svc = middleware.Logging(logger, svc)
	svc = middleware.Tracing(tracer, svc)
	counter, latency := prometheus.MakeMetrics(svcName, "api")
	svc = middleware.Metrics(counter, latency, svc)

	httpServerConfig := server.Config{Port: defHTTPPort}
	if err := env.ParseWithOptions(&httpServerConfig, env.Options{Prefix: envPrefixHTTP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s HTTP server configuration : %s", svcName, err.Error()))

		return
	}

	hs := httpserver.NewServer(ctx, cancel, svcName, httpServerConfig, api.MakeHandler(svc, logger, cfg.InstanceID), logger)

	logger.Info("coordinator configured",
		slog.String("aggregation", string(method)),
		slog.Int("expected_clients", cfg.ExpectedClients),
		slog.Uint64("total_rounds", cfg.TotalRounds),
		slog.Int("params", initial.NumParams()),
		slog.String("storage", cfg.Storage.Type),
	)

	g.Go(func() error {
		return hs.Start()
	})

	g.Go(func() error {
		return coord.Run(ctx)
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hs)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service exited with error: %s", svcName, err))
	}
}

func initialParameters(cfg envConfig) (fl.ParameterVector, error) {
	if cfg.InitialParams != "" {
		data, err := os.ReadFile(cfg.InitialParams)
		if err != nil {
			return fl.ParameterVector{}, err
		}
		var pv fl.ParameterVector
		if err := json.Unmarshal(data, &pv); err != nil {
			return fl.ParameterVector{}, fmt.Errorf("failed to decode %s: %w", cfg.InitialParams, err)
		}

		return pv, pv.Validate()
	}
	if cfg.Features < 1 || cfg.Classes < 2 {
		return fl.ParameterVector{}, fmt.Errorf("features and classes must be set when no test data or initial parameters are given")
	}

	return model.InitParameters(cfg.Features, cfg.Classes, cfg.Seed), nil
}
