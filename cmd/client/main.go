package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fedsync/client"
	"github.com/absmach/fedsync/pkg/model"
	"github.com/absmach/fedsync/pkg/mqtt"
	"github.com/absmach/fedsync/pkg/partition"
	"github.com/absmach/fedsync/pkg/sdk"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const pathEnv = ".env"

type envConfig struct {
	LogLevel        string            `env:"CLIENT_LOG_LEVEL"        envDefault:"info"`
	ID              string            `env:"CLIENT_ID"`
	Metadata        map[string]string `env:"CLIENT_METADATA"`
	CoordinatorURL  string            `env:"CLIENT_COORDINATOR_URL"  envDefault:"http://localhost:7070"`
	Timeout         time.Duration     `env:"CLIENT_HTTP_TIMEOUT"     envDefault:"2m"`
	DataFile        string            `env:"CLIENT_DATA_FILE"`
	LabelColumn     string            `env:"CLIENT_LABEL_COLUMN"     envDefault:"target"`
	LocalEpochs     int               `env:"CLIENT_LOCAL_EPOCHS"     envDefault:"2"`
	BatchSize       int               `env:"CLIENT_BATCH_SIZE"       envDefault:"32"`
	LearningRate    float64           `env:"CLIENT_LEARNING_RATE"    envDefault:"0.1"`
	Seed            uint64            `env:"CLIENT_SEED"             envDefault:"0"`
	PollInterval    time.Duration     `env:"CLIENT_POLL_INTERVAL"    envDefault:"2s"`
	RegisterRetries uint64            `env:"CLIENT_REGISTER_RETRIES" envDefault:"10"`
	UseCBOR         bool              `env:"CLIENT_USE_CBOR"         envDefault:"false"`

	MQTTAddress string        `env:"CLIENT_MQTT_ADDRESS"`
	MQTTQoS     uint8         `env:"CLIENT_MQTT_QOS"      envDefault:"1"`
	MQTTTimeout time.Duration `env:"CLIENT_MQTT_TIMEOUT"  envDefault:"30s"`
	MQTTUser    string        `env:"CLIENT_MQTT_USERNAME"`
	MQTTPass    string        `env:"CLIENT_MQTT_PASSWORD"`
	MQTTTopic   string        `env:"CLIENT_MQTT_TOPIC"    envDefault:"fedsync"`
	MQTTRetain  bool          `env:"CLIENT_MQTT_RETAIN"   envDefault:"true"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if _, err := os.Stat(pathEnv); err == nil {
		_ = godotenv.Load(pathEnv)
	}

	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load configuration : %s", err.Error())
	}

	if cfg.ID == "" {
		cfg.ID = "client-" + uuid.NewString()
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("failed to parse log level: %s", err.Error())
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With(slog.String("client_id", cfg.ID))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if cfg.DataFile == "" {
		return errors.New("CLIENT_DATA_FILE is required")
	}
	ds, err := partition.LoadCSVFile(cfg.DataFile, cfg.LabelColumn)
	if err != nil {
		return fmt.Errorf("failed to load training data: %w", err)
	}
	logger.Info("training data loaded", slog.String("path", cfg.DataFile), slog.Int("rows", len(ds.Rows)))

	trainer := model.NewTrainer()
	trainer.Epochs = cfg.LocalEpochs
	trainer.BatchSize = cfg.BatchSize
	trainer.LearningRate = cfg.LearningRate
	trainer.Seed = cfg.Seed

	fs := sdk.NewSDK(sdk.Config{
		CoordinatorURL: cfg.CoordinatorURL,
		Timeout:        cfg.Timeout,
	})

	var opts []client.Option
	if cfg.MQTTAddress != "" {
		topics := mqtt.NewTopics(cfg.MQTTTopic)
		ps, err := mqtt.NewPubSub(mqtt.Config{
			URL:         cfg.MQTTAddress,
			QoS:         cfg.MQTTQoS,
			ClientID:    "fedsync-client-" + cfg.ID,
			Username:    cfg.MQTTUser,
			Password:    cfg.MQTTPass,
			Timeout:     cfg.MQTTTimeout,
			Retain:      cfg.MQTTRetain,
			WillTopic:   topics.ClientStatus(cfg.ID),
			WillPayload: map[string]string{"client_id": cfg.ID, "status": "offline"},
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize mqtt pubsub: %w", err)
		}
		defer func() {
			if err := ps.Disconnect(context.Background()); err != nil {
				logger.Warn("failed to disconnect from mqtt broker", slog.Any("error", err))
			}
		}()
		opts = append(opts, client.WithPubSub(ps, topics))
	}

	agent, err := client.NewAgent(client.Config{
		ClientID:        cfg.ID,
		Metadata:        cfg.Metadata,
		PollInterval:    cfg.PollInterval,
		RegisterRetries: cfg.RegisterRetries,
		UseCBOR:         cfg.UseCBOR,
	}, fs, trainer, ds.Rows, logger, opts...)
	if err != nil {
		return err
	}

	if err := agent.Run(ctx); err != nil {
		logger.Error("client stopped", slog.Any("error", err))

		return err
	}
	logger.Info("client finished")

	return nil
}
