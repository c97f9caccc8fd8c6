package fedsync

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fedsync/pkg/fl"
	"github.com/absmach/fedsync/pkg/partition"
	"github.com/pelletier/go-toml"
)

// Config is an experiment file shared by the CLI and the binaries.
type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Partition   PartitionConfig   `toml:"partition"`
	Client      ClientConfig      `toml:"client"`
}

type CoordinatorConfig struct {
	URL             string  `toml:"url"`
	Aggregation     string  `toml:"aggregation"`
	ExpectedClients int     `toml:"expected_clients"`
	MinQuorum       int     `toml:"min_quorum"`
	TotalRounds     int64   `toml:"total_rounds"`
	RoundTimeout    string  `toml:"round_timeout"`
	Momentum        float64 `toml:"momentum"`
	ServerLR        float64 `toml:"server_lr"`
	Normalization   string  `toml:"normalization"`
}

type PartitionConfig struct {
	Input       string  `toml:"input"`
	Output      string  `toml:"output"`
	LabelColumn string  `toml:"label_column"`
	Clients     int     `toml:"clients"`
	Mode        string  `toml:"mode"`
	Alpha       float64 `toml:"alpha"`
	Seed        int64   `toml:"seed"`
	TestSize    float64 `toml:"test_size"`
	Normalize   bool    `toml:"normalize"`
}

type ClientConfig struct {
	Epochs       int     `toml:"epochs"`
	BatchSize    int     `toml:"batch_size"`
	LearningRate float64 `toml:"learning_rate"`
}

func DefaultConfig() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			URL:             "http://localhost:8080",
			Aggregation:     string(fl.FedAvg),
			ExpectedClients: 3,
			MinQuorum:       1,
			TotalRounds:     10,
			RoundTimeout:    "5m",
			Momentum:        fl.DefaultOptions().Momentum,
			ServerLR:        fl.DefaultOptions().ServerLR,
			Normalization:   string(fl.NormalizeActual),
		},
		Partition: PartitionConfig{
			Output:      "data",
			LabelColumn: partition.DefaultLabelColumn,
			Clients:     3,
			Mode:        string(partition.IID),
			Alpha:       partition.DefaultAlpha,
			Seed:        int64(partition.DefaultSeed),
			TestSize:    0.2,
			Normalize:   true,
		},
		Client: ClientConfig{
			Epochs:       2,
			BatchSize:    32,
			LearningRate: 0.1,
		},
	}
}

// LoadConfig reads a TOML experiment file. Keys missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c Config) Validate() error {
	if _, err := fl.ParseMethod(c.Coordinator.Aggregation); err != nil {
		return fmt.Errorf("coordinator.aggregation: %w", err)
	}
	if _, err := fl.ParseNormalization(c.Coordinator.Normalization); err != nil {
		return fmt.Errorf("coordinator.normalization: %w", err)
	}
	if _, err := c.Coordinator.Timeout(); err != nil {
		return fmt.Errorf("coordinator.round_timeout: %w", err)
	}
	if _, err := c.Partition.Split(); err != nil {
		return fmt.Errorf("partition: %w", err)
	}

	return nil
}

func (c CoordinatorConfig) Timeout() (time.Duration, error) {
	return time.ParseDuration(c.RoundTimeout)
}

// Split converts the partition table into a partitioner configuration.
func (p PartitionConfig) Split() (partition.Config, error) {
	mode, err := partition.ParseMode(p.Mode)
	if err != nil {
		return partition.Config{}, err
	}
	if p.Clients < 1 {
		return partition.Config{}, partition.ErrInvalidClients
	}
	if p.TestSize < 0 || p.TestSize >= 1 {
		return partition.Config{}, fmt.Errorf("%w: test_size %v", partition.ErrInvalidSplit, p.TestSize)
	}

	return partition.Config{
		Clients: p.Clients,
		Mode:    mode,
		Alpha:   p.Alpha,
		Seed:    uint64(p.Seed),
	}, nil
}
