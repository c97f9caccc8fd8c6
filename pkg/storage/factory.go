package storage

import (
	"fmt"
	"io"

	"github.com/absmach/fedsync/pkg/storage/badger"
	"github.com/absmach/fedsync/pkg/storage/postgres"
	"github.com/absmach/fedsync/pkg/storage/sqlite"
)

type Config struct {
	Type string `env:"COORDINATOR_STORAGE_TYPE" envDefault:"memory"`

	PostgresHost    string `env:"COORDINATOR_POSTGRES_HOST"    envDefault:"localhost"`
	PostgresPort    string `env:"COORDINATOR_POSTGRES_PORT"    envDefault:"5432"`
	PostgresUser    string `env:"COORDINATOR_POSTGRES_USER"    envDefault:"fedsync"`
	PostgresPass    string `env:"COORDINATOR_POSTGRES_PASS"    envDefault:"fedsync"`
	PostgresDB      string `env:"COORDINATOR_POSTGRES_DB"      envDefault:"fedsync"`
	PostgresSSLMode string `env:"COORDINATOR_POSTGRES_SSLMODE" envDefault:"disable"`

	SQLitePath string `env:"COORDINATOR_SQLITE_PATH" envDefault:"./fedsync.db"`

	BadgerPath string `env:"COORDINATOR_BADGER_PATH" envDefault:"./data/badger"`
}

type Repositories struct {
	Rounds RoundRepository
	Models ModelRepository
	// Closer closes the underlying persistent storage connection.
	// It is nil for the in-memory backend.
	Closer io.Closer
}

func NewRepositories(cfg Config) (*Repositories, error) {
	switch cfg.Type {
	case "postgres":
		db, err := postgres.NewDatabase(postgres.Config{
			Host:    cfg.PostgresHost,
			Port:    cfg.PostgresPort,
			User:    cfg.PostgresUser,
			Pass:    cfg.PostgresPass,
			Name:    cfg.PostgresDB,
			SSLMode: cfg.PostgresSSLMode,
		})
		if err != nil {
			return nil, err
		}
		repos := postgres.NewRepositories(db)

		return &Repositories{Rounds: repos.Rounds, Models: repos.Models, Closer: db}, nil
	case "sqlite":
		db, err := sqlite.NewDatabase(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		repos := sqlite.NewRepositories(db)

		return &Repositories{Rounds: repos.Rounds, Models: repos.Models, Closer: db}, nil
	case "badger":
		db, err := badger.NewDatabase(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		repos := badger.NewRepositories(db)

		return &Repositories{Rounds: repos.Rounds, Models: repos.Models, Closer: db}, nil
	case "memory", "":
		return &Repositories{
			Rounds: newMemoryRoundRepository(NewInMemoryStorage()),
			Models: newMemoryModelRepository(NewInMemoryStorage()),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, cfg.Type)
	}
}
