package postgres

import (
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
)

var (
	ErrDBConnection = errors.New("database connection error")
	ErrDBQuery      = errors.New("database query error")
	ErrDBScan       = errors.New("database scan error")
	ErrCreate       = errors.New("create error")
	ErrMigration    = errors.New("database migration error")
)

type Config struct {
	Host    string
	Port    string
	User    string
	Pass    string
	Name    string
	SSLMode string
}

func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s", c.Host, c.Port, c.User, c.Pass, c.Name, c.SSLMode)
}

type Repositories struct {
	Rounds *RoundRepository
	Models *ModelRepository
}

func NewRepositories(db *Database) *Repositories {
	return &Repositories{
		Rounds: NewRoundRepository(db),
		Models: NewModelRepository(db),
	}
}

type Database struct {
	*sqlx.DB
}

func NewDatabase(cfg Config) (*Database, error) {
	db, err := sqlx.Connect("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBConnection, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	database := &Database{DB: db}

	if err := database.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return database, nil
}

func (db *Database) Migrate() error {
	migrations := &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "1_create_rounds",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS rounds (
						round BIGINT PRIMARY KEY,
						method VARCHAR(32) NOT NULL,
						participants JSONB NOT NULL,
						timed_out JSONB NOT NULL,
						updates_received INTEGER NOT NULL,
						total_samples BIGINT NOT NULL,
						evaluated BOOLEAN NOT NULL DEFAULT FALSE,
						accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
						loss DOUBLE PRECISION NOT NULL DEFAULT 0,
						aggregation_ns BIGINT NOT NULL DEFAULT 0,
						started_at TIMESTAMPTZ NOT NULL,
						completed_at TIMESTAMPTZ NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS models (
						round BIGINT PRIMARY KEY,
						parameters JSONB NOT NULL,
						created_at TIMESTAMPTZ NOT NULL
					)`,
				},
				Down: []string{
					`DROP TABLE IF EXISTS models`,
					`DROP TABLE IF EXISTS rounds`,
				},
			},
		},
	}

	if _, err := migrate.Exec(db.DB.DB, "postgres", migrations, migrate.Up); err != nil {
		return fmt.Errorf("%w: %w", ErrMigration, err)
	}

	return nil
}
