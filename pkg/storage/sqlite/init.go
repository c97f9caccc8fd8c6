package sqlite

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
)

var (
	ErrDBConnection = errors.New("database connection error")
	ErrDBQuery      = errors.New("database query error")
	ErrDBScan       = errors.New("database scan error")
	ErrCreate       = errors.New("create error")
	ErrMigration    = errors.New("database migration error")
)

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

func NewDatabase(path string) (*Database, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBConnection, err)
	}

	db.SetMaxOpenConns(1)
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
						round INTEGER PRIMARY KEY,
						method TEXT NOT NULL,
						participants TEXT NOT NULL,
						timed_out TEXT NOT NULL,
						updates_received INTEGER NOT NULL,
						total_samples INTEGER NOT NULL,
						evaluated INTEGER NOT NULL DEFAULT 0,
						accuracy REAL NOT NULL DEFAULT 0,
						loss REAL NOT NULL DEFAULT 0,
						aggregation_ns INTEGER NOT NULL DEFAULT 0,
						started_at TIMESTAMP NOT NULL,
						completed_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS models (
						round INTEGER PRIMARY KEY,
						parameters TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL
					)`,
				},
				Down: []string{
					`DROP TABLE IF EXISTS models`,
					`DROP TABLE IF EXISTS rounds`,
				},
			},
		},
	}

	if _, err := migrate.Exec(db.DB.DB, "sqlite3", migrations, migrate.Up); err != nil {
		return fmt.Errorf("%w: %w", ErrMigration, err)
	}

	return nil
}
