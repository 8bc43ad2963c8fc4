package cmd

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/internal/store"
	"github.com/nextlevelbuilder/agentrelay/internal/store/pg"
	"github.com/nextlevelbuilder/agentrelay/internal/store/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

func storeConfig(cfg *config.Config) store.StoreConfig {
	return store.StoreConfig{
		Driver:      cfg.Store.Driver,
		SQLitePath:  cfg.StorePath(),
		PostgresDSN: cfg.Store.PostgresDSN,
	}
}

// openStores opens and migrates the configured backend.
func openStores(sc store.StoreConfig) (*store.Stores, error) {
	switch sc.Driver {
	case "", driverSQLite:
		return sqlite.NewStores(sc.SQLitePath)
	case driverPostgres:
		if sc.PostgresDSN == "" {
			return nil, fmt.Errorf("AGENTRELAY_POSTGRES_DSN environment variable is not set")
		}
		return pg.NewPGStores(sc)
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// openMigrator returns a migrator bound to the configured backend without
// applying anything. Closing the migrator closes the database.
func openMigrator(sc store.StoreConfig) (*migrate.Migrate, error) {
	var (
		db  *sql.DB
		err error
	)
	switch sc.Driver {
	case "", driverSQLite:
		if db, err = sqlite.OpenDB(sc.SQLitePath); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		m, err := sqlite.NewMigrator(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return m, nil
	case driverPostgres:
		if sc.PostgresDSN == "" {
			return nil, fmt.Errorf("AGENTRELAY_POSTGRES_DSN environment variable is not set")
		}
		if db, err = pg.OpenDB(sc.PostgresDSN); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		m, err := pg.NewMigrator(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}
