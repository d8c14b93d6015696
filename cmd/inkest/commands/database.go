package commands

import (
	"database/sql"

	"github.com/teranos/inkest/config"
	"github.com/teranos/inkest/db"
	"github.com/teranos/inkest/errors"
	"github.com/teranos/inkest/logger"
)

// openDatabase loads configuration and opens the migrated database.
// Commands share this so every entry point sees the same schema.
func openDatabase() (*sql.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger.Named("db"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open database")
	}

	return database, cfg, nil
}
