package main

import (
	"database/sql"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"safetradelab/collector/configs"
)

func main() {
	logger := logrus.New()

	cfg, err := configs.AppLoad()
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.DBDSN)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	// Verify connection
	if err := db.Ping(); err != nil {
		logger.WithError(err).Error("failed to ping database")
		os.Exit(1)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		logger.WithError(err).Error("goose: failed to set dialect")
		os.Exit(1)
	}

	logger.Info("running database migrations...")
	if err := goose.Up(db, "migrations"); err != nil {
		logger.WithError(err).Error("goose migration failed")
		os.Exit(1)
	}

	logger.Info("migrations completed successfully")
}
