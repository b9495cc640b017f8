package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = cfg.Database.GetDSN()
	}

	conn, err := db.OpenMigrationDB(dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect for migrations")
	}
	defer func() { _ = conn.Close() }()

	if err := db.NewMigrator(conn).Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}

	log.Info().Msg("Migrations complete")
}
