package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"courier/internal/pkg/logger"
	"courier/internal/platform/config"
	"courier/internal/platform/database"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	dryRun := flag.Bool("dry-run", false, "Apply migrations to an in-memory database only")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	closeLog := logger.Init(cfg.Logging, "migrate")
	defer closeLog()

	if *dryRun {
		db, err := database.OpenMemory()
		if err != nil {
			log.Fatal().Err(err).Msg("migrations failed against in-memory database")
		}
		db.Close()
		fmt.Println("Migrations apply cleanly")
		return
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	applied, err := database.Migrate(db.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	fmt.Printf("Migration completed successfully (%d applied)\n", len(applied))
}
