// Command migrate applies the database schema.
package main

import (
	"context"
	"database/sql"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ignite/delivery-sync/internal/config"
	"github.com/ignite/delivery-sync/internal/pkg/logger"
	"github.com/ignite/delivery-sync/internal/store"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("config load failed", "err", err.Error())
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("database open failed", "err", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := store.Migrate(ctx, db); err != nil {
		logger.Error("migration failed", "err", err.Error())
		os.Exit(1)
	}
	logger.Info("migration complete")
}
