package main

import (
	"fmt"
	"os"
	"time"

	"github.com/subtrackd/subtrack-backend/internal/api"
	"github.com/subtrackd/subtrack-backend/internal/currency"
	"github.com/subtrackd/subtrack-backend/internal/domain/detect"
	"github.com/subtrackd/subtrack-backend/internal/infrastructure/config"
	"github.com/subtrackd/subtrack-backend/internal/infrastructure/logging"
	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
	"github.com/subtrackd/subtrack-backend/internal/service"
)

func main() {
	cfg := config.LoadOrEnv("config.yaml")
	logger := logging.NewLogger(cfg.Observability.Logging)

	repo, err := storage.NewStorage(cfg.Storage.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = repo.Close() }()

	converter := currency.NewTableConverter(cfg.Currency.BaseCurrency, cfg.Currency.Rates)

	engine := service.NewEngine(repo, converter, detect.Config{
		LookbackMonths: cfg.Detection.LookbackMonths,
		MinOccurrences: cfg.Detection.MinOccurrences,
		Cooldown:       time.Duration(cfg.Detection.CooldownMinutes) * time.Minute,
		MaxCandidates:  cfg.Detection.MaxCandidates,
		MaxSampleIDs:   cfg.Detection.MaxSampleIDs,
	}, logger)

	server := api.NewServer(api.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, engine, logger.With("system", "api"))

	if err := server.Run(); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
