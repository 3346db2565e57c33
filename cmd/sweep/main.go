// Command sweep runs one maintenance pass (expired seats, stale exchanges)
// for deployments that schedule it externally.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/config"
	"codecanvas.io/internal/entitlement"
	"codecanvas.io/internal/maintenance"
	"codecanvas.io/internal/obs"
	"codecanvas.io/internal/store"
)

var version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger := obs.Logger()
		logger.Fatal().Err(err).Msg("load config")
	}
	logger := obs.NewLogger(cfg, version)
	obs.SetLogger(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stores, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer stores.Close()

	entitlements, err := entitlement.NewService(stores.Entitlements, entitlement.WithStoreTimeout(cfg.StoreTimeout))
	if err != nil {
		logger.Fatal().Err(err).Msg("entitlement service")
	}
	exchanges, err := auth.NewExchangeService(stores.Exchanges, stores.Users, cfg.SignInURL,
		auth.WithExchangeStoreTimeout(cfg.StoreTimeout))
	if err != nil {
		logger.Fatal().Err(err).Msg("exchange service")
	}

	rep, err := maintenance.New(entitlements, exchanges, logger).RunOnce(ctx, "cli")
	_ = json.NewEncoder(os.Stdout).Encode(rep)
	if err != nil {
		logger.Error().Err(err).Msg("sweep failed")
		stores.Close()
		os.Exit(1)
	}
}
