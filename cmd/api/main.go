package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/config"
	"codecanvas.io/internal/entitlement"
	"codecanvas.io/internal/grpcapi"
	"codecanvas.io/internal/httpapi"
	"codecanvas.io/internal/idp"
	"codecanvas.io/internal/maintenance"
	"codecanvas.io/internal/obs"
	"codecanvas.io/internal/store"
)

var (
	version = "0.1.0"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		logger := obs.Logger()
		logger.Fatal().Err(err).Msg("codecanvas-api stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := obs.NewLogger(cfg, version)
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.SetupTracing(ctx, cfg.ServiceName, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	stores, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokenService(stores.Users, stores.Tokens, stores.Sessions, cfg.TokenSecret,
		auth.WithIssuer(cfg.TokenIssuer),
		auth.WithAudience(cfg.TokenAudience),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithExtensionMonths(cfg.ExtensionTokenMonths),
		auth.WithStoreTimeout(cfg.StoreTimeout),
		auth.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	exchanges, err := auth.NewExchangeService(stores.Exchanges, stores.Users, cfg.SignInURL,
		auth.WithExchangeTTL(cfg.ExchangeTTL),
		auth.WithExchangeStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return err
	}
	rate, err := entitlement.NewRate(cfg.CreditsPerUnit, cfg.Currency)
	if err != nil {
		return err
	}
	entitlements, err := entitlement.NewService(stores.Entitlements,
		entitlement.WithRate(rate),
		entitlement.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return err
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	runner := maintenance.New(entitlements, exchanges, logger)

	readiness := httpapi.ReadinessCheck{}
	for _, p := range stores.Pingers() {
		readiness.Checks = append(readiness.Checks, p)
	}

	api := httpapi.New(httpapi.Deps{
		Exchanges:          exchanges,
		Tokens:             tokens,
		Entitlements:       entitlements,
		Maintenance:        runner,
		IdP:                verifier,
		Ready:              readiness,
		InternalToken:      cfg.InternalToken,
		Version:            version,
		CORSOrigins:        cfg.CORSOrigins,
		AllowLocalOrigins:  cfg.DevMode,
		RateLimitBurst:     cfg.RateLimitBurst,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		TrustedProxies:     proxies,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := grpcapi.NewServer(readiness)

	sched, err := runner.Schedule(cfg.SweepSchedule)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpSrv.Addr).Str("version", version).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("grpc listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		if err := httpSrv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("stopped")
	return err
}

// newVerifier picks the JWKS verifier, or the development verifier when
// dev mode runs without an identity provider.
func newVerifier(cfg *config.Config, logger zerolog.Logger) (idp.Verifier, error) {
	if cfg.IdPJWKSURL != "" {
		opts := []idp.JWKSOption{}
		if cfg.IdPAudience != "" {
			opts = append(opts, idp.WithAudience(cfg.IdPAudience))
		}
		return idp.NewJWKSVerifier(cfg.IdPJWKSURL, cfg.IdPIssuer, opts...)
	}
	if !cfg.DevMode {
		return nil, fmt.Errorf("%w: CODECANVAS_IDP_JWKS_URL is required outside dev mode", config.ErrConfiguration)
	}
	logger.Warn().Msg("no identity provider configured; accepting dev:<subject> assertions")
	return idp.DevVerifier{}, nil
}
