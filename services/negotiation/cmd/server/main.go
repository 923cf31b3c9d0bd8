package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accordsai/negotiationlane/pkg/authn"
	"github.com/accordsai/negotiationlane/pkg/config"
	"github.com/accordsai/negotiationlane/pkg/db"
	"github.com/accordsai/negotiationlane/pkg/domain"
	"github.com/accordsai/negotiationlane/pkg/logger"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/actionblock"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/api"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/engine"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/export"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/idempotency"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/policy"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/store"

	"github.com/joho/godotenv"
)

// backend is satisfied by both store.Store and store.Memory.
type backend interface {
	policy.Store
	engine.EventStore
	actionblock.Store
	idempotency.Store
}

var (
	_ backend = (*store.Store)(nil)
	_ backend = (*store.Memory)(nil)
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	resolver := policy.NewResolver(st)
	seeds := make([]domain.NegotiationPolicy, 0, len(cfg.PlatformPolicies))
	for _, s := range cfg.PlatformPolicies {
		seeds = append(seeds, s.Policy())
	}
	inserted, err := resolver.SeedPlatform(ctx, seeds)
	if err != nil {
		return fmt.Errorf("seed platform policies: %w", err)
	}
	logger.Info("platform policies seeded", "configured", len(seeds), "inserted", inserted)

	signer, err := cfg.Signer()
	if err != nil {
		return err
	}
	ring, err := cfg.KeyRing()
	if err != nil {
		return err
	}
	if signer == nil {
		logger.Warn("no active signing key; attested exports are disabled")
	} else {
		logger.Info("attestation enabled", "active_key_id", signer.KeyID, "verification_keys", len(ring))
	}

	if cfg.Gateway.Token == "" {
		logger.Warn("GATEWAY_TOKEN not set; identity headers are trusted as sent")
	}

	handler := api.NewRouter(api.Deps{
		Engine:      engine.New(st, resolver),
		Policies:    resolver,
		Blocks:      actionblock.NewService(st),
		Exporter:    export.NewBuilder(st, resolver, signer),
		KeyRing:     ring,
		Idempotency: st,
		Gateway:     authn.NewGateway(cfg.Gateway.Token),
		ExportRate:  cfg.Export.RatePerSecond,
		ExportBurst: cfg.Export.Burst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("negotiation service listening", "port", cfg.Server.Port, "store", cfg.Store.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	st := store.New(pool)
	if cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("database migrations applied")
	}
	return st, pool.Close, nil
}
