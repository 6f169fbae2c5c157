package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowledger/config"
	"escrowledger/core/events"
	"escrowledger/core/state"
	"escrowledger/crypto"
	"escrowledger/gateway/auth"
	gatewayconfig "escrowledger/gateway/config"
	"escrowledger/gateway/idempotency"
	"escrowledger/gateway/middleware"
	"escrowledger/gateway/routes"
	"escrowledger/native/bank"
	"escrowledger/native/escrow"
	"escrowledger/observability"
	"escrowledger/observability/logging"
	"escrowledger/observability/metrics"
	telemetry "escrowledger/observability/otel"
	"escrowledger/storage"
)

const (
	serviceName     = "escrowd"
	maintenanceTick = 10 * time.Minute
	idempotencyTTL  = 24 * time.Hour
	shutdownTimeout = 15 * time.Second
	streamBuffer    = 256
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./escrowd.toml", "path to escrowd configuration (TOML or YAML)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("escrowd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions(cfg.LogOptions(serviceName))
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err.Error())
		}
	}()

	db, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	mgr, err := state.NewManager(db)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	vault, err := cfg.Vault()
	if err != nil {
		return err
	}
	custody, err := bank.New(mgr, vault)
	if err != nil {
		return fmt.Errorf("open custody: %w", err)
	}
	lockSecs, err := cfg.LockDurationSeconds()
	if err != nil {
		return err
	}
	ledger, err := escrow.NewLedger(lockSecs, mgr, custody)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	hub := events.NewHub(streamBuffer)
	ledger.SetLogger(logger)
	ledger.SetMetrics(metrics.Ledger())
	ledger.SetEmitter(events.NewFanout(hub, observability.Events()))

	signatures, closeNonces, err := newSignatureAuthenticator(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeNonces()

	gw := cfg.Gateway
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   gw.Observability.ServiceName,
		MetricsPrefix: gw.Observability.MetricsPrefix,
		LogRequests:   gw.Observability.LogRequests,
		Enabled:       gw.Observability.Metrics || gw.Observability.Tracing,
	}, logger)

	idemPath := strings.TrimSpace(gw.IdempotencyDB)
	if idemPath == "" {
		idemPath = filepath.Join(cfg.DataDir, "gateway.db")
	}
	if err := os.MkdirAll(filepath.Dir(idemPath), 0o755); err != nil {
		return fmt.Errorf("create idempotency dir: %w", err)
	}
	idemStore, err := idempotency.NewSQLiteStore(idemPath)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer idemStore.Close()

	handler, err := routes.New(routes.Config{
		Ledger:   ledger,
		Events:   mgr,
		Stream:   hub,
		Accounts: custody,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    gw.Auth.Enabled,
			HMACSecret: gw.Auth.Secret(),
			Issuer:     gw.Auth.Issuer,
			Audience:   gw.Auth.Audience,
			ScopeClaim: gw.Auth.ScopeClaim,
			ClockSkew:  gw.Auth.ClockSkew,
		}, signatures, logger),
		RateLimiter:    middleware.NewRateLimiter(rateLimits(gw), logger),
		Observability:  obs,
		Idempotency:    idempotency.NewGuard(idemStore, logger),
		CORS:           middleware.CORSConfig{AllowedOrigins: gw.CORS.AllowedOrigins},
		AdminScope:     gw.Auth.AdminScope,
		RequestTimeout: gw.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}
	if !gw.Auth.Enabled {
		logger.Warn("gateway auth disabled; callers are taken from the X-Caller header")
	}

	go pruneIdempotency(ctx, logger, idemStore)

	server := &http.Server{
		Addr:         gw.ListenAddress,
		Handler:      otelhttp.NewHandler(handler, serviceName),
		ReadTimeout:  gw.ReadTimeout,
		WriteTimeout: gw.WriteTimeout,
		IdleTimeout:  gw.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			"address", gw.ListenAddress,
			"storage", cfg.StorageBackend,
			"lockDuration", lockSecs,
			"vault", crypto.FormatIdentity(vault))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newSignatureAuthenticator builds the signed-request verifier. Nonces are
// persisted in a dedicated LevelDB when configured, otherwise alongside the
// ledger so replays stay rejected across restarts.
func newSignatureAuthenticator(ctx context.Context, cfg *config.Config, db storage.Database) (*auth.Authenticator, func(), error) {
	authCfg := cfg.Gateway.Auth
	if !authCfg.Enabled || !authCfg.SignedRequests {
		return nil, func() {}, nil
	}
	var (
		persistence *auth.StoreNoncePersistence
		closeFn     = func() {}
		err         error
	)
	if path := strings.TrimSpace(authCfg.NonceStorePath); path != "" {
		persistence, closeFn, err = auth.OpenNoncePersistence(path)
	} else {
		persistence, err = auth.NewStoreNoncePersistence(db)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("nonce persistence: %w", err)
	}
	authenticator := auth.NewAuthenticator(authCfg.ClockSkew, authCfg.NonceTTL, authCfg.NonceCapacity, nil, persistence)
	if err := authenticator.HydrateNonces(ctx, time.Now().Add(-authCfg.NonceTTL)); err != nil {
		closeFn()
		return nil, nil, err
	}
	return authenticator, closeFn, nil
}

func rateLimits(cfg gatewayconfig.Config) map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, rl := range cfg.RateLimits {
		out[rl.ID] = middleware.RateLimit{RequestsPerMinute: rl.RequestsPerMinute, Burst: rl.Burst}
	}
	return out
}

// pruneIdempotency drops expired idempotency keys until ctx ends. Nonce
// records are pruned by the authenticator as requests arrive.
func pruneIdempotency(ctx context.Context, logger *slog.Logger, store *idempotency.SQLiteStore) {
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed, err := store.Prune(ctx, now.Add(-idempotencyTTL)); err != nil {
				logger.Warn("prune idempotency keys", "error", err.Error())
			} else if removed > 0 {
				logger.Debug("pruned idempotency keys", "removed", removed)
			}
		}
	}
}
