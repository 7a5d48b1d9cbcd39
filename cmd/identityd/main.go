package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/telechubbiies/identity/pkg/api"
	"github.com/telechubbiies/identity/pkg/audit"
	"github.com/telechubbiies/identity/pkg/config"
	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/middleware"
	"github.com/telechubbiies/identity/pkg/oauth"
	"github.com/telechubbiies/identity/pkg/observability"
	"github.com/telechubbiies/identity/pkg/permissions"
	"github.com/telechubbiies/identity/pkg/sessions"
	"github.com/telechubbiies/identity/pkg/storage/postgres"
)

const version = "1.0.0"

// auditRetention bounds the activity log; entries older than this are
// swept by the maintenance cron.
const auditRetention = 90 * 24 * time.Hour

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	httpLog := logrus.New()
	httpLog.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Observability.LogLevel == observability.DebugLevel {
		httpLog.SetLevel(logrus.DebugLevel)
	}

	if err := run(cfg, logger, httpLog); err != nil {
		logger.WithError(err).Error("identityd exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, httpLog *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.Database.ReplicaURLs),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, httpLog)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer cm.Close()
	cm.StartHealthCheckRoutine(ctx, 30*time.Second)

	if err := postgres.Migrate(ctx, cm.Primary(), httpLog); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		defer redisClient.Close()
	}

	auditLog, err := audit.NewDBLogger(cm.Primary())
	if err != nil {
		return fmt.Errorf("failed to initialize activity log: %w", err)
	}

	signer, err := loadSigner(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	if cfg.Observability.OTelEnabled {
		providers, err := observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("tracer shutdown failed")
			}
		}()
	}

	users := directory.NewStore(cm.Primary())
	// Permission resolution is pure reads and tolerates replica lag.
	resolver := permissions.NewResolver(cm.Replica())
	service := directory.NewService(users, logger, auditLog, cfg.Auth.InvitationTTL)

	tokens := oauth.NewTokenService(cm.Primary(), signer, users, resolver, oauth.TokenTTLs{
		Access:  cfg.Auth.AccessTokenTTL,
		Refresh: cfg.Auth.RefreshTokenTTL,
		IDToken: cfg.Auth.IDTokenTTL,
	}, metrics, auditLog)

	clients, err := oauth.NewRegistry(cm.Primary())
	if err != nil {
		return fmt.Errorf("failed to initialize client registry: %w", err)
	}
	codes := oauth.NewCodeManager(cm.Primary(), cfg.Auth.AuthCodeTTL, metrics, auditLog)

	var rateLimits api.RateLimiter
	if redisClient != nil {
		rateLimits = middleware.NewDistributedRateLimitMiddleware(redisClient, httpLog)
	} else {
		inMemory := middleware.NewRateLimitMiddleware()
		inMemory.StartCleanup(ctx)
		rateLimits = inMemory
	}

	secureCookies := strings.HasPrefix(cfg.Server.BackendURL, "https://")

	server := api.NewServer(api.Deps{
		OAuth:      oauth.NewHandler(clients, codes, tokens, users, resolver, httpLog),
		Sessions:   sessions.NewHandler(users, tokens, metrics, auditLog, httpLog, secureCookies),
		Directory:  api.NewDirectoryHandler(service, resolver, httpLog),
		Auth:       middleware.NewAuthenticator(tokens, users),
		RateLimits: rateLimits,
		Metrics:    metrics,
		Log:        httpLog,
	})

	var mainHandler http.Handler = server.Router()
	if cfg.Observability.OTelEnabled {
		mainHandler = otelhttp.NewHandler(mainHandler, "identity-http")
	}

	mainServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      mainHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      healthMux(cm, redisClient, registry, cfg.Observability.MetricsEnabled),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sweeper := startSweeper(ctx, codes, tokens, auditLog, logger)
	defer sweeper.Stop()

	sm := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	sm.RegisterServer(mainServer)
	sm.RegisterServer(healthServer)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		sweeperCtx := sweeper.Stop()
		select {
		case <-sweeperCtx.Done():
		case <-ctx.Done():
		}
		return nil
	})

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", mainServer.Addr).Info("identity server listening")
		if err := mainServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("identity server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sm.WaitForShutdown()
	})

	return g.Wait()
}

// loadSigner builds the RS256 signer from inline PEM, key files, or a
// generated development pair.
func loadSigner(cfg *config.Config, logger *observability.Logger) (*oauth.Signer, error) {
	issuer := cfg.Server.BackendURL
	keyID := cfg.Auth.JWTKeyID

	privatePEM := cfg.Auth.JWTPrivateKey
	publicPEM := cfg.Auth.JWTPublicKey

	if privatePEM == "" && cfg.Auth.JWTPrivateKeyPath != "" {
		raw, err := os.ReadFile(cfg.Auth.JWTPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key file: %w", err)
		}
		privatePEM = string(raw)
	}
	if publicPEM == "" && cfg.Auth.JWTPublicKeyPath != "" {
		raw, err := os.ReadFile(cfg.Auth.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key file: %w", err)
		}
		publicPEM = string(raw)
	}

	if privatePEM == "" || publicPEM == "" {
		if !cfg.Auth.DevGenerateKeys {
			return nil, fmt.Errorf("JWT key material is not configured")
		}
		logger.Warn("generating ephemeral signing keys; all tokens die with this process")
		return oauth.NewDevSigner(keyID, issuer)
	}

	return oauth.NewSigner(privatePEM, publicPEM, keyID, issuer)
}

func healthMux(cm *postgres.ConnectionManager, redisClient *redis.Client, registry *prometheus.Registry, metricsEnabled bool) http.Handler {
	checker := observability.NewHealthChecker(cm.Primary(), redisClient, version)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.Liveness)
	mux.HandleFunc("/readyz", checker.Readiness)
	if metricsEnabled {
		mux.Handle("/metrics", observability.Handler(registry))
	}
	return mux
}

// startSweeper schedules the retention jobs. Expiry itself is enforced
// lazily at use time; the sweeper only reclaims storage.
func startSweeper(ctx context.Context, codes *oauth.CodeManager, tokens *oauth.TokenService, auditLog *audit.DBLogger, logger *observability.Logger) *cron.Cron {
	c := cron.New()

	c.AddFunc("@every 10m", func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if n, err := codes.Cleanup(sweepCtx); err != nil {
			logger.WithError(err).Warn("authorization code sweep failed")
		} else if n > 0 {
			logger.WithField("removed", n).Debug("swept expired authorization codes")
		}

		if n, err := tokens.CleanupExpired(sweepCtx); err != nil {
			logger.WithError(err).Warn("refresh token sweep failed")
		} else if n > 0 {
			logger.WithField("removed", n).Debug("swept expired refresh tokens")
		}
	})

	c.AddFunc("@daily", func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()

		if n, err := auditLog.Cleanup(sweepCtx, auditRetention); err != nil {
			logger.WithError(err).Warn("activity log sweep failed")
		} else if n > 0 {
			logger.WithField("removed", n).Info("swept old activity log entries")
		}
	})

	c.Start()
	return c
}
