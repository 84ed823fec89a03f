package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/audit"
	"github.com/ekaya-inc/superset-importer/pkg/auth"
	"github.com/ekaya-inc/superset-importer/pkg/catalog"
	"github.com/ekaya-inc/superset-importer/pkg/config"
	"github.com/ekaya-inc/superset-importer/pkg/database"
	"github.com/ekaya-inc/superset-importer/pkg/handlers"
	"github.com/ekaya-inc/superset-importer/pkg/logging"
	"github.com/ekaya-inc/superset-importer/pkg/middleware"
	"github.com/ekaya-inc/superset-importer/pkg/repositories"
	"github.com/ekaya-inc/superset-importer/pkg/services"
	"github.com/ekaya-inc/superset-importer/pkg/superset"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("base_url", cfg.BaseURL))
	logger.Debug("Effective configuration\n" + cfg.Describe())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Import ledger (optional)
	var ledger repositories.ImportLedger
	var ledgerPing handlers.Pinger
	if cfg.Database.Enabled() {
		db, err := database.Connect(ctx, &database.Config{
			URL:            cfg.Database.URL,
			MaxConnections: cfg.Database.MaxConnections,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(logger); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		ledger = repositories.NewImportLedger(db)
		ledgerPing = db
		logger.Info("Import ledger enabled")
	} else {
		logger.Info("Import ledger disabled; imports are located by catalog search")
	}

	// Import lock (Redis when configured, otherwise in-process)
	rdb, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info("Using Redis import lock", zap.String("host", cfg.Redis.Host))
	}
	importLock := services.NewImportLock(rdb, cfg.Import.LockTTL, logger)

	// Catalog, auth and audit
	catalogClient := catalog.NewClient(cfg.Catalog.URL, cfg.Catalog.APIToken, cfg.Catalog.Timeout, logger)
	auditor := audit.NewSecurityAuditor(logger)

	jwksClient, err := auth.NewJWKSClient(ctx, auth.JWKSConfigFrom(&cfg.Auth))
	if err != nil {
		logger.Fatal("Failed to initialize JWKS client", zap.Error(err))
	}
	defer jwksClient.Close()
	if !cfg.Auth.EnableVerification {
		logger.Warn("JWT signature verification is disabled")
	}

	authService := auth.NewAuthService(jwksClient, cfg.Auth.CookieName, logger)
	authMiddleware := auth.NewMiddleware(authService, catalogClient, auditor, logger).
		WithTrustedProxies(cfg.Auth.TrustedProxies)

	flashes, err := auth.NewFlashStore(cfg.SessionSecret, auth.DeriveCookieSettings(cfg.BaseURL, ""))
	if err != nil {
		logger.Fatal("Failed to create flash store", zap.Error(err))
	}
	if cfg.SessionSecret == "" {
		logger.Warn("SESSION_SECRET is not set; flash messages do not survive a restart")
	}

	importService := services.NewImportService(
		catalogClient,
		ledger,
		importLock,
		auditor,
		services.ImportConfigFrom(&cfg.Import),
		logger,
	)

	// Register handlers
	supersetCfg := superset.ConfigFrom(cfg)
	mux := http.NewServeMux()

	handlers.NewHealthHandler(cfg, ledgerPing, logger).RegisterRoutes(mux)
	handlers.NewSupersetHandler(supersetCfg, importService, flashes, catalogClient.BaseURL(), logger).
		RegisterRoutes(mux, authMiddleware)
	handlers.NewImagesHandler(supersetCfg, logger).RegisterRoutes(mux, authMiddleware)

	handler := middleware.RequestID(middleware.RequestLogger(logger.Named("http"))(mux))

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting superset-importer",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown did not complete", zap.Error(err))
	}
	logger.Info("Server stopped")
}
