package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/api"
	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/database"
	"github.com/robcowart/ocm-ca/internal/service"
)

const sessionCleanupInterval = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the CA API server (default)",
	RunE:  runServe,
}

// openDatabase connects and migrates the configured database
func openDatabase(cfg *config.Config, logger *zap.Logger) (*database.Database, error) {
	db, err := database.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Debug("Database ready", zap.String("type", cfg.Database.Type))
	return db, nil
}

func newSessionManager(db *database.Database, cfg *config.Config, logger *zap.Logger) *service.SessionManager {
	var store service.SessionStore = db
	if cfg.Session.Store == "memory" {
		store = service.NewMemorySessionStore()
	}
	return service.NewSessionManager(db, store, cfg, logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting OCM CA",
		zap.String("version", version),
		zap.String("database", cfg.Database.Type),
		zap.String("session_store", cfg.Session.Store),
	)

	db, err := openDatabase(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := service.NewRootStore(db, cfg, logger)
	if err := root.Open(ctx); err != nil {
		if service.KindOf(err) == service.KindKeyUnavailable {
			logger.Fatal("CA key unavailable, refusing to start", zap.Error(err))
		}
		logger.Fatal("Failed to open CA", zap.Error(err))
	}

	sessions := newSessionManager(db, cfg, logger)
	if err := sessions.Init(ctx); err != nil {
		logger.Fatal("Failed to initialize sessions", zap.Error(err))
	}

	audit := service.NewAuditLog(db, cfg.Audit, logger)
	defer audit.Close()

	serials := service.NewSerialAllocator(db)
	revocations := service.NewRevocationManager(db, root, cfg, logger)
	if _, err := revocations.CRL(ctx); err != nil {
		logger.Fatal("Failed to load CRL", zap.Error(err))
	}

	router := api.NewRouter(cfg, &api.Services{
		DB:           db,
		Sessions:     sessions,
		Root:         root,
		Issuer:       service.NewIssuer(root, serials, db, cfg, logger),
		Certificates: service.NewCertificateService(db, root, cfg, logger),
		Revocations:  revocations,
		Audit:        audit,
		Version:      version,
	}, logger)

	// Background maintenance
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		revocations.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sessions.RunCleanup(ctx, sessionCleanupInterval)
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("address", srv.Addr),
			zap.Bool("tls", cfg.Server.TLSEnabled),
		)

		var err error
		if cfg.Server.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
		}
	}
	stop()

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	wg.Wait()

	logger.Info("Server stopped")
	return nil
}
