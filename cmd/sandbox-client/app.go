package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/remote-sandbox/client/api/handlers"
	"github.com/remote-sandbox/client/internal/config"
	"github.com/remote-sandbox/client/internal/db"
	"github.com/remote-sandbox/client/internal/monitoring"
	"github.com/remote-sandbox/client/internal/repository"
	"github.com/remote-sandbox/client/internal/session"
	"github.com/remote-sandbox/client/internal/signer"
	"github.com/remote-sandbox/client/internal/ws"
)

// app wires one session with its storage, metrics and status server.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	database *sql.DB
	registry *prometheus.Registry
	manager  *session.Manager
	status   *http.Server
}

func openDatabase(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return db.Open(path)
}

func newApp(cfg *config.Config, logger *zap.Logger, onOutput func(string)) (*app, error) {
	if cfg.UsesDefaultSecret() {
		logger.Warn("using the default HMAC secret; set SANDBOX_HMAC_SECRET in production")
	}

	database, err := openDatabase(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager, err := session.NewManager(session.Config{
		Dialer: &ws.WebSocketDialer{
			URL:                cfg.Peer.URL,
			HandshakeTimeout:   cfg.Transport.HandshakeTimeout,
			InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
			Logger:             logger,
		},
		Signer:       signer.New([]byte(cfg.Peer.Secret)),
		Store:        repository.NewIdentityRepository(database),
		RequireLogin: cfg.Peer.RequireLogin,
		Reconnect:    cfg.Transport.Reconnect,
		ReconnectMin: cfg.Transport.ReconnectMin,
		ReconnectMax: cfg.Transport.ReconnectMax,
		OnOutput:     onOutput,
		Logger:       logger,
		Metrics:      monitoring.NewMetrics(registry),
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		database: database,
		registry: registry,
		manager:  manager,
	}
	if cfg.Status.Addr != "" {
		a.status = &http.Server{
			Addr:              cfg.Status.Addr,
			Handler:           handlers.NewRouter(manager, registry, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// start opens the session and the status server.
func (a *app) start(ctx context.Context) error {
	if a.status != nil {
		go func() {
			a.logger.Info("status server listening", zap.String("addr", a.status.Addr))
			if err := a.status.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("status server failed", zap.Error(err))
			}
		}()
	}
	return a.manager.Open(ctx)
}

// Close shuts everything down in reverse order.
func (a *app) Close() {
	if a.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a.status.Shutdown(ctx)
		cancel()
	}
	a.manager.Close()
	a.database.Close()
}
