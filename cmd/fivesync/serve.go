// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fivesync/diffserver"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run a diff server",
	Long: `Serve the diff API over HTTP. Items are stored in Postgres when
server.database_url is set and in memory otherwise.

Endpoints:
  POST   /sync/begin                 open a diff window
  GET    /sync/diff                  page rows of one entity type
  POST   /library/items              publish an artist, album or song
  DELETE /library/items/{type}/{id}  remove an item
  POST   /library/purge              drop old tombstones
  GET    /health`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address")
	serveCmd.Flags().String("database-url", "", "Postgres URL for the item feed")
	mustBind(v, "server.addr", serveCmd.Flags().Lookup("addr"))
	mustBind(v, "server.database_url", serveCmd.Flags().Lookup("database-url"))
	rootCmd.AddCommand(serveCmd)
}

// openFeed returns the configured feed and a func releasing its resources
func openFeed(ctx context.Context) (diffserver.Feed, func(), error) {
	if cfg.Server.DatabaseURL == "" {
		logger.Warn("No database_url configured, items are kept in memory")
		return diffserver.NewMemoryFeed(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Server.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	feed, err := diffserver.NewPGFeed(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return feed, pool.Close, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret must be set to serve")
	}

	feed, closeFeed, err := openFeed(ctx)
	if err != nil {
		return err
	}
	defer closeFeed()

	handlers := diffserver.NewHandlers(feed, diffserver.NewJWTAuth(cfg.JWTSecret), nil, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handlers.Routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting diff server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}
