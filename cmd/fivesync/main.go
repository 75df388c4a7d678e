// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mobiletoly/go-fivesync/fivesqlite"
	"github.com/mobiletoly/go-fivesync/internal/config"
)

var (
	v          = config.New()
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
	closeLog   func() error
)

var rootCmd = &cobra.Command{
	Use:   "fivesync",
	Short: "Sync a music library from diff servers and manage its content cache",
	Long: `fivesync keeps a local SQLite music library in step with one or more
diff servers. Each sync applies the changes since the last committed anchor
of a source; a server may ask for a full refresh instead.

Settings come from fivesync.yaml, FIVESYNC_* environment variables and flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, configFile)
		if err != nil {
			return err
		}
		logger, closeLog, err = newLogger(cfg.Log, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeLog != nil {
			return closeLog()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "library", Title: "Library Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default ./fivesync.yaml)")
	flags.String("database", "", "Local library database path")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-file", "", "Write logs to this file with rotation")
	mustBind(v, "database", flags.Lookup("database"))
	mustBind(v, "log.level", flags.Lookup("log-level"))
	mustBind(v, "log.file", flags.Lookup("log-file"))
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag for %s: %v", key, err))
	}
}

// openStore opens the local library configured for this run
func openStore() (*fivesqlite.Store, func(), error) {
	db, err := fivesqlite.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	store, err := fivesqlite.NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
