// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-fivesync/fivesqlite"
	"github.com/mobiletoly/go-fivesync/fivesync"
	"github.com/mobiletoly/go-fivesync/internal/config"
	"github.com/mobiletoly/go-fivesync/remote"
)

var syncCmd = &cobra.Command{
	Use:     "sync [source-id...]",
	GroupID: "sync",
	Short:   "Apply pending library changes from the configured sources",
	Long: `Run one sync session per source. Sources sync in parallel; a failing
source does not stop the others. Without arguments every configured source
is synced.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Int("parallel", 4, "Maximum number of sources synced at once")
	rootCmd.AddCommand(syncCmd)
}

// sourceHost splits a source URL into the host and port stored in the
// sources table.
func sourceHost(raw string) (string, int) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return u.Host, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func selectSources(args []string) ([]config.Source, error) {
	if len(args) == 0 {
		if len(cfg.Sources) == 0 {
			return nil, fmt.Errorf("no sources configured")
		}
		return cfg.Sources, nil
	}
	var out []config.Source
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid source id %q", arg)
		}
		src, ok := cfg.Source(id)
		if !ok {
			return nil, fmt.Errorf("source %d is not configured", id)
		}
		out = append(out, src)
	}
	return out, nil
}

func tokenFor(src config.Source) (remote.TokenFunc, error) {
	if src.Token != "" {
		return remote.StaticToken(src.Token), nil
	}
	if cfg.JWTSecret == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("source %d: set token, or jwt_secret and user_id", src.ID)
	}
	return remote.NewJWTTokenSource(cfg.JWTSecret, cfg.UserID, cfg.DeviceID, 0).Token, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sources, err := selectSources(args)
	if err != nil {
		return err
	}
	parallel, _ := cmd.Flags().GetInt("parallel")

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	coordConfig := fivesync.DefaultCoordinatorConfig()
	coordConfig.Logger = logger
	coordConfig.Failures = store
	coordConfig.Progress = fivesync.ProgressObserverFunc(func(p fivesync.Progress) {
		logger.Debug("Sync progress", "source_id", p.SourceID, "current", p.Current, "total", p.Total)
	})
	if cfg.Cache.Root != "" {
		cache, err := newCacheManager(cmd, store)
		if err != nil {
			return err
		}
		coordConfig.Cache = cache
	}
	coord, err := fivesync.NewCoordinator(store, store, coordConfig)
	if err != nil {
		return err
	}

	clientConfig := remote.DefaultConfig()
	clientConfig.PageSize = cfg.PageSize
	clientConfig.Timeout = cfg.Timeout

	var (
		mu      sync.Mutex
		failed  int
		results = make(map[int64]*fivesync.Result, len(sources))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	for _, src := range sources {
		g.Go(func() error {
			host, port := sourceHost(src.URL)
			if err := store.EnsureSource(gctx, fivesqlite.Source{ID: src.ID, Name: src.Name, Host: host, Port: port}); err != nil {
				return err
			}
			result, err := syncSource(cmd, coord, src, clientConfig)
			mu.Lock()
			defer mu.Unlock()
			results[src.ID] = result
			if err != nil {
				failed++
				logger.Error("Sync failed", "source_id", src.ID, "name", src.Name, "error", err)
				if lerr := store.AppendLog(gctx, src.ID, fivesqlite.LogTypeError, err.Error()); lerr != nil {
					logger.Warn("Failed to log sync error", "source_id", src.ID, "error", lerr)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, src := range sources {
		r := results[src.ID]
		if r == nil {
			fmt.Fprintf(out, "%-4d %-16s not started\n", src.ID, src.Name)
			continue
		}
		status := "committed"
		if !r.Committed {
			status = "aborted"
		}
		fmt.Fprintf(out, "%-4d %-16s %-9s anchor %d -> %d  created %d  updated %d  failed %d\n",
			src.ID, src.Name, status, r.LastAnchor, r.NextAnchor, r.Stats.Created, r.Stats.Updated, r.Stats.Failed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(sources))
	}
	return nil
}

func syncSource(cmd *cobra.Command, coord *fivesync.Coordinator, src config.Source, clientConfig *remote.Config) (*fivesync.Result, error) {
	token, err := tokenFor(src)
	if err != nil {
		return nil, err
	}
	c := *clientConfig
	client, err := remote.NewClient(src.URL, token, &c)
	if err != nil {
		return nil, err
	}
	client.WithLogger(logger.With("source_id", src.ID))
	return coord.Sync(cmd.Context(), src.ID, client)
}
