// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fivesync/contentcache"
	"github.com/mobiletoly/go-fivesync/fivesqlite"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "library",
	Short:   "Manage the song content cache",
}

var cacheRequestCmd = &cobra.Command{
	Use:   "request <source-id> <content-id>",
	Short: "Allocate a cache path for a content item, evicting old items if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, args, func(m *contentcache.Manager, sourceID int64, contentID string) error {
			path, err := m.RequestStorage(cmd.Context(), sourceID, contentID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		})
	},
}

var cacheCommitCmd = &cobra.Command{
	Use:   "commit <source-id> <content-id>",
	Short: "Mark a cache allocation as written",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, args, func(m *contentcache.Manager, sourceID int64, contentID string) error {
			return m.CommitStorage(cmd.Context(), sourceID, contentID)
		})
	},
}

var cacheStateCmd = &cobra.Command{
	Use:   "state <source-id> <content-id>",
	Short: "Show the cache state of a content item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, args, func(m *contentcache.Manager, sourceID int64, contentID string) error {
			state, err := m.State(cmd.Context(), sourceID, contentID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		})
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached items, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		items, err := store.MaterializedContent(cmd.Context())
		if err != nil {
			return err
		}
		var total int64
		out := cmd.OutOrStdout()
		for _, d := range items {
			total += d.Size
			fmt.Fprintf(out, "%-4d %-24s %10s  %s  %s\n",
				d.SourceID, d.ContentID, humanize.Bytes(uint64(d.Size)), humanize.Time(d.CachedAt), d.CachedPath)
		}
		fmt.Fprintf(out, "%d items, %s declared\n", len(items), humanize.Bytes(uint64(total)))

		free, err := contentcache.NewDiskVolume(cfg.Cache.Root).AvailableBytes()
		if err == nil {
			fmt.Fprintf(out, "%s free on %s\n", humanize.Bytes(uint64(free)), cfg.Cache.Root)
		}
		return nil
	},
}

func init() {
	cacheCmd.PersistentFlags().String("root", "", "Cache directory on the storage volume")
	cacheCmd.PersistentFlags().String("retention-floor", "", "Free space to keep on the volume, e.g. 100MB")
	mustBind(v, "cache.root", cacheCmd.PersistentFlags().Lookup("root"))
	cacheCmd.AddCommand(cacheRequestCmd, cacheCommitCmd, cacheStateCmd, cacheListCmd)
	rootCmd.AddCommand(cacheCmd)
}

func parseContentArgs(args []string) (int64, string, error) {
	sourceID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid source id %q", args[0])
	}
	return sourceID, args[1], nil
}

func withCache(cmd *cobra.Command, args []string, fn func(m *contentcache.Manager, sourceID int64, contentID string) error) error {
	sourceID, contentID, err := parseContentArgs(args)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	m, err := newCacheManager(cmd, store)
	if err != nil {
		return err
	}
	return fn(m, sourceID, contentID)
}

func newCacheManager(cmd *cobra.Command, store *fivesqlite.Store) (*contentcache.Manager, error) {
	config := contentcache.DefaultConfig()
	config.Logger = logger
	if floor, _ := cmd.Flags().GetString("retention-floor"); floor != "" {
		n, err := humanize.ParseBytes(floor)
		if err != nil {
			return nil, fmt.Errorf("invalid retention floor %q: %w", floor, err)
		}
		config.RetentionFloor = int64(n)
	}
	return contentcache.NewManager(store, contentcache.NewDiskVolume(cfg.Cache.Root), config)
}
