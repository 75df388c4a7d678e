// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fivesync/fivesqlite"
)

var sourcesCmd = &cobra.Command{
	Use:     "sources",
	GroupID: "library",
	Short:   "List known sources with their anchor and last error",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		sources, err := store.Sources(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range sources {
			synced := "never"
			if s.Revision > 0 {
				synced = humanize.Time(time.Unix(s.Revision, 0))
			}
			fmt.Fprintf(out, "%-4d %-16s %s:%d  synced %s\n", s.ID, s.Name, s.Host, s.Port, synced)
			if s.LastError != "" {
				fmt.Fprintf(out, "     last error: %s\n", s.LastError)
			}
		}
		return nil
	},
}

var sourcesLogCmd = &cobra.Command{
	Use:   "log <source-id>",
	Short: "Show the newest log entries of a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid source id %q", args[0])
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		entries, err := store.SourceLog(cmd.Context(), sourceID, limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			kind := "info"
			if e.Type == fivesqlite.LogTypeError {
				kind = "error"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %-5s %s\n", time.Unix(e.Timestamp, 0).Format(time.RFC3339), kind, e.Message)
		}
		return nil
	},
}

var anchorCmd = &cobra.Command{
	Use:     "anchor <source-id>",
	GroupID: "library",
	Short:   "Print the committed anchor of a source",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid source id %q", args[0])
		}
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		anchor, err := store.Anchor(cmd.Context(), sourceID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), anchor)
		return nil
	},
}

func init() {
	sourcesLogCmd.Flags().Int("limit", 20, "Number of entries to show")
	sourcesCmd.AddCommand(sourcesLogCmd)
	rootCmd.AddCommand(sourcesCmd, anchorCmd)
}
