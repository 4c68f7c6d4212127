package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketledger/fieldsync/internal/dispatch"
	"github.com/pocketledger/fieldsync/internal/localstore"
	"github.com/pocketledger/fieldsync/internal/pull"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync now: drain the outbox and pull authoritative state",
	Long: `Perform one manual sync cycle:

  1. Drain queued mutations to the backend
  2. Pull records changed since the last reconciliation
  3. Advance the sync cursor

Example usage:
  fieldsync sync --owner emp-17`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		session := requireSession()

		store, err := localstore.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		store.CoalesceWindow = cfg.CoalesceWindow

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		dispatcher := dispatch.New(store, dispatch.NewClient(cfg.ServerURL), session, &dispatch.Config{
			DrainInterval:  cfg.DrainInterval,
			BatchSize:      cfg.BatchSize,
			AttemptTimeout: cfg.AttemptTimeout,
			StuckTimeout:   cfg.StuckTimeout,
			RetryCeiling:   cfg.RetryCeiling,
			BackoffBase:    dispatch.DefaultConfig().BackoffBase,
			BackoffCap:     dispatch.DefaultConfig().BackoffCap,
		})

		start := time.Now()
		res, err := dispatcher.DrainOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error draining outbox: %v\n", err)
			os.Exit(1)
		}

		puller := pull.New(store, cfg.ServerURL, session, nil)
		pr, err := puller.Pull(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error pulling: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pushed: %d succeeded, %d failed, %d retriable\n",
			res.Succeeded, res.Failed, res.Retriable)
		fmt.Printf("   Pulled: %d fetched, %d applied\n", pr.Fetched, pr.Applied)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
