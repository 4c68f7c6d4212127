package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pocketledger/fieldsync/internal/agent"
	"github.com/pocketledger/fieldsync/internal/dispatch"
	"github.com/pocketledger/fieldsync/internal/localstore"
	"github.com/pocketledger/fieldsync/internal/logging"
	"github.com/pocketledger/fieldsync/internal/pull"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the client sync daemon",
	Long: `Run the client-side sync daemon for one owner:

  1. Pulls authoritative state on startup
  2. Drains the outbox to the backend on a timer, with retry and backoff
  3. Listens on the live channel and applies pushed changes
  4. Imports record JSON files dropped into the spool directory

The agent keeps running until interrupted. Mutations made while the
backend is unreachable stay queued in the local store and are delivered
once connectivity returns.

Example usage:
  fieldsync agent --owner emp-17
  fieldsync agent --owner emp-17 --config fieldsync.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		session := requireSession()
		logOpts := logging.Options{File: cfg.LogFile}

		store, err := localstore.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		store.CoalesceWindow = cfg.CoalesceWindow

		dispatcher := dispatch.New(store, dispatch.NewClient(cfg.ServerURL), session, &dispatch.Config{
			DrainInterval:  cfg.DrainInterval,
			BatchSize:      cfg.BatchSize,
			AttemptTimeout: cfg.AttemptTimeout,
			StuckTimeout:   cfg.StuckTimeout,
			RetryCeiling:   cfg.RetryCeiling,
			BackoffBase:    dispatch.DefaultConfig().BackoffBase,
			BackoffCap:     dispatch.DefaultConfig().BackoffCap,
			Logger:         logging.New("[dispatch] ", logOpts),
		})

		puller := pull.New(store, cfg.ServerURL, session, logging.New("[pull] ", logOpts))
		listener := pull.NewListener(store, puller, cfg.ServerURL, session, logging.New("[listen] ", logOpts))

		a, err := agent.New(store, dispatcher, puller, listener, session, &agent.Config{
			SpoolDir: cfg.SpoolDir,
			Logger:   logging.New("[agent] ", logOpts),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating agent: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("fieldsync agent running for owner=%s\n", session.OwnerID)
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Agent error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Agent stopped")
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
