package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketledger/fieldsync/internal/localstore"
	"github.com/pocketledger/fieldsync/internal/wire"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox and sync cursor status",
	Long: `Display the state of the local sync engine:

  - Queued, in-flight, and permanently failed operations
  - The reconciliation cursor (last successful pull)
  - Details of failed operations awaiting correction`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		store, err := localstore.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stats, err := store.OutboxStats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading outbox: %v\n", err)
			os.Exit(1)
		}

		cursor, err := store.Cursor(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading cursor: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Outbox:\n")
		fmt.Printf("   Pending:   %d\n", stats.Pending)
		fmt.Printf("   In flight: %d\n", stats.InFlight)
		fmt.Printf("   Failed:    %d\n", stats.Failed)
		if cursor.IsZero() {
			fmt.Printf("Cursor: never pulled\n")
		} else {
			fmt.Printf("Cursor: %s\n", cursor.Format(wire.SinceFormat))
		}

		if stats.Failed > 0 {
			failed, err := store.FailedOps(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading failed operations: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("\nFailed operations (fieldsync retry <op-id> to resubmit):\n")
			for _, op := range failed {
				fmt.Printf("   %s  %s %s/%s  attempts=%d\n      %s\n",
					op.OpID, op.Action, op.Kind, op.EntityID, op.AttemptCount, op.FailReason)
			}
		}
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <op-id>",
	Short: "Resubmit a permanently failed operation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		store, err := localstore.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := store.RetryFailed(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Operation %s back in the queue\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
}
