package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pocketledger/fieldsync/internal/broadcast"
	"github.com/pocketledger/fieldsync/internal/logging"
	"github.com/pocketledger/fieldsync/internal/server"
	serverstore "github.com/pocketledger/fieldsync/internal/server/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authoritative ingestion and broadcast server",
	Long: `Run the fieldsync backend: the ingestion API, the pull API, and the
real-time broadcast endpoint.

Routes:
  POST /entities/{kind}   batched idempotent ingestion
  GET  /entities/{kind}   pull changed records (ownerId, since)
  GET  /ws                subscribe to live changes (ownerId)
  GET  /health            liveness and subscriber count

Example usage:
  fieldsync serve                        # listen on the configured address
  fieldsync serve --listen :9000`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.ListenAddr = listen
		}

		logOpts := logging.Options{File: cfg.LogFile}

		st, err := serverstore.Open(cfg.ServerDBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		hub := broadcast.NewHub(cfg.SendBuffer, logging.New("[hub] ", logOpts))

		srv := server.New(&server.Config{
			Addr:   cfg.ListenAddr,
			Logger: logging.New("[server] ", logOpts),
		}, st, hub)

		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start server: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("fieldsync server listening on %s\n", srv.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", srv.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Server stopped")
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
