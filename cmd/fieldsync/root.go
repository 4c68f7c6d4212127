package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pocketledger/fieldsync/internal/config"
)

var (
	flagConfig string
	flagOwner  string
	flagDevice string
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first record synchronization for field data",
	Long: `fieldsync keeps field records (mileage, receipts, time entries,
expense approvals) captured on disconnected clients consistent with a
shared backend, and pushes accepted changes to live observers.

Client commands (agent, sync, add, list, status) operate on the local
store and outbox; serve runs the authoritative backend.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&flagOwner, "owner", "", "Owner id this client syncs for")
	rootCmd.PersistentFlags().StringVar(&flagDevice, "device", "", "Device id of this client")
}

// loadConfig reads the config file named by --config (or defaults).
func loadConfig() *config.Config {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// requireSession builds the session from --owner/--device, with the
// FIELDSYNC_OWNER and FIELDSYNC_DEVICE environment variables as fallback.
func requireSession() config.Session {
	owner := flagOwner
	if owner == "" {
		owner = os.Getenv("FIELDSYNC_OWNER")
	}
	device := flagDevice
	if device == "" {
		device = os.Getenv("FIELDSYNC_DEVICE")
	}
	if device == "" {
		if host, err := os.Hostname(); err == nil {
			device = host
		}
	}

	session := config.Session{OwnerID: owner, DeviceID: device}
	if err := session.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (use --owner/--device)\n", err)
		os.Exit(1)
	}
	return session
}
