package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/afterdarksys/querycached/pkg/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon [start|stop|status|restart]",
	Short: "Manage the background daemon service",
	Long: `Control the querycached background service.

The daemon sweeps recently active subreddits and accounts to refresh
their precomputed listings, cleans expired cache rows and serves the
admin API (health, metrics, cache stats and listing lookups).

Examples:
  querycached daemon start            # Start daemon
  querycached daemon stop             # Stop daemon
  querycached daemon status           # Check daemon status
  querycached daemon restart          # Restart daemon`,
	Args: cobra.ExactArgs(1),
	RunE: runDaemon,
}

var (
	daemonPort int
	daemonHost string
)

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().IntVarP(&daemonPort, "port", "p", 0, "daemon listen port (default from config)")
	daemonCmd.Flags().StringVar(&daemonHost, "host", "", "daemon listen host (default from config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	action := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	d := daemon.New(cfg, daemonHost, daemonPort, logger)

	switch action {
	case "start":
		fmt.Println("Starting querycached daemon...")
		return d.Start()
	case "stop":
		fmt.Println("Stopping querycached daemon...")
		return d.Stop()
	case "status":
		return d.Status()
	case "restart":
		fmt.Println("Restarting querycached daemon...")
		if err := d.Stop(); err != nil {
			fmt.Printf("Warning: failed to stop daemon: %v\n", err)
		}
		return d.Start()
	default:
		return fmt.Errorf("unknown action: %s (use: start, stop, status, restart)", action)
	}
}
