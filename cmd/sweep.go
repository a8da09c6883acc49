package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/afterdarksys/querycached/pkg/daemon"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recompute the precomputed listings of active subjects once",
	Long: `Run a single precompute pass: every subreddit and account active
within the configured window gets its windowed top and controversial
listings recomputed, unless they were recomputed within the interval.

Example:
  querycached sweep`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	app, err := daemon.NewApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Sweeper.Sweep(cmd.Context())
	fmt.Printf("Ran: %d, Skipped: %d, Failed: %d\n", report.Ran, report.Skipped, report.Failed)
	return err
}
