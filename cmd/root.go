package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/config"
	"github.com/afterdarksys/querycached/pkg/logging"
)

var (
	cfgFile   string
	Version   string
	Commit    string
	BuildDate string
)

var rootCmd = &cobra.Command{
	Use:   "querycached",
	Short: "Cached listing queries for a link aggregator",
	Long: `querycached keeps sorted listings (a subreddit's hot links, a user's
saved items, an inbox) precomputed in a tiered cache, so pages read a
single row instead of querying the primary store.

Tiers:
  - In-process memory
  - Redis (optional)
  - SQLite or PostgreSQL (authoritative)

Example usage:
  querycached daemon start               # Start the sweep and admin API
  querycached query links.5.hot.all      # Print a cached listing
  querycached sweep                      # Run one precompute pass
  querycached config show                # Display configuration`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.querycached/config.yml)")
	rootCmd.PersistentFlags().String("format", "json", "output format: json, yaml, table")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	viper.BindPFlag("format", rootCmd.PersistentFlags().Lookup("format"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home + "/.querycached")
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("QUERYCACHED")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("debug") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadConfig reads the --config file, or the default locations, and
// fills in defaults.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log, viper.GetBool("debug"))
}
