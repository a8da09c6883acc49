package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/afterdarksys/querycached/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config [show|set|init]",
	Short: "Manage configuration",
	Long: `View and modify querycached configuration.

Configuration is stored in ~/.querycached/config.yml

Examples:
  querycached config show                             # Display current config
  querycached config set cache.redis_addr :6379       # Add a redis tier
  querycached config set precompute.interval 3600     # Recompute hourly
  querycached config init                             # Initialize default config`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	action := args[0]

	switch action {
	case "show":
		return showConfig()
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("usage: querycached config set <key> <value>")
		}
		return setConfig(args[1], args[2])
	case "init":
		return initConfigFile()
	default:
		return fmt.Errorf("unknown action: %s (use: show, set, init)", action)
	}
}

func showConfig() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	format := viper.GetString("format")

	switch format {
	case "yaml", "yml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "json":
		data, err := cfg.ToJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	default:
		fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("Memory Tier: %d entries, %d seconds\n", cfg.Cache.MemorySize, cfg.Cache.MemoryTTL)
		if cfg.Cache.RedisAddr != "" {
			fmt.Printf("Redis Tier: %s (db %d)\n", cfg.Cache.RedisAddr, cfg.Cache.RedisDB)
		}
		fmt.Printf("Cache Backend: %s\n", cfg.Cache.Backend)
		if cfg.Cache.Backend == "sqlite" {
			fmt.Printf("Cache Path: %s\n", cfg.Cache.Path)
		}
		fmt.Printf("Store Backend: %s\n", cfg.Store.Backend)
		fmt.Printf("Max Cached Items: %d\n", cfg.Query.MaxCachedItems)
		fmt.Printf("Precompute Interval: %d seconds\n", cfg.Precompute.Interval)
		fmt.Printf("Sweep Interval: %d seconds\n", cfg.Precompute.SweepInterval)
		fmt.Printf("Log: %s (%s)\n", cfg.Log.Level, cfg.Log.Format)
	}

	return nil
}

func setConfig(key, value string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Set(key, value); err != nil {
		return fmt.Errorf("failed to set config: %w", err)
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("✅ Set %s = %s\n", key, value)
	return nil
}

func initConfigFile() error {
	cfg := config.Default()

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	fmt.Printf("✅ Created default configuration at %s\n", config.ConfigPath())
	return nil
}
