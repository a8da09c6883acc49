package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/afterdarksys/querycached/pkg/daemon"
)

var queryCmd = &cobra.Command{
	Use:   "query <key>",
	Short: "Print the ids of a cached listing",
	Long: `Print a cached listing by its key, recomputing it from the primary
store when it is missing or when --refetch is given.

Examples:
  querycached query links.5.hot.all
  querycached query submitted.2s.top.week --refetch
  querycached query saved.1 --format table`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

var queryRefetch bool

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().BoolVar(&queryRefetch, "refetch", false, "recompute the listing from the primary store")
}

type queryOutput struct {
	Key         string   `json:"key" yaml:"key"`
	Precomputed bool     `json:"precomputed" yaml:"precomputed"`
	IDs         []string `json:"ids" yaml:"ids"`
}

func runQuery(cmd *cobra.Command, args []string) error {
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

	q, err := app.Listings.FromKey(args[0])
	if err != nil {
		return err
	}
	if queryRefetch {
		err = q.Update(cmd.Context())
	} else {
		err = q.Fetch(cmd.Context(), false)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", q.Key(), err)
	}

	out := queryOutput{Key: q.Key(), Precomputed: q.IsPrecomputed(), IDs: q.IDs()}
	switch viper.GetString("format") {
	case "yaml", "yml":
		data, err := yaml.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "json":
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	default:
		fmt.Printf("%s (%d items)\n", out.Key, len(out.IDs))
		for i, id := range out.IDs {
			fmt.Printf("%4d. %s\n", i+1, id)
		}
	}
	return nil
}
