package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/warp/hris-approvals/config"
	"github.com/warp/hris-approvals/logging"
)

var (
	configFile string
	loader     = config.NewLoader()
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "hris-approvals",
	Short:        "HR approval workflow engine",
	Version:      version + " (" + commit + ")",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader.SetConfigFile(configFile)
		loaded, err := loader.Load()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cfg = loaded

		logging.Init(logging.Config{
			Level:        cfg.Logging.Level,
			Format:       cfg.Logging.Format,
			EnableCaller: cfg.Logging.EnableCaller,
		})
		if used := loader.ConfigFileUsed(); used != "" {
			cliLog := logging.Component("cli")
			cliLog.Debug().Str("config_file", used).Msg("loaded config file")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is ./config.yaml or $HOME/.config/hris-approvals/config.yaml)")
	flags.String("log-level", "", "override logging level (debug, info, warn, error)")
	flags.String("log-format", "", "override logging format (json, console)")
	flags.String("db-driver", "", "storage driver (memory, sqlite, postgres)")
	flags.String("db-path", "", "SQLite database path, \":memory:\" for in-memory")
	flags.String("db-dsn", "", "PostgreSQL connection string")

	bindFlags(flags, map[string]string{
		"logging.level":   "log-level",
		"logging.format":  "log-format",
		"database.driver": "db-driver",
		"database.path":   "db-path",
		"database.dsn":    "db-dsn",
	})
}

// bindFlags ties config keys to flags; an unset flag leaves the lower
// layers in charge.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := loader.Viper().BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}
