// Package app holds the mailbridge command tree.
package app

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailbridge/internal/config"
	"github.com/Martian-dev/mailbridge/internal/logging"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	cfgFile string
	envFile string

	v   = viper.New()
	cfg *config.Config
	log *zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "mailbridge",
	Short:        "Cross-provider email thread continuity",
	Long:         "mailbridge ingests Gmail and Outlook mail without duplicates and replies through whichever provider keeps the conversation threaded.",
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
		config.Prepare(v, cfgFile)
		c, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = c
		log = logging.New(cfg.Log.Level, cfg.Log.Format)
		if used := v.ConfigFileUsed(); used != "" {
			log.Debug().Str("file", used).Msg("using config file")
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.mailbridge/config.yaml)")
	flags.StringVar(&envFile, "env-file", ".env", "file with MAILBRIDGE_* secrets, ignored when missing")
	flags.String("log.level", "", "log level: debug, info, warn, error")
	flags.String("log.format", "", "log format: console or json")
	flags.String("database.driver", "", "database driver: sqlite, sqlite3 or postgres")
	flags.String("database.path", "", "SQLite database path")
	flags.String("database.url", "", "PostgreSQL connection URL")

	for _, name := range []string{"log.level", "log.format", "database.driver", "database.path", "database.url"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
