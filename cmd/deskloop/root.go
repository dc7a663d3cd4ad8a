package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/metalagman/deskloop/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const deskloopDirName = ".deskloop"

var defaultConfigPath = filepath.Join(deskloopDirName, "config.json")

type rootFlags struct {
	cfgFile string
	envFile string
	debug   bool
	logJSON bool
	logFile string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:           "deskloop",
		Short:         "deskloop drives a screen-operating agent turn by turn",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", flags.envFile, err)
			}
			logging.Init(logging.Options{Debug: flags.debug, JSON: flags.logJSON, File: flags.logFile})
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&flags.cfgFile, "config", defaultConfigPath, "config file path")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before config resolution")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "write logs as JSON lines")
	cmd.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "also write JSON logs to this rotating file")
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	cmd.AddCommand(runCmd())
	cmd.AddCommand(sessionsCmd())
	cmd.AddCommand(initCmd())
	cmd.AddCommand(serveCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
