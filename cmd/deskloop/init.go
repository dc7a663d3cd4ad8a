package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/metalagman/deskloop/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a deskloop workspace",
		Long:  "Initialize a deskloop workspace by creating the .deskloop directory and installing a default config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repoRoot, deskloopDir, err := workDir()
			if err != nil {
				return err
			}
			log.Info().Str("dir", deskloopDir).Msg("created deskloop directory")
			if err := os.MkdirAll(filepath.Join(deskloopDir, "locks"), 0o755); err != nil {
				return fmt.Errorf("create locks dir: %w", err)
			}

			configPath := resolveConfigPath(repoRoot, defaultConfigPath)
			if err := writeDefaultConfig(configPath, force); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deskloop initialized successfully")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		log.Info().Str("path", path).Msg("config.json already exists, skipping")
		return nil
	}
	log.Info().Str("path", path).Msg("installing default config")
	data, err := json.MarshalIndent(config.Default().Settings(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
