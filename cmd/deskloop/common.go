package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/metalagman/deskloop/internal/config"
	"github.com/metalagman/deskloop/internal/db"
	"github.com/metalagman/deskloop/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func workDir() (string, string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(root, deskloopDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	return root, dir, nil
}

func openStore(deskloopDir string) (*session.SQLStore, func(), error) {
	storeDB, err := db.Open(filepath.Join(deskloopDir, "deskloop.db"))
	if err != nil {
		return nil, func() {}, err
	}
	return session.NewSQLStore(storeDB), func() { _ = storeDB.Close() }, nil
}

func resolveConfigPath(root, path string) string {
	if path == "" {
		path = defaultConfigPath
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	return path
}

// loadConfig reads the configured file. A missing file at the default
// location yields the defaults.
func loadConfig(root string) (config.Config, error) {
	requested := viper.GetString("config")
	path := resolveConfigPath(root, requested)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && (requested == "" || requested == defaultConfigPath) {
		log.Debug().Str("path", path).Msg("no config file, using defaults")
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	return config.Load(v)
}
