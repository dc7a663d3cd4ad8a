package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Load reads the config file configured on v, validates the raw settings
// against the schema and decodes them over Default.
func Load(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := ValidateSettings(v.AllSettings()); err != nil {
		return Config{}, err
	}
	cfg := Default()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	// replace default slices instead of overwriting them element-wise
	zero := func(dc *mapstructure.DecoderConfig) { dc.ZeroFields = true }
	if err := v.Unmarshal(&cfg, hook, zero); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
