package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/malekhnovich/kalshi-arb/internal/replay"
)

// LoadStrategy reads a strategy file (YAML, JSON or TOML by extension) over
// replay.DefaultConfig. Keys the file leaves out keep their defaults. An
// empty path returns the defaults.
//
//	strategy:
//	  upper_threshold: 72
//	  fair_horizon: 30m
//	window:
//	  window_size: 90
//	risk:
//	  max_open: 2
//	execution:
//	  stake: 50
//	settlement_fallback: momentum
func LoadStrategy(path string) (replay.Config, error) {
	cfg := replay.DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return replay.Config{}, fmt.Errorf("read strategy file %s: %w", path, err)
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return replay.Config{}, fmt.Errorf("decode strategy file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return replay.Config{}, err
	}

	log.Info().
		Str("file", path).
		Strs("gates", cfg.Strategy.EnabledGates()).
		Str("fallback", string(cfg.Fallback)).
		Msg("📋 Strategy loaded")
	return cfg, nil
}
