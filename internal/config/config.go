// Package config loads the broker's runtime configuration via viper,
// decoding into a typed struct with mapstructure the same way the
// teacher's services load theirs.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the broker process's full runtime configuration.
type Config struct {
	// HTTPAddr is the address the HTTP/JSON transport listens on.
	HTTPAddr string `mapstructure:"http_addr"`

	// DataDir is where the Badger store is opened. Empty means
	// in-memory (development/tests only).
	DataDir string `mapstructure:"data_dir"`

	// RequestDeadline is loaded and decoded but not passed to the broker:
	// internal/broker.Broker.Request gives every suspended request
	// continuation.DefaultDeadline (200s, the same as this field's
	// default), whatever value is configured here.
	RequestDeadline time.Duration `mapstructure:"request_deadline"`

	// SweepInterval is how often the deadline sweeper scans for expired
	// suspensions.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// LogLevel is a zerolog level name ("debug", "info", "warn", "error").
	LogLevel string `mapstructure:"log_level"`

	// LogPretty enables console-formatted (non-JSON) logging.
	LogPretty bool `mapstructure:"log_pretty"`

	// EnableGossip turns on the libp2p-pubsub event bus. Disabled by
	// default since a single-instance deployment has nobody to gossip
	// to.
	EnableGossip bool `mapstructure:"enable_gossip"`

	// MetricsAddr is loaded and decoded but nothing listens on it:
	// cmd/broker records the broker's OTel instruments on an in-process
	// meter provider with no exporter and serves no metrics endpoint.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Defaults returns the configuration a freshly initialized broker runs
// with if the environment and config file supply nothing.
func Defaults() Config {
	return Config{
		HTTPAddr:        ":8080",
		DataDir:         "",
		RequestDeadline: 200 * time.Second,
		SweepInterval:   5 * time.Second,
		LogLevel:        "info",
		LogPretty:       false,
		EnableGossip:    false,
		MetricsAddr:     "",
	}
}

// Load reads configFile (if non-empty) plus ORACLEBROKER_-prefixed
// environment variables into a Config seeded with Defaults.
func Load(configFile string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("oraclebroker")
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var loaded Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		// Environment overrides arrive as strings ("true", "30s"), so
		// string-to-bool and similar conversions must be allowed.
		WeaklyTypedInput: true,
		Result:           &loaded,
	})
	if err != nil {
		return Config{}, fmt.Errorf("build config decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return loaded, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("request_deadline", cfg.RequestDeadline)
	v.SetDefault("sweep_interval", cfg.SweepInterval)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_pretty", cfg.LogPretty)
	v.SetDefault("enable_gossip", cfg.EnableGossip)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
}
