package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// settings are the CLI's own knobs. Chain, frontend and Solana settings come
// from the service environment through config.LoadConfig.
type settings struct {
	APIURL   string
	Timeout  time.Duration
	LogLevel string
	Format   string
	Params   string
}

// loadSettings merges an optional config file, NTTCTL_* environment
// variables and flags, flags winning.
func loadSettings(cfgFile string, flags *pflag.FlagSet) (settings, error) {
	v := viper.New()
	v.SetEnvPrefix("NTTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("api", "http://localhost:3000")
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("log-level", "info")
	v.SetDefault("format", "json")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return settings{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return settings{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("nttctl")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return settings{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return settings{
		APIURL:   strings.TrimRight(v.GetString("api"), "/"),
		Timeout:  v.GetDuration("timeout"),
		LogLevel: v.GetString("log-level"),
		Format:   v.GetString("format"),
		Params:   v.GetString("params"),
	}, nil
}
