package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// secrets are read from the environment and override the file values.
// They never need to live in the config file.
type secrets struct {
	Token         string  `env:"RELAYBOT_TOKEN"`
	Owners        []int64 `env:"RELAYBOT_OWNERS" envSeparator:","`
	APIID         int     `env:"RELAYBOT_API_ID"`
	APIHash       string  `env:"RELAYBOT_API_HASH"`
	StorageDSN    string  `env:"RELAYBOT_STORAGE_DSN"`
	RedisPassword string  `env:"RELAYBOT_REDIS_PASSWORD"`
	SecretKey     string  `env:"RELAYBOT_SECRET_KEY"`
	OpsToken      string  `env:"RELAYBOT_OPS_TOKEN"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if s.Token != "" {
		cfg.Telegram.Token = s.Token
	}
	if len(s.Owners) > 0 {
		cfg.Telegram.OwnerUserIDs = s.Owners
	}
	if s.APIID != 0 {
		cfg.MTProto.APIID = s.APIID
	}
	if s.APIHash != "" {
		cfg.MTProto.APIHash = s.APIHash
	}
	if s.StorageDSN != "" {
		cfg.Storage.DSN = s.StorageDSN
	}
	if s.RedisPassword != "" {
		cfg.Storage.RedisPassword = s.RedisPassword
	}
	if s.SecretKey != "" {
		cfg.Storage.SecretKey = s.SecretKey
	}
	if s.OpsToken != "" {
		cfg.Ops.Token = s.OpsToken
	}
	return nil
}
