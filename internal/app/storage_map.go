package app

import (
	"fmt"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	out := storage.Config{
		Driver:        driver,
		Path:          strings.TrimSpace(sc.Path),
		DSN:           strings.TrimSpace(sc.DSN),
		RedisAddr:     strings.TrimSpace(sc.RedisAddr),
		RedisPassword: sc.RedisPassword,
		RedisDB:       sc.RedisDB,
		KeyPrefix:     strings.TrimSpace(sc.KeyPrefix),
		SecretKey:     strings.TrimSpace(sc.SecretKey),
	}
	switch driver {
	case "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = "./data/relaybot.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	case "redis":
		if out.RedisAddr == "" {
			out.RedisAddr = "127.0.0.1:6379"
		}
		if out.KeyPrefix == "" {
			out.KeyPrefix = "relaybot:"
		}
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}
