package storage

import (
	"fmt"
	"strings"

	"relaybot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  Store
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres":
		st, err = openPostgres(cfg, log)
	case "redis":
		st, err = openRedis(cfg, log)
	case "memory":
		st = NewMemory()
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.SecretKey) != "" {
		sealed, err := Seal(st, cfg.SecretKey)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st = sealed
	}
	return st, nil
}
