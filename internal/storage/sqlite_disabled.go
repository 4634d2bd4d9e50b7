//go:build nosqlite

package storage

import (
	"errors"

	"relaybot/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_, _ = cfg, log
	return nil, errors.New("sqlite storage not built: rebuild without -tags nosqlite")
}
