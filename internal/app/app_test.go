package app

import (
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"relaybot/internal/config"
	"relaybot/internal/storage"
)

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &config.Config{}
	oldCfg.Telegram.Token = "a"
	oldCfg.Telegram.OwnerUserIDs = []int64{1}

	newCfg := *oldCfg
	newCfg.Telegram.OwnerUserIDs = []int64{1, 2}
	newCfg.Logging.Level = "debug"
	newCfg.Storage.Driver = "redis"

	sections, _ := summarizeConfigChange(oldCfg, &newCfg)
	if diff := cmp.Diff([]string{"logging", "owners", "storage"}, sections); diff != "" {
		t.Fatalf("sections (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"storage"}, restartRequired(sections)); diff != "" {
		t.Fatalf("restart required (-want +got):\n%s", diff)
	}

	newCfg.Telegram.Token = "b"
	sections, _ = summarizeConfigChange(oldCfg, &newCfg)
	if !slices.Contains(sections, "telegram") {
		t.Fatalf("token change not detected: %v", sections)
	}

	if s, _ := summarizeConfigChange(oldCfg, oldCfg); len(s) != 0 {
		t.Fatalf("identical configs reported %v", s)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		want    storage.Config
		wantErr bool
	}{
		{
			name: "default sqlite",
			want: storage.Config{Driver: "sqlite", Path: "./data/relaybot.db", BusyTimeout: time.Second},
		},
		{
			name: "redis defaults",
			in:   config.StorageConfig{Driver: "Redis", RedisDB: 2},
			want: storage.Config{Driver: "redis", RedisAddr: "127.0.0.1:6379", RedisDB: 2, KeyPrefix: "relaybot:"},
		},
		{
			name:    "postgres needs dsn",
			in:      config.StorageConfig{Driver: "postgres"},
			wantErr: true,
		},
		{
			name:    "bad busy timeout",
			in:      config.StorageConfig{Driver: "sqlite", BusyTimeout: "soon"},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			in:      config.StorageConfig{Driver: "mongo"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Fatalf("config (-want +got):\n%s", diff)
				}
			}
		})
	}
}
