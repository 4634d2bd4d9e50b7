package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("5s", "24h"). Secrets may be left empty here and supplied
// through the environment, see env.go.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	MTProto     MTProtoConfig     `json:"mtproto"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Limits      LimitsConfig      `json:"limits"`
	Relay       RelayConfig       `json:"relay"`
	Session     SessionConfig     `json:"session"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Ops         OpsConfig         `json:"ops"`
	Plan        PlanConfig        `json:"plan"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// APIURL points the bot at a self-hosted Bot API server, which lifts the
	// 50 MB upload ceiling of api.telegram.org.
	APIURL         string `json:"api_url,omitempty"`
	PollTimeout    string `json:"poll_timeout"`
	Workers        int    `json:"workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
}

// MTProtoConfig holds the application credentials used by delegated user sessions.
type MTProtoConfig struct {
	APIID      int    `json:"api_id"`
	APIHash    string `json:"api_hash"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	JSON     bool            `json:"json,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the user record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/relaybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`

	// SecretKey (hex, 32 bytes) enables at-rest encryption of session credentials.
	SecretKey string `json:"secret_key,omitempty"`
}

type LimitsConfig struct {
	DailyQuota  int    `json:"daily_quota"`
	Window      string `json:"window"`
	MaxFreeSize int64  `json:"max_free_size"`
	MaxRange    int    `json:"max_range"`
}

type RelayConfig struct {
	DownloadsDir     string `json:"downloads_dir"`
	ItemDelay        string `json:"item_delay"`
	StatusInterval   string `json:"status_interval"`
	ProgressThrottle string `json:"progress_throttle"`
}

type SessionConfig struct {
	OpenTimeout string `json:"open_timeout"`
	// CacheTTL keeps opened sessions around for reuse. "0s" scopes each
	// session to a single relay request.
	CacheTTL string `json:"cache_ttl"`
	LoginTTL string `json:"login_ttl"`
}

type BroadcastConfig struct {
	Pace          string `json:"pace"`
	ProgressEvery int    `json:"progress_every"`
	StatusMax     int    `json:"status_max,omitempty"`
	StatusTTL     string `json:"status_ttl,omitempty"`
}

type MaintenanceConfig struct {
	Enabled      bool   `json:"enabled"`
	Timezone     string `json:"timezone,omitempty"`
	PremiumSweep string `json:"premium_sweep"`
	Janitor      string `json:"janitor"`
	StaleAfter   string `json:"stale_after"`
}

type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token is required for non-loopback addresses.
	Token string `json:"token,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
}

// PlanConfig feeds the /plan text.
type PlanConfig struct {
	ContactURL string `json:"contact_url,omitempty"`
	PriceText  string `json:"price_text,omitempty"`
}
