package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"relaybot/internal/bot"
	"relaybot/internal/broadcast"
	"relaybot/internal/config"
	"relaybot/internal/entitlement"
	"relaybot/internal/maintenance"
	"relaybot/internal/metrics"
	"relaybot/internal/ops"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	"relaybot/internal/transfer"
	kit "relaybot/internal/transport"
	telegram "relaybot/internal/transport/telegram/adapter"
	"relaybot/internal/transport/telegram/router"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	set  *config.Settings

	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	adapter  *telegram.Adapter
	metrics  *metrics.Metrics
	sessions *session.Manager
	logins   *session.Logins
	engine   *entitlement.Engine
	registry *transfer.Registry
	casts    *broadcast.Dispatcher
	router   *router.Router
	ops      *ops.Server

	maintMu sync.Mutex
	maint   *maintenance.Scheduler

	updates chan kit.Update
}

// NewApp loads the config and builds every component that does not need
// the runtime supervisor.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// The Telegram sink is attached once the adapter exists.
	logSvc, log := logx.New(logConfig(cfg), nil)
	appLog := log.Component("app")

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: set.PollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, log.Component("telegram"))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(func(ctx context.Context, chatID int64, threadID int, text string) error {
		_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
		return err
	})

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.Component("storage"))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver), logx.Bool("sealed", sc.SecretKey != ""))

	m := metrics.New()

	sessions := session.NewManager(session.Options{
		APIID:       cfg.MTProto.APIID,
		APIHash:     cfg.MTProto.APIHash,
		RatePerSec:  cfg.MTProto.RatePerSec,
		OpenTimeout: set.SessionOpenTimeout,
		CacheTTL:    set.SessionCacheTTL,
		Log:         log,
	})
	sessions.OnOpen(m.SessionOpened)

	engine := entitlement.New(store, entitlement.Limits{
		DailyQuota:  set.QuotaLimit,
		Window:      set.QuotaWindow,
		MaxFreeSize: set.MaxFreeSize,
	}, entitlement.WithLogger(log.Component("entitlement")))

	casts := broadcast.New(broadcast.Options{
		Store:         store,
		Sender:        ad,
		Observer:      m,
		Pace:          set.BroadcastPace,
		ProgressEvery: set.BroadcastProgressEvery,
		StatusMax:     set.BroadcastStatusMax,
		StatusTTL:     set.BroadcastStatusTTL,
	}, log)

	return &App{
		cfgm:     cfgm,
		set:      set,
		log:      appLog,
		logs:     logSvc,
		store:    store,
		adapter:  ad,
		metrics:  m,
		sessions: sessions,
		logins:   session.NewLogins(set.LoginTTL),
		engine:   engine,
		registry: transfer.NewRegistry(),
		casts:    casts,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()
	log := a.log

	a.cfgm.SetLogger(log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := c.Resolve(); err != nil {
			return err
		}
		if _, err := mapStorageConfig(c); err != nil {
			return err
		}
		if tz := strings.TrimSpace(c.Maintenance.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	orch := transfer.New(transfer.Options{
		Store:          a.store,
		Entitlements:   a.engine,
		Sessions:       transfer.FromManager(a.sessions),
		Relay:          a.adapter,
		Spawner:        a.sup,
		Observer:       a.metrics,
		Log:            log,
		DownloadsDir:   a.set.DownloadsDir,
		ItemDelay:      a.set.ItemDelay,
		StatusInterval: a.set.StatusInterval,
		UpgradeURL:     cfg.Plan.ContactURL,
	})

	b := bot.New(bot.Options{
		Store:            a.store,
		Entitlements:     a.engine,
		Relay:            a.adapter,
		Transfers:        orch,
		Registry:         a.registry,
		Broadcasts:       a.casts,
		Spawner:          a.sup,
		Logins:           a.logins,
		NewLogin:         a.sessions.NewLogin,
		MaxRange:         a.set.MaxRange,
		ProgressThrottle: a.set.ProgressThrottle,
		PlanContactURL:   cfg.Plan.ContactURL,
		PlanPriceText:    cfg.Plan.PriceText,
	}, log)

	a.router = router.New(router.Options{
		Sender:   a.adapter,
		IsOwner:  func(id int64) bool { return a.cfgm.Get().IsOwner(id) },
		Workers:  a.set.Workers,
		Timeout:  a.set.CommandTimeout,
		Observer: a.metrics,
		Spawner:  a.sup,
	}, log)
	a.router.SetCommands(b.Commands())
	a.router.SetText(b.Text)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("telegram.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	if err := a.applyMaintenance(a.sup.Context(), cfg); err != nil {
		return err
	}

	if cfg.Ops.Enabled {
		a.ops = ops.New(ops.Options{
			Addr:       cfg.Ops.Addr,
			Token:      cfg.Ops.Token,
			Pprof:      cfg.Ops.Pprof,
			Metrics:    a.metrics.Handler(),
			Stats:      a.stats,
			Supervisor: a.sup,
		}, log)
		if err := a.ops.Start(a.sup); err != nil {
			return fmt.Errorf("ops: %w", err)
		}
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	log.Info("app started",
		logx.String("bot", a.adapter.Username()),
		logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)),
		logx.Int("workers", a.set.Workers),
	)
	return nil
}

// applyMaintenance replaces the running maintenance scheduler with one
// built from cfg, or stops it when maintenance is disabled.
func (a *App) applyMaintenance(ctx context.Context, cfg *config.Config) error {
	a.maintMu.Lock()
	defer a.maintMu.Unlock()

	if a.maint != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.maint.Stop(stopCtx)
		cancel()
		a.maint = nil
	}
	if !cfg.Maintenance.Enabled {
		return nil
	}
	mc := cfg.Maintenance
	if strings.TrimSpace(mc.PremiumSweep) == "" {
		mc.PremiumSweep = "@hourly"
	}
	if strings.TrimSpace(mc.Janitor) == "" {
		mc.Janitor = "@every 30m"
	}
	stale, err := config.ParseDurationOrDefault("maintenance.stale_after", mc.StaleAfter, a.set.JanitorStaleAfter)
	if err != nil {
		return err
	}
	s := maintenance.New(maintenance.Options{
		Timezone:     mc.Timezone,
		PremiumSweep: mc.PremiumSweep,
		Janitor:      mc.Janitor,
		DownloadsDir: a.set.DownloadsDir,
		StaleAfter:   stale,
		Sweeper:      a.engine,
		InUse:        a.registry.Owns,
		Observer:     a.metrics,
	}, a.log)
	if err := s.Start(ctx); err != nil {
		return err
	}
	a.maint = s
	return nil
}

func (a *App) stats(ctx context.Context) (ops.Stats, error) {
	var (
		s   ops.Stats
		err error
	)
	if s.Users, err = a.store.Count(ctx, storage.FilterAll); err != nil {
		return s, err
	}
	if s.Premium, err = a.store.Count(ctx, storage.FilterPremium); err != nil {
		return s, err
	}
	if s.Banned, err = a.store.Count(ctx, storage.FilterBanned); err != nil {
		return s, err
	}
	s.ActiveRequests = a.registry.Len()
	s.PendingLogins = a.logins.Len()
	s.BroadcastRunning = a.casts.Running()
	return s, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}
