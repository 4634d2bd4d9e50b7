package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"relaybot/pkg/logx"
)

type userModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement:false"`
	Name          string `gorm:"not null;default:''"`
	Session       *string
	IsPremium     bool `gorm:"not null;default:false;index"`
	PremiumExpiry *time.Time
	IsBanned      bool `gorm:"not null;default:false;index"`
	DailyUsage    int  `gorm:"not null;default:0"`
	UsageReset    *time.Time
	DumpChat      *int64
	Caption       *string
	Thumbnail     *string
	DeleteWords   string `gorm:"not null;default:''"`
	ReplaceWords  string `gorm:"not null;default:''"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (userModel) TableName() string { return "relay_users" }

func (m *userModel) toUser() User {
	return User{
		ID:            m.ID,
		Name:          m.Name,
		Session:       m.Session,
		Premium:       m.IsPremium,
		PremiumExpiry: m.PremiumExpiry,
		Banned:        m.IsBanned,
		DailyUsage:    m.DailyUsage,
		UsageReset:    m.UsageReset,
		DumpChat:      m.DumpChat,
		Caption:       m.Caption,
		Thumbnail:     m.Thumbnail,
		DeleteWords:   decodeWords(m.DeleteWords),
		ReplaceWords:  decodeReplace(m.ReplaceWords),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

type auditModel struct {
	ID       uint      `gorm:"primaryKey"`
	At       time.Time `gorm:"index"`
	ActorID  int64
	Action   string
	TargetID int64
	Detail   string
}

func (auditModel) TableName() string { return "relay_audit" }

type postgresStore struct {
	db *gorm.DB
}

// gormWriter routes gorm's slow-query and error lines into logx.
type gormWriter struct{ log logx.Logger }

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	glog := gormlogger.New(gormWriter{log: log.With(logx.String("sub", "gorm"))}, gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: glog})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&userModel{}, &auditModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	log.Info("postgres store opened")
	return &postgresStore{db: db}, nil
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *postgresStore) EnsureUser(ctx context.Context, id int64, name string) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&userModel{ID: id, Name: name})
	return res.RowsAffected > 0, res.Error
}

func (s *postgresStore) UserExists(ctx context.Context, id int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&userModel{}).Where("id = ?", id).Count(&n).Error
	return n > 0, err
}

func (s *postgresStore) GetUser(ctx context.Context, id int64) (*User, error) {
	var m userModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u := m.toUser()
	return &u, nil
}

func (s *postgresStore) set(ctx context.Context, id int64, cols map[string]any) error {
	cols["updated_at"] = time.Now()
	res := s.db.WithContext(ctx).Model(&userModel{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) SetSession(ctx context.Context, id int64, credential *string) error {
	return s.set(ctx, id, map[string]any{"session": credential})
}

func (s *postgresStore) SetCaption(ctx context.Context, id int64, caption *string) error {
	return s.set(ctx, id, map[string]any{"caption": caption})
}

func (s *postgresStore) SetThumbnail(ctx context.Context, id int64, fileID *string) error {
	return s.set(ctx, id, map[string]any{"thumbnail": fileID})
}

func (s *postgresStore) SetPremium(ctx context.Context, id int64, premium bool, expiry *time.Time) error {
	return s.set(ctx, id, map[string]any{"is_premium": premium, "premium_expiry": expiry})
}

func (s *postgresStore) SetBanned(ctx context.Context, id int64, banned bool) error {
	return s.set(ctx, id, map[string]any{"is_banned": banned})
}

func (s *postgresStore) SetDumpChat(ctx context.Context, id int64, chatID *int64) error {
	return s.set(ctx, id, map[string]any{"dump_chat": chatID})
}

func (s *postgresStore) SetUsage(ctx context.Context, id int64, usage int, reset *time.Time) error {
	return s.set(ctx, id, map[string]any{"daily_usage": usage, "usage_reset": reset})
}

func (s *postgresStore) SetDeleteWords(ctx context.Context, id int64, words []string) error {
	return s.set(ctx, id, map[string]any{"delete_words": encodeWords(words)})
}

func (s *postgresStore) SetReplaceWords(ctx context.Context, id int64, words map[string]string) error {
	return s.set(ctx, id, map[string]any{"replace_words": encodeReplace(words)})
}

func filterScope(f Filter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		switch f {
		case FilterPremium:
			return db.Where("is_premium = ?", true)
		case FilterBanned:
			return db.Where("is_banned = ?", true)
		default:
			return db
		}
	}
}

func (s *postgresStore) Count(ctx context.Context, f Filter) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&userModel{}).Scopes(filterScope(f)).Count(&n).Error
	return int(n), err
}

func (s *postgresStore) Iterate(ctx context.Context, f Filter, fn func(User) error) error {
	var after int64 = -1 << 63
	for {
		var page []userModel
		err := s.db.WithContext(ctx).Scopes(filterScope(f)).
			Where("id > ?", after).Order("id").Limit(pageSize).Find(&page).Error
		if err != nil {
			return err
		}
		for i := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(page[i].toUser()); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (s *postgresStore) DeleteUser(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&userModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.db.WithContext(ctx).Create(&auditModel{
		At:       e.At,
		ActorID:  e.ActorID,
		Action:   e.Action,
		TargetID: e.TargetID,
		Detail:   e.Detail,
	}).Error
}
