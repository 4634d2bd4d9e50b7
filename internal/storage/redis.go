package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relaybot/pkg/logx"
)

// redisStore keeps one hash per user plus an id index (sorted set) and
// membership sets for the premium and banned filters.
//
//	<prefix>user:<id>   hash of user fields
//	<prefix>users       zset, score = id
//	<prefix>premium     set of ids
//	<prefix>banned      set of ids
//	<prefix>audit       list of JSON audit entries (newest first)
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

const auditMaxLen = 10000

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("redis_addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relaybot:"
	}
	log.Info("redis store opened", logx.String("addr", addr), logx.String("prefix", prefix))
	return NewRedis(rdb, prefix, log), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, prefix string, log logx.Logger) Store {
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) userKey(id int64) string { return s.prefix + "user:" + strconv.FormatInt(id, 10) }
func (s *redisStore) indexKey() string        { return s.prefix + "users" }
func (s *redisStore) setKey(f Filter) string  { return s.prefix + f.String() }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) EnsureUser(ctx context.Context, id int64, name string) (bool, error) {
	key := s.userKey(id)
	created, err := s.rdb.HSetNX(ctx, key, "id", id).Result()
	if err != nil || !created {
		return false, err
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "name", name, "created_at", now, "updated_at", now, "daily_usage", 0)
		p.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(id), Member: id})
		return nil
	})
	return err == nil, err
}

func (s *redisStore) UserExists(ctx context.Context, id int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.userKey(id)).Result()
	return n > 0, err
}

func (s *redisStore) GetUser(ctx context.Context, id int64) (*User, error) {
	h, err := s.rdb.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(id, h), nil
}

func decodeHash(id int64, h map[string]string) *User {
	u := &User{ID: id, Name: h["name"]}
	optStr := func(k string) *string {
		if v, ok := h[k]; ok {
			return &v
		}
		return nil
	}
	optMS := func(k string) *time.Time {
		v, ok := h[k]
		if !ok {
			return nil
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil
		}
		return timeFromMS(&ms)
	}
	u.Session = optStr("session")
	u.Caption = optStr("caption")
	u.Thumbnail = optStr("thumbnail")
	u.Premium = h["is_premium"] == "1"
	u.Banned = h["is_banned"] == "1"
	u.PremiumExpiry = optMS("premium_expiry")
	u.UsageReset = optMS("usage_reset")
	u.DailyUsage, _ = strconv.Atoi(h["daily_usage"])
	if v, ok := h["dump_chat"]; ok {
		if c, err := strconv.ParseInt(v, 10, 64); err == nil {
			u.DumpChat = &c
		}
	}
	u.DeleteWords = decodeWords(h["delete_words"])
	u.ReplaceWords = decodeReplace(h["replace_words"])
	if t := optMS("created_at"); t != nil {
		u.CreatedAt = *t
	}
	if t := optMS("updated_at"); t != nil {
		u.UpdatedAt = *t
	}
	return u
}

// field is one hash field change; a nil value deletes the field.
type field struct {
	name  string
	value any
}

// set applies field changes atomically, failing with ErrNotFound when the
// record is missing. extra runs inside the same transaction.
func (s *redisStore) set(ctx context.Context, id int64, fields []field, extra func(p redis.Pipeliner)) error {
	key := s.userKey(id)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, f := range fields {
				if f.value == nil {
					p.HDel(ctx, key, f.name)
				} else {
					p.HSet(ctx, key, f.name, f.value)
				}
			}
			p.HSet(ctx, key, "updated_at", time.Now().UnixMilli())
			if extra != nil {
				extra(p)
			}
			return nil
		})
		return err
	}, key)
}

func (s *redisStore) SetSession(ctx context.Context, id int64, credential *string) error {
	return s.set(ctx, id, []field{{"session", strOrNil(credential)}}, nil)
}

func (s *redisStore) SetCaption(ctx context.Context, id int64, caption *string) error {
	return s.set(ctx, id, []field{{"caption", strOrNil(caption)}}, nil)
}

func (s *redisStore) SetThumbnail(ctx context.Context, id int64, fileID *string) error {
	return s.set(ctx, id, []field{{"thumbnail", strOrNil(fileID)}}, nil)
}

func (s *redisStore) SetPremium(ctx context.Context, id int64, premium bool, expiry *time.Time) error {
	return s.set(ctx, id, []field{{"is_premium", boolStr(premium)}, {"premium_expiry", msOrNil(expiry)}},
		func(p redis.Pipeliner) {
			if premium {
				p.SAdd(ctx, s.setKey(FilterPremium), id)
			} else {
				p.SRem(ctx, s.setKey(FilterPremium), id)
			}
		})
}

func (s *redisStore) SetBanned(ctx context.Context, id int64, banned bool) error {
	return s.set(ctx, id, []field{{"is_banned", boolStr(banned)}}, func(p redis.Pipeliner) {
		if banned {
			p.SAdd(ctx, s.setKey(FilterBanned), id)
		} else {
			p.SRem(ctx, s.setKey(FilterBanned), id)
		}
	})
}

func (s *redisStore) SetDumpChat(ctx context.Context, id int64, chatID *int64) error {
	return s.set(ctx, id, []field{{"dump_chat", int64OrNil(chatID)}}, nil)
}

func (s *redisStore) SetUsage(ctx context.Context, id int64, usage int, reset *time.Time) error {
	return s.set(ctx, id, []field{{"daily_usage", usage}, {"usage_reset", msOrNil(reset)}}, nil)
}

func (s *redisStore) SetDeleteWords(ctx context.Context, id int64, words []string) error {
	return s.set(ctx, id, []field{{"delete_words", emptyNil(encodeWords(words))}}, nil)
}

func (s *redisStore) SetReplaceWords(ctx context.Context, id int64, words map[string]string) error {
	return s.set(ctx, id, []field{{"replace_words", emptyNil(encodeReplace(words))}}, nil)
}

func (s *redisStore) Count(ctx context.Context, f Filter) (int, error) {
	var (
		n   int64
		err error
	)
	if f == FilterAll {
		n, err = s.rdb.ZCard(ctx, s.indexKey()).Result()
	} else {
		n, err = s.rdb.SCard(ctx, s.setKey(f)).Result()
	}
	return int(n), err
}

func (s *redisStore) Iterate(ctx context.Context, f Filter, fn func(User) error) error {
	lo := "-inf"
	for {
		ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
			Min:   lo,
			Max:   "+inf",
			Count: pageSize,
		}).Result()
		if err != nil {
			return err
		}
		var last int64
		for _, raw := range ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			last = id
			u, err := s.GetUser(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !f.match(u) {
				continue
			}
			if err := fn(*u); err != nil {
				return err
			}
		}
		if len(ids) < pageSize {
			return nil
		}
		lo = "(" + strconv.FormatInt(last, 10)
	}
}

func (s *redisStore) DeleteUser(ctx context.Context, id int64) error {
	var deleted *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		deleted = p.Del(ctx, s.userKey(id))
		p.ZRem(ctx, s.indexKey(), id)
		p.SRem(ctx, s.setKey(FilterPremium), id)
		p.SRem(ctx, s.setKey(FilterBanned), id)
		return nil
	})
	if err != nil {
		return err
	}
	if deleted.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.prefix+"audit", b)
		p.LTrim(ctx, s.prefix+"audit", 0, auditMaxLen-1)
		return nil
	})
	return err
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func emptyNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
