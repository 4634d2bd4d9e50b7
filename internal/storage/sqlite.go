//go:build !nosqlite

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/pkg/logx"
)

//go:embed migrations.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const userColumns = `id, name, session, is_premium, premium_expiry, is_banned, daily_usage, usage_reset,
	dump_chat, caption, thumbnail, delete_words, replace_words, created_at, updated_at`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) EnsureUser(ctx context.Context, id int64, name string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, name, created_at, updated_at) VALUES(?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		id, name, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) UserExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(r rowScanner) (*User, error) {
	var (
		u                       User
		session, caption, thumb sql.NullString
		premium, banned         int
		expiry, reset, dump     sql.NullInt64
		delWords, repWords      string
		created, updated        int64
	)
	if err := r.Scan(&u.ID, &u.Name, &session, &premium, &expiry, &banned, &u.DailyUsage, &reset,
		&dump, &caption, &thumb, &delWords, &repWords, &created, &updated); err != nil {
		return nil, err
	}
	u.Session = nullToStr(session)
	u.Caption = nullToStr(caption)
	u.Thumbnail = nullToStr(thumb)
	u.Premium = premium != 0
	u.Banned = banned != 0
	u.PremiumExpiry = nullToTime(expiry)
	u.UsageReset = nullToTime(reset)
	if dump.Valid {
		v := dump.Int64
		u.DumpChat = &v
	}
	u.DeleteWords = decodeWords(delWords)
	u.ReplaceWords = decodeReplace(repWords)
	u.CreatedAt = time.UnixMilli(created)
	u.UpdatedAt = time.UnixMilli(updated)
	return &u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// set updates the given columns of one user. cols and args pair up.
func (s *sqliteStore) set(ctx context.Context, id int64, cols []string, args ...any) error {
	var b strings.Builder
	b.WriteString("UPDATE users SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c + " = ?")
	}
	b.WriteString(", updated_at = ? WHERE id = ?")
	args = append(args, time.Now().UnixMilli(), id)

	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetSession(ctx context.Context, id int64, credential *string) error {
	return s.set(ctx, id, []string{"session"}, strOrNil(credential))
}

func (s *sqliteStore) SetCaption(ctx context.Context, id int64, caption *string) error {
	return s.set(ctx, id, []string{"caption"}, strOrNil(caption))
}

func (s *sqliteStore) SetThumbnail(ctx context.Context, id int64, fileID *string) error {
	return s.set(ctx, id, []string{"thumbnail"}, strOrNil(fileID))
}

func (s *sqliteStore) SetPremium(ctx context.Context, id int64, premium bool, expiry *time.Time) error {
	return s.set(ctx, id, []string{"is_premium", "premium_expiry"}, boolInt(premium), msOrNil(expiry))
}

func (s *sqliteStore) SetBanned(ctx context.Context, id int64, banned bool) error {
	return s.set(ctx, id, []string{"is_banned"}, boolInt(banned))
}

func (s *sqliteStore) SetDumpChat(ctx context.Context, id int64, chatID *int64) error {
	return s.set(ctx, id, []string{"dump_chat"}, int64OrNil(chatID))
}

func (s *sqliteStore) SetUsage(ctx context.Context, id int64, usage int, reset *time.Time) error {
	return s.set(ctx, id, []string{"daily_usage", "usage_reset"}, usage, msOrNil(reset))
}

func (s *sqliteStore) SetDeleteWords(ctx context.Context, id int64, words []string) error {
	return s.set(ctx, id, []string{"delete_words"}, encodeWords(words))
}

func (s *sqliteStore) SetReplaceWords(ctx context.Context, id int64, words map[string]string) error {
	return s.set(ctx, id, []string{"replace_words"}, encodeReplace(words))
}

func sqlFilter(f Filter) string {
	switch f {
	case FilterPremium:
		return " AND is_premium = 1"
	case FilterBanned:
		return " AND is_banned = 1"
	default:
		return ""
	}
}

func (s *sqliteStore) Count(ctx context.Context, f Filter) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE 1=1`+sqlFilter(f)).Scan(&n)
	return n, err
}

// Iterate pages by primary key. Each page is fully read before fn runs,
// which keeps the single connection free for writes made by fn.
func (s *sqliteStore) Iterate(ctx context.Context, f Filter, fn func(User) error) error {
	q := `SELECT ` + userColumns + ` FROM users WHERE id > ?` + sqlFilter(f) + ` ORDER BY id LIMIT ?`
	var after int64 = -1 << 63
	for {
		page, err := s.page(ctx, q, after)
		if err != nil {
			return err
		}
		for _, u := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(u); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (s *sqliteStore) page(ctx context.Context, q string, after int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, q, after, pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target_id, detail) VALUES(?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, e.Action, e.TargetID, nullStr(e.Detail))
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullToStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullToTime(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.UnixMilli(ni.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
