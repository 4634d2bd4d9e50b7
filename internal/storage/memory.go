package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Records are copied in and out so callers
// never share state with the map.
type Memory struct {
	mu    sync.RWMutex
	users map[int64]*User
	audit []AuditEntry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{users: map[int64]*User{}, now: time.Now}
}

func (m *Memory) EnsureUser(_ context.Context, id int64, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; ok {
		return false, nil
	}
	now := m.now()
	m.users[id] = &User{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

func (m *Memory) UserExists(_ context.Context, id int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[id]
	return ok, nil
}

func (m *Memory) GetUser(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneUser(u)
	return &cp, nil
}

func (m *Memory) update(id int64, fn func(u *User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = m.now()
	return nil
}

func (m *Memory) SetSession(_ context.Context, id int64, credential *string) error {
	return m.update(id, func(u *User) { u.Session = cloneStr(credential) })
}

func (m *Memory) SetCaption(_ context.Context, id int64, caption *string) error {
	return m.update(id, func(u *User) { u.Caption = cloneStr(caption) })
}

func (m *Memory) SetThumbnail(_ context.Context, id int64, fileID *string) error {
	return m.update(id, func(u *User) { u.Thumbnail = cloneStr(fileID) })
}

func (m *Memory) SetPremium(_ context.Context, id int64, premium bool, expiry *time.Time) error {
	return m.update(id, func(u *User) {
		u.Premium = premium
		u.PremiumExpiry = cloneTime(expiry)
	})
}

func (m *Memory) SetBanned(_ context.Context, id int64, banned bool) error {
	return m.update(id, func(u *User) { u.Banned = banned })
}

func (m *Memory) SetDumpChat(_ context.Context, id int64, chatID *int64) error {
	return m.update(id, func(u *User) {
		if chatID == nil {
			u.DumpChat = nil
			return
		}
		v := *chatID
		u.DumpChat = &v
	})
}

func (m *Memory) SetUsage(_ context.Context, id int64, usage int, reset *time.Time) error {
	return m.update(id, func(u *User) {
		u.DailyUsage = usage
		u.UsageReset = cloneTime(reset)
	})
}

func (m *Memory) SetDeleteWords(_ context.Context, id int64, words []string) error {
	return m.update(id, func(u *User) { u.DeleteWords = slices.Clone(words) })
}

func (m *Memory) SetReplaceWords(_ context.Context, id int64, words map[string]string) error {
	return m.update(id, func(u *User) { u.ReplaceWords = maps.Clone(words) })
}

func (m *Memory) Count(_ context.Context, f Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, u := range m.users {
		if f.match(u) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Iterate(ctx context.Context, f Filter, fn func(User) error) error {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.RLock()
		u, ok := m.users[id]
		var cp User
		if ok {
			cp = cloneUser(u)
		}
		m.mu.RUnlock()
		if !ok || !f.match(&cp) {
			continue
		}
		if err := fn(cp); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) DeleteUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = m.now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.audit)
}

func (m *Memory) Close() error { return nil }

func cloneUser(u *User) User {
	cp := *u
	cp.Session = cloneStr(u.Session)
	cp.Caption = cloneStr(u.Caption)
	cp.Thumbnail = cloneStr(u.Thumbnail)
	cp.PremiumExpiry = cloneTime(u.PremiumExpiry)
	cp.UsageReset = cloneTime(u.UsageReset)
	if u.DumpChat != nil {
		v := *u.DumpChat
		cp.DumpChat = &v
	}
	cp.DeleteWords = slices.Clone(u.DeleteWords)
	cp.ReplaceWords = maps.Clone(u.ReplaceWords)
	return cp
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
