package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/gotd/td/session"
)

// credentialStorage is an in-memory session.Storage seeded from, and
// exported to, the opaque credential string kept in the user record.
type credentialStorage struct {
	mu   sync.Mutex
	data []byte
}

func decodeCredential(credential string) (*credentialStorage, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(credential))
	if err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNoCredential
	}
	return &credentialStorage{data: raw}, nil
}

func (s *credentialStorage) LoadSession(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

func (s *credentialStorage) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	s.data = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

// export encodes the current session as a credential string.
func (s *credentialStorage) export() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return "", fmt.Errorf("session not persisted yet")
	}
	return base64.RawURLEncoding.EncodeToString(s.data), nil
}

var _ session.Storage = (*credentialStorage)(nil)
