package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealPrefix = "enc:v1:"

// sealedStore encrypts session credentials at rest. Every other field
// passes straight through to the wrapped store.
type sealedStore struct {
	Store
	aead cipher.AEAD
}

// Seal wraps st so SetSession writes ciphertext and reads decrypt it.
// Values stored before a key was configured are returned unchanged.
func Seal(st Store, hexKey string) (Store, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("secret key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secret key: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &sealedStore{Store: st, aead: aead}, nil
}

func (s *sealedStore) seal(plain string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *sealedStore) open(v string) (string, error) {
	if !strings.HasPrefix(v, sealPrefix) {
		return v, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(v, sealPrefix))
	if err != nil {
		return "", fmt.Errorf("sealed session: %w", err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("sealed session: short ciphertext")
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("sealed session: %w", err)
	}
	return string(plain), nil
}

func (s *sealedStore) unsealUser(u *User) error {
	if u == nil || u.Session == nil {
		return nil
	}
	plain, err := s.open(*u.Session)
	if err != nil {
		return err
	}
	u.Session = &plain
	return nil
}

func (s *sealedStore) SetSession(ctx context.Context, id int64, credential *string) error {
	if credential == nil || *credential == "" {
		return s.Store.SetSession(ctx, id, credential)
	}
	sealed, err := s.seal(*credential)
	if err != nil {
		return err
	}
	return s.Store.SetSession(ctx, id, &sealed)
}

func (s *sealedStore) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.unsealUser(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *sealedStore) Iterate(ctx context.Context, f Filter, fn func(User) error) error {
	return s.Store.Iterate(ctx, f, func(u User) error {
		if err := s.unsealUser(&u); err != nil {
			return err
		}
		return fn(u)
	})
}
