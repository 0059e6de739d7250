package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const apiKeySecretLen = 32

// APIKeyStore stores and validates API keys.
type APIKeyStore interface {
	ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error)
	CreateKey(ctx context.Context, info APIKeyInfo) (string, error)
	RevokeKey(ctx context.Context, keyID string) error
	ListKeys(ctx context.Context, ownerID string) ([]APIKeyInfo, error)
}

// APIKeyInfo contains metadata about an API key.
type APIKeyInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	KeyHash   string   `json:"key_hash"` // SHA-256 hash of the key
	OwnerID   string   `json:"owner_id"`
	Role      Role     `json:"role"`
	OrgID     string   `json:"org_id,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	CreatedAt int64    `json:"created_at"`
	ExpiresAt int64    `json:"expires_at,omitempty"` // 0 = never expires
	LastUsed  int64    `json:"last_used,omitempty"`
}

// InMemoryAPIKeyStore keeps API keys in process memory, protected by a
// mutex. This replaces the teacher's Redis-backed store: the admin surface
// is single-process (pkg/coordination's Non-goals note there is no
// multi-node fleet here), so there is no cross-process cache to keep in
// sync, and the Redis client had no other SPEC_FULL component to serve
// (see DESIGN.md).
type InMemoryAPIKeyStore struct {
	mu   sync.RWMutex
	byID map[string]*APIKeyInfo
}

// NewInMemoryAPIKeyStore creates an empty API key store.
func NewInMemoryAPIKeyStore() *InMemoryAPIKeyStore {
	return &InMemoryAPIKeyStore{byID: map[string]*APIKeyInfo{}}
}

// ValidateKey checks if an API key is valid and returns its info.
func (s *InMemoryAPIKeyStore) ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error) {
	hash := hashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.byID {
		if info.KeyHash != hash {
			continue
		}
		if info.ExpiresAt > 0 && info.ExpiresAt < time.Now().Unix() {
			return nil, ErrExpiredToken
		}
		info.LastUsed = time.Now().Unix()
		copyInfo := *info
		return &copyInfo, nil
	}
	return nil, ErrInvalidToken
}

// CreateKey stores a new API key and returns the plaintext key (only shown
// once).
func (s *InMemoryAPIKeyStore) CreateKey(ctx context.Context, info APIKeyInfo) (string, error) {
	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	plainKey := "sk_" + hex.EncodeToString(secret)

	info.KeyHash = hashKey(plainKey)
	info.CreatedAt = time.Now().Unix()
	if info.ID == "" {
		idBytes := make([]byte, 8)
		_, _ = rand.Read(idBytes)
		info.ID = "key_" + hex.EncodeToString(idBytes)
	}

	s.mu.Lock()
	s.byID[info.ID] = &info
	s.mu.Unlock()

	return plainKey, nil
}

// RevokeKey removes an API key.
func (s *InMemoryAPIKeyStore) RevokeKey(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[keyID]; !ok {
		return ErrInvalidToken
	}
	delete(s.byID, keyID)
	return nil
}

// ListKeys returns all keys for an owner (without exposing the actual
// hashes).
func (s *InMemoryAPIKeyStore) ListKeys(ctx context.Context, ownerID string) ([]APIKeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []APIKeyInfo
	for _, info := range s.byID {
		if info.OwnerID != ownerID {
			continue
		}
		copyInfo := *info
		copyInfo.KeyHash = ""
		keys = append(keys, copyInfo)
	}
	return keys, nil
}

// hashKey creates a SHA-256 hash of an API key.
func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
