// Package apikey implements the local API-key store and the validator
// middleware that gates every forwarded request.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/qwen-relay/gateway/internal/store"
)

const (
	pbkdf2Iterations = 260_000
	saltBytes        = 32
	derivedKeyBytes  = 64
	keyPrefix        = "sk-proj-"
	minKeyLength     = len(keyPrefix) + 32
)

// Permission names accepted in an ApiKey's permission set.
const (
	PermChatCompletions = "chat.completions"
	PermModelsList      = "models.list"
	PermFullAccess      = "full_access"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusRevoked  Status = "revoked"
)

// RateLimit bounds requests per rolling window for one key.
type RateLimit struct {
	Max    int           `json:"max"`
	Window time.Duration `json:"window"`
}

// ApiKey is the metadata record; it never carries the raw key or anything
// from which the raw key could be recovered.
type ApiKey struct {
	ID          string     `json:"key_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	KeyPrefix   string     `json:"key_prefix"`
	KeySuffix   string     `json:"key_suffix"`
	Permissions []string   `json:"permissions"`
	RateLimit   *RateLimit `json:"rate_limit,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  int64      `json:"usage_count"`

	salt []byte
	hash []byte
}

func (k *ApiKey) hasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == PermFullAccess || p == perm {
			return true
		}
	}
	return false
}

var (
	ErrNotFound = errors.New("apikey: not found")
)

// Store holds every api key, backed by a single JSON file
// (api_keys.json) with PBKDF2 hashes on disk, never raw keys.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*ApiKey
	dir  *store.Dir
}

func NewStore(dir *store.Dir) *Store {
	return &Store{keys: make(map[string]*ApiKey), dir: dir}
}

type fileRecord struct {
	ID          string     `json:"key_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	KeyPrefix   string     `json:"key_prefix"`
	KeySuffix   string     `json:"key_suffix"`
	Salt        string     `json:"salt"`
	Hash        string     `json:"hash"`
	Permissions []string   `json:"permissions"`
	RateLimit   *RateLimit `json:"rate_limit,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  int64      `json:"usage_count"`
}

type fileShape struct {
	Keys    map[string]fileRecord `json:"keys"`
	Version int                   `json:"version"`
}

// Load hydrates the store from api_keys.json, if present.
func (s *Store) Load() error {
	var f fileShape
	ok, err := s.dir.ReadJSON("api_keys.json", &f)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range f.Keys {
		salt, _ := hex.DecodeString(r.Salt)
		hash, _ := hex.DecodeString(r.Hash)
		s.keys[id] = &ApiKey{
			ID:          id,
			Name:        r.Name,
			Description: r.Description,
			KeyPrefix:   r.KeyPrefix,
			KeySuffix:   r.KeySuffix,
			Permissions: r.Permissions,
			RateLimit:   r.RateLimit,
			Status:      Status(r.Status),
			CreatedAt:   r.CreatedAt,
			LastUsedAt:  r.LastUsedAt,
			UsageCount:  r.UsageCount,
			salt:        salt,
			hash:        hash,
		}
	}
	return nil
}

func (s *Store) saveLocked() error {
	f := fileShape{Keys: make(map[string]fileRecord, len(s.keys)), Version: 1}
	for id, k := range s.keys {
		f.Keys[id] = fileRecord{
			ID: id, Name: k.Name, Description: k.Description,
			KeyPrefix: k.KeyPrefix, KeySuffix: k.KeySuffix,
			Salt: hex.EncodeToString(k.salt), Hash: hex.EncodeToString(k.hash),
			Permissions: k.Permissions, RateLimit: k.RateLimit,
			Status: string(k.Status), CreatedAt: k.CreatedAt,
			LastUsedAt: k.LastUsedAt, UsageCount: k.UsageCount,
		}
	}
	return s.dir.WriteJSON("api_keys.json", f)
}

// Create generates a new raw key, returning it exactly once alongside its
// metadata. The raw key itself is never stored.
func (s *Store) Create(name, description string, permissions []string, rateLimit *RateLimit) (rawKey string, meta ApiKey, err error) {
	raw := make([]byte, 24)
	if _, err = rand.Read(raw); err != nil {
		return "", ApiKey{}, err
	}
	rawKey = keyPrefix + hex.EncodeToString(raw)

	salt := make([]byte, saltBytes)
	if _, err = rand.Read(salt); err != nil {
		return "", ApiKey{}, err
	}
	hash := pbkdf2.Key([]byte(rawKey), salt, pbkdf2Iterations, derivedKeyBytes, sha256.New)

	k := &ApiKey{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		KeyPrefix:   rawKey[:len(keyPrefix)+4],
		KeySuffix:   rawKey[len(rawKey)-4:],
		Permissions: permissions,
		RateLimit:   rateLimit,
		Status:      StatusActive,
		CreatedAt:   time.Now().UTC(),
		salt:        salt,
		hash:        hash,
	}

	s.mu.Lock()
	s.keys[k.ID] = k
	err = s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return "", ApiKey{}, fmt.Errorf("persist api key: %w", err)
	}
	return rawKey, *k, nil
}

// List returns metadata for every key, never the hash or salt.
func (s *Store) List() []ApiKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ApiKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		cp.salt, cp.hash = nil, nil
		out = append(out, cp)
	}
	return out
}

// Update calls mutate on the stored key under the store lock, persists the
// result, and returns a snapshot of the updated key.
func (s *Store) Update(id string, mutate func(*ApiKey)) (ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ApiKey{}, ErrNotFound
	}
	mutate(k)
	if err := s.saveLocked(); err != nil {
		return ApiKey{}, err
	}
	cp := *k
	cp.salt, cp.hash = nil, nil
	return cp, nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return ErrNotFound
	}
	delete(s.keys, id)
	return s.saveLocked()
}

// Validate scans active keys whose prefix matches rawKey and performs a
// constant-time PBKDF2 comparison against each candidate. Returns the
// metadata snapshot on success, or false.
func (s *Store) Validate(rawKey string) (ApiKey, bool) {
	if len(rawKey) < minKeyLength {
		return ApiKey{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Status != StatusActive {
			continue
		}
		if !strings.HasPrefix(rawKey, k.KeyPrefix) {
			continue
		}
		candidate := pbkdf2.Key([]byte(rawKey), k.salt, pbkdf2Iterations, derivedKeyBytes, sha256.New)
		if subtle.ConstantTimeCompare(candidate, k.hash) == 1 {
			cp := *k
			cp.salt, cp.hash = nil, nil
			return cp, true
		}
	}
	return ApiKey{}, false
}

// RecordUsage updates last_used_at and usage_count after a request completes.
func (s *Store) RecordUsage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	k.UsageCount++
	_ = s.saveLocked()
}
