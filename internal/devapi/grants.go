package devapi

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrGrantNotFound indicates no refresh grant matched the provided token.
	ErrGrantNotFound = errors.New("grant_store.not_found")
	// ErrGrantRevoked indicates the refresh grant was rotated or logged out.
	ErrGrantRevoked = errors.New("grant_store.revoked")
	// ErrGrantExpired indicates the refresh grant has exceeded its expiry.
	ErrGrantExpired = errors.New("grant_store.expired")
	// ErrGrantEmptyToken indicates that the provided opaque token is empty.
	ErrGrantEmptyToken = errors.New("grant_store.empty_token")
)

// GrantStore manages rotating refresh grants. Only hashes of the opaque
// tokens are kept.
type GrantStore interface {
	Issue(ctx context.Context, userID string, expiresAt time.Time, previousID string) (grantID string, opaque string, err error)
	Validate(ctx context.Context, opaque string, now time.Time) (userID string, grantID string, err error)
	Revoke(ctx context.Context, grantID string) error
	RevokeUser(ctx context.Context, userID string) error
}

func newOpaqueToken() string {
	return uuid.NewString()
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// MemoryGrantStore is an in-memory GrantStore.
type MemoryGrantStore struct {
	mutex  sync.Mutex
	byID   map[string]*grantRecord
	byHash map[string]string
}

type grantRecord struct {
	GrantID    string
	UserID     string
	Hash       string
	ExpiresAt  time.Time
	RevokedAt  time.Time
	PreviousID string
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{
		byID:   make(map[string]*grantRecord),
		byHash: make(map[string]string),
	}
}

func (store *MemoryGrantStore) Issue(ctx context.Context, userID string, expiresAt time.Time, previousID string) (string, string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	opaque := newOpaqueToken()
	record := &grantRecord{
		GrantID:    uuid.NewString(),
		UserID:     userID,
		Hash:       hashOpaque(opaque),
		ExpiresAt:  expiresAt,
		PreviousID: previousID,
	}
	store.byID[record.GrantID] = record
	store.byHash[record.Hash] = record.GrantID
	return record.GrantID, opaque, nil
}

func (store *MemoryGrantStore) Validate(ctx context.Context, opaque string, now time.Time) (string, string, error) {
	if opaque == "" {
		return "", "", ErrGrantEmptyToken
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	grantID, ok := store.byHash[hashOpaque(opaque)]
	if !ok {
		return "", "", ErrGrantNotFound
	}
	record := store.byID[grantID]
	if !record.RevokedAt.IsZero() {
		return "", "", ErrGrantRevoked
	}
	if !now.Before(record.ExpiresAt) {
		return "", "", ErrGrantExpired
	}
	return record.UserID, record.GrantID, nil
}

func (store *MemoryGrantStore) Revoke(ctx context.Context, grantID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[grantID]
	if record == nil {
		return ErrGrantNotFound
	}
	if record.RevokedAt.IsZero() {
		record.RevokedAt = time.Now().UTC()
	}
	return nil
}

func (store *MemoryGrantStore) RevokeUser(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := time.Now().UTC()
	for _, record := range store.byID {
		if record.UserID == userID && record.RevokedAt.IsZero() {
			record.RevokedAt = now
		}
	}
	return nil
}
