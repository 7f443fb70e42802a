package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultStorageKey is the entry under which the pair is persisted.
const DefaultStorageKey = "auth_tokens"

// storageFile is the on-disk layout. Several storage keys can share one file.
type storageFile struct {
	Tokens map[string]*TokenPair `json:"tokens"`
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path of the JSON token file. Empty keeps the session in memory only.
	Path string
	// Key selects the entry inside the token file. Defaults to DefaultStorageKey.
	Key string
	// CookieJar receives the accessToken/refreshToken cookie mirror for CookieURL.
	// Nil disables mirroring.
	CookieJar http.CookieJar
	CookieURL *url.URL
	Now       func() time.Time
	Logger    *zap.Logger
}

// Store holds the current TokenPair. Reads are served from an in-memory
// snapshot; writes replace the snapshot atomically and then persist it.
type Store struct {
	path      string
	key       string
	jar       http.CookieJar
	cookieURL *url.URL
	now       func() time.Time
	logger    *zap.Logger
	lockOpts  lockOptions

	current atomic.Pointer[TokenPair]
	writeMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]func(*TokenPair)
	nextSub int
}

// NewStore creates a Store. It does not read the token file; call Load for that.
func NewStore(cfg StoreConfig) *Store {
	s := &Store{
		path:      cfg.Path,
		key:       cfg.Key,
		jar:       cfg.CookieJar,
		cookieURL: cfg.CookieURL,
		now:       cfg.Now,
		logger:    cfg.Logger,
		lockOpts:  defaultLockOptions,
		subs:      make(map[int]func(*TokenPair)),
	}
	if s.key == "" {
		s.key = DefaultStorageKey
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Get returns a copy of the current pair, or nil when no session is stored.
func (s *Store) Get() *TokenPair {
	p := s.current.Load()
	if p == nil {
		return nil
	}
	return p.clone()
}

// Set replaces the stored pair. The in-memory snapshot is updated even when
// persisting fails; the returned error only reports the persistence failure.
func (s *Store) Set(pair TokenPair) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored := pair.clone()
	s.current.Store(stored)
	s.mirrorCookies(stored)

	err := s.persist(func(tokens map[string]*TokenPair) {
		tokens[s.key] = stored
	})
	s.notify(stored)
	return err
}

// Clear removes the pair from memory, the token file and the cookie mirror.
// Clearing an empty store is a no-op.
func (s *Store) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	previous := s.current.Swap(nil)
	s.mirrorCookies(nil)

	err := s.persist(func(tokens map[string]*TokenPair) {
		delete(tokens, s.key)
	})
	if previous != nil {
		s.notify(nil)
	}
	return err
}

// Load re-reads the token file and replaces the in-memory snapshot with its
// content. A missing file or entry yields an empty store.
func (s *Store) Load() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pair, err := s.readEntry()
	if err != nil {
		return err
	}
	s.current.Store(pair)
	s.notify(pair)
	return nil
}

// Subscribe registers fn to be called after every change of the stored pair.
// fn receives nil when the store was cleared. The returned func unregisters it.
func (s *Store) Subscribe(fn func(*TokenPair)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) notify(pair *TokenPair) {
	s.subsMu.Lock()
	ids := slices.Sorted(maps.Keys(s.subs))
	fns := make([]func(*TokenPair), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		if pair == nil {
			fn(nil)
			continue
		}
		fn(pair.clone())
	}
}

func (s *Store) readEntry() (*TokenPair, error) {
	if s.path == "" {
		return s.current.Load(), nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var file storageFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}

	pair, ok := file.Tokens[s.key]
	if !ok || pair == nil {
		return nil, nil
	}
	return pair, nil
}

// persist applies mutate to the token map inside the file lock and writes the
// result back with the temp-file-and-rename pattern.
func (s *Store) persist(mutate func(tokens map[string]*TokenPair)) error {
	if s.path == "" {
		return nil
	}

	lock, err := acquireFileLock(context.Background(), s.path, s.lockOpts)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			s.logger.Warn("failed to release token file lock", zap.Error(releaseErr))
		}
	}()

	var file storageFile
	existing, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if unmarshalErr := json.Unmarshal(existing, &file); unmarshalErr != nil {
			s.logger.Warn("token file is corrupt, rewriting it", zap.Error(unmarshalErr))
			file.Tokens = nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to read token file: %w", err)
	}
	if file.Tokens == nil {
		file.Tokens = make(map[string]*TokenPair)
	}

	mutate(file.Tokens)

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
