// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"errors"
	"maps"
	"sync"
)

// Keys written by the session bootstrapper.
const (
	KeyHomeserver   = "homeserver_url"
	KeyUserID       = "user_id"
	KeyDeviceID     = "device_id"
	KeyAccessToken  = "access_token"
	KeyPassword     = "password"
	KeyRoomID       = "room_id"
	KeyCryptoActive = "crypto_enabled"
)

// ErrNotFound is returned by Get for a key that has no value.
var ErrNotFound = errors.New("credstore: key not found")

// ErrLocked is returned when opening a session file another open
// FileStore holds.
var ErrLocked = errors.New("credstore: session file in use")

// Store is durable key/value storage for one session's credentials.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) (string, error)

	// Set stores value under key and persists it before returning.
	Set(key, value string) error

	// Clear removes key. Clearing an absent key is not an error.
	Clear(key string) error

	// Reset removes every key and any persisted state. The store
	// remains usable afterwards.
	Reset() error
}

// MemoryStore is a Store with no persistence.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.values)
	return nil
}

// Len reports how many keys are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Snapshot returns a copy of every stored value.
func (s *MemoryStore) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}
