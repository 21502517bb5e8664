// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/supportchat/lib/codec"
	"github.com/bureau-foundation/supportchat/lib/sealed"
	"github.com/bureau-foundation/supportchat/lib/secret"
)

// FileStore is a Store backed by one sealed file. Every Set, Clear and
// Reset rewrites (or removes) the file before returning.
//
// An open FileStore holds an exclusive flock on a ".lock" file beside
// the session file until Close. The session file itself is replaced on
// every write, so it cannot carry the lock.
type FileStore struct {
	mu      sync.Mutex
	path    string
	lock    *os.File
	keypair *sealed.Keypair
	values  map[string]string
}

// OpenFile opens the session file for (deviceID, sessionToken) under
// dir, creating dir and its store key if needed. An existing file is
// loaded. Call Close to release the store key.
func OpenFile(dir, deviceID, sessionToken string) (*FileStore, error) {
	if deviceID == "" || sessionToken == "" {
		return nil, fmt.Errorf("credstore: device ID and session token are required")
	}
	return OpenPath(dir, filepath.Join(dir, fileName(deviceID, sessionToken)))
}

// OpenPath opens a session file by path. The file need not exist yet.
// Returns an error wrapping ErrLocked if another FileStore, in this
// process or another, has the file open.
func OpenPath(dir, path string) (*FileStore, error) {
	keypair, err := loadOrCreateKey(dir)
	if err != nil {
		return nil, err
	}
	lock, err := acquireLock(path + lockSuffix)
	if err != nil {
		keypair.Close()
		return nil, err
	}
	store := &FileStore{
		path:    path,
		lock:    lock,
		keypair: keypair,
		values:  make(map[string]string),
	}
	if err := store.load(); err != nil {
		store.releaseLock()
		keypair.Close()
		return nil, err
	}
	return store, nil
}

// acquireLock opens (creating if needed) the lock file at path and
// takes a non-blocking exclusive flock on it.
func acquireLock(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("credstore: opening lock %s: %w", path, err)
	}
	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		file.Close()
		return nil, fmt.Errorf("credstore: %s: %w", path, ErrLocked)
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("credstore: locking %s: %w", path, err)
	}
	return file, nil
}

// releaseLock drops the flock. The lock file is removed once the
// session file is gone, so a reset session leaves nothing behind.
func (s *FileStore) releaseLock() error {
	if s.lock == nil {
		return nil
	}
	lockPath := s.lock.Name()
	var removeErr error
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			removeErr = fmt.Errorf("credstore: removing %s: %w", lockPath, err)
		}
	}
	unlockErr := unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
	closeErr := s.lock.Close()
	s.lock = nil
	return errors.Join(removeErr, unlockErr, closeErr)
}

// List returns the paths of every session file in dir, sorted. A
// missing dir yields no paths.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: listing %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), sessionExtension) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Path returns the session file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.values[key]
	s.values[key] = value
	if err := s.persist(); err != nil {
		if existed {
			s.values[key] = previous
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.persist()
}

// Reset forgets every value and deletes the session file.
func (s *FileStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.values)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credstore: removing %s: %w", s.path, err)
	}
	return nil
}

// Close releases the lock and the store key. The session file is left
// in place.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.releaseLock(), s.keypair.Close())
}

// Describe renders the record in CBOR diagnostic notation with every
// value replaced by its length, for debug logging.
func (s *FileStore) Describe() (string, error) {
	s.mu.Lock()
	redacted := make(map[string]string, len(s.values))
	for key, value := range s.values {
		redacted[key] = fmt.Sprintf("<%d bytes>", len(value))
	}
	s.mu.Unlock()

	encoded, err := codec.Marshal(redacted)
	if err != nil {
		return "", fmt.Errorf("credstore: encoding: %w", err)
	}
	return codec.Diagnose(encoded)
}

func (s *FileStore) load() error {
	ciphertext, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("credstore: reading %s: %w", s.path, err)
	}
	plaintext, err := sealed.Open(ciphertext, s.keypair.PrivateKey)
	if err != nil {
		return fmt.Errorf("credstore: opening %s: %w", s.path, err)
	}
	if plaintext == nil {
		return nil
	}
	defer plaintext.Close()
	if err := codec.Unmarshal(plaintext.Bytes(), &s.values); err != nil {
		return fmt.Errorf("credstore: decoding %s: %w", s.path, err)
	}
	return nil
}

// persist seals the current values and atomically replaces the file.
// Must be called with s.mu held.
func (s *FileStore) persist() error {
	plaintext, err := codec.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("credstore: encoding: %w", err)
	}
	ciphertext, err := sealed.Seal(plaintext, s.keypair.PublicKey)
	secret.Zero(plaintext)
	if err != nil {
		return fmt.Errorf("credstore: sealing: %w", err)
	}
	return writeAtomic(s.path, ciphertext)
}

func writeAtomic(path string, data []byte) error {
	temp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("credstore: creating temp file: %w", err)
	}
	tempPath := temp.Name()
	defer os.Remove(tempPath)

	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("credstore: writing %s: %w", tempPath, err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("credstore: syncing %s: %w", tempPath, err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("credstore: closing %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("credstore: replacing %s: %w", path, err)
	}
	return nil
}

// loadOrCreateKey returns the directory's store keypair, generating it
// on first use. Concurrent first opens race on O_EXCL; the loser reads
// the winner's key.
func loadOrCreateKey(dir string) (*sealed.Keypair, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: creating %s: %w", dir, err)
	}
	keyPath := filepath.Join(dir, keyFileName)

	data, err := os.ReadFile(keyPath)
	if errors.Is(err, fs.ErrNotExist) {
		keypair, err := sealed.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		file, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			keypair.Close()
			return loadOrCreateKey(dir)
		}
		if err != nil {
			keypair.Close()
			return nil, fmt.Errorf("credstore: creating %s: %w", keyPath, err)
		}
		_, writeErr := file.Write(keypair.PrivateKey.Bytes())
		closeErr := file.Close()
		if err := errors.Join(writeErr, closeErr); err != nil {
			keypair.Close()
			return nil, fmt.Errorf("credstore: writing %s: %w", keyPath, err)
		}
		return keypair, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: reading %s: %w", keyPath, err)
	}

	buffer, err := secret.NewFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("credstore: %s: %w", keyPath, err)
	}
	keypair, err := sealed.LoadKeypair(buffer)
	if err != nil {
		buffer.Close()
		return nil, fmt.Errorf("credstore: %s: %w", keyPath, err)
	}
	return keypair, nil
}
