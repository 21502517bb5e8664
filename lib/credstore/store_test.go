// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// exerciseStore runs the Store contract against any implementation.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()

	if _, err := store.Get(KeyUserID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: err = %v, want ErrNotFound", err)
	}
	if err := store.Set(KeyUserID, "@visitor:example.org"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(KeyAccessToken, "syt_token"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if value, err := store.Get(KeyUserID); err != nil || value != "@visitor:example.org" {
		t.Fatalf("Get = %q, %v", value, err)
	}

	if err := store.Clear(KeyAccessToken); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := store.Clear("never-set"); err != nil {
		t.Fatalf("Clear absent key: %v", err)
	}
	if _, err := store.Get(KeyAccessToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Clear: err = %v", err)
	}

	if err := store.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := store.Get(KeyUserID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Reset: err = %v", err)
	}
	if err := store.Reset(); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)
	if store.Len() != 0 {
		t.Errorf("Len() = %d after Reset", store.Len())
	}

	store.Set(KeyDeviceID, "DEVICE")
	snapshot := store.Snapshot()
	snapshot[KeyDeviceID] = "mutated"
	if value, _ := store.Get(KeyDeviceID); value != "DEVICE" {
		t.Error("Snapshot aliases the store's map")
	}
}

func TestFileStoreContract(t *testing.T) {
	store, err := OpenFile(t.TempDir(), "DEVICE", "uiaa-session")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenFile(dir, "DEVICE", "uiaa-session")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := first.Set(KeyPassword, "generated-password"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	first.Close()

	ciphertext, err := os.ReadFile(first.Path())
	if err != nil {
		t.Fatalf("reading session file: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("generated-password")) {
		t.Fatal("session file holds the password in the clear")
	}

	second, err := OpenFile(dir, "DEVICE", "uiaa-session")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if value, err := second.Get(KeyPassword); err != nil || value != "generated-password" {
		t.Fatalf("Get after reopen = %q, %v", value, err)
	}
}

func TestFileNameDependsOnDeviceAndToken(t *testing.T) {
	base := fileName("DEVICE", "session")
	if !strings.HasSuffix(base, sessionExtension) || len(base) != 64+len(sessionExtension) {
		t.Fatalf("fileName = %q", base)
	}
	if base != fileName("DEVICE", "session") {
		t.Error("fileName is not stable")
	}
	for _, other := range []string{fileName("DEVICE2", "session"), fileName("DEVICE", "session2"), fileName("DEVICEs", "ession")} {
		if other == base {
			t.Errorf("fileName collision: %q", other)
		}
	}
	if strings.Contains(base, "session") {
		t.Error("fileName leaks the session token")
	}
}

func TestListFindsSessionFiles(t *testing.T) {
	dir := t.TempDir()
	if paths, err := List(filepath.Join(dir, "missing")); err != nil || paths != nil {
		t.Fatalf("List(missing) = %v, %v", paths, err)
	}

	for _, device := range []string{"A", "B"} {
		store, err := OpenFile(dir, device, "session")
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		store.Set(KeyDeviceID, device)
		store.Close()
	}
	// A store that never persisted anything leaves no file.
	empty, err := OpenFile(dir, "C", "session")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	empty.Close()

	paths, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("List = %v, want 2 session files", paths)
	}

	seen := map[string]bool{}
	for _, path := range paths {
		store, err := OpenPath(dir, path)
		if err != nil {
			t.Fatalf("OpenPath(%s): %v", path, err)
		}
		device, _ := store.Get(KeyDeviceID)
		seen[device] = true
		if err := store.Reset(); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		store.Close()
	}
	if !seen["A"] || !seen["B"] {
		t.Errorf("recovered devices = %v", seen)
	}
	if paths, _ := List(dir); len(paths) != 0 {
		t.Errorf("List after Reset = %v", paths)
	}
}

func TestOpenRejectsForeignKey(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenFile(dir, "DEVICE", "session")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	store.Set(KeyUserID, "@v:example.org")
	store.Close()

	// Replace the directory key; the existing file can no longer be opened.
	if err := os.Remove(filepath.Join(dir, keyFileName)); err != nil {
		t.Fatalf("removing key: %v", err)
	}
	if _, err := OpenPath(dir, store.Path()); err == nil {
		t.Fatal("OpenPath succeeded with a different store key")
	}
}

func TestOpenFileRequiresIdentifiers(t *testing.T) {
	if _, err := OpenFile(t.TempDir(), "", "session"); err == nil {
		t.Error("OpenFile without device ID succeeded")
	}
	if _, err := OpenFile(t.TempDir(), "DEVICE", ""); err == nil {
		t.Error("OpenFile without session token succeeded")
	}
}

func TestOpenStoreHoldsLock(t *testing.T) {
	dir := t.TempDir()
	held, err := OpenFile(dir, "DEVICE", "session")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := held.Set(KeyUserID, "@v:example.org"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := OpenPath(dir, held.Path()); !errors.Is(err, ErrLocked) {
		t.Fatalf("OpenPath on a held file: err = %v, want ErrLocked", err)
	}
	if _, err := OpenFile(dir, "DEVICE", "session"); !errors.Is(err, ErrLocked) {
		t.Fatalf("OpenFile on a held file: err = %v, want ErrLocked", err)
	}
	// The refused open left the holder's data alone.
	if value, err := held.Get(KeyUserID); err != nil || value != "@v:example.org" {
		t.Fatalf("Get = %q, %v", value, err)
	}

	if err := held.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := OpenPath(dir, held.Path())
	if err != nil {
		t.Fatalf("OpenPath after Close: %v", err)
	}
	if err := reopened.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(held.Path() + lockSuffix); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file left after Reset and Close: %v", err)
	}
}

func TestDescribeRedactsValues(t *testing.T) {
	store, err := OpenFile(t.TempDir(), "DEVICE", "session")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer store.Close()
	store.Set(KeyPassword, "hunter2-hunter2")
	store.Set(KeyUserID, "@v:example.org")

	description, err := store.Describe()
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if strings.Contains(description, "hunter2") || strings.Contains(description, "@v:example.org") {
		t.Errorf("Describe leaks values: %s", description)
	}
	for _, want := range []string{`"` + KeyPassword + `"`, `"<15 bytes>"`, `"` + KeyUserID + `"`} {
		if !strings.Contains(description, want) {
			t.Errorf("Describe = %s, missing %s", description, want)
		}
	}
}
