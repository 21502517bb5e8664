// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/supportchat/lib/config"
	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
)

func TestParseFlags(t *testing.T) {
	opts, _, err := parseFlags([]string{"--config", "chat.yaml", "--homeserver", "https://hs.example.org", "--plain", "-v"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.configPath != "chat.yaml" || opts.homeserver != "https://hs.example.org" || !opts.plain || !opts.verbose {
		t.Errorf("options = %+v", opts)
	}

	if _, _, err := parseFlags([]string{"extra"}); err == nil || !strings.Contains(err.Error(), "unexpected argument") {
		t.Errorf("positional argument error = %v", err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yaml")
	content := "homeserver_url: https://file.example.org\nfacilitator: \"@file:example.org\"\nstore:\n  dir: ${TEST_STATE}/sessions\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_STATE", dir)

	cfg, err := loadConfig(&options{configPath: path, facilitator: "@flag:example.org"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HomeserverURL != "https://file.example.org" {
		t.Errorf("HomeserverURL = %q", cfg.HomeserverURL)
	}
	if cfg.Facilitator != "@flag:example.org" {
		t.Errorf("Facilitator = %q, want the flag value", cfg.Facilitator)
	}
	if cfg.Store.Dir != filepath.Join(dir, "sessions") {
		t.Errorf("Store.Dir = %q", cfg.Store.Dir)
	}

	if _, err := loadConfig(&options{configPath: path, homeserver: "not a url"}); err == nil {
		t.Error("invalid homeserver override accepted")
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.jsonc")
	content := `{
		// Comments are allowed.
		"homeserver_url": "https://env.example.org",
		"store": {"backend": "memory"},
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvironmentVariable, path)

	cfg, err := loadConfig(&options{})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HomeserverURL != "https://env.example.org" || cfg.Store.Backend != "memory" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestStoreOpener(t *testing.T) {
	deviceID, err := ref.ParseDeviceID("VISITORDEV")
	if err != nil {
		t.Fatal(err)
	}

	memory, err := storeOpener(config.StoreConfig{Backend: "memory"})(deviceID, "session")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := memory.(*credstore.MemoryStore); !ok {
		t.Errorf("memory backend returned %T", memory)
	}

	dir := t.TempDir()
	store, err := storeOpener(config.StoreConfig{Backend: "file", Dir: dir})(deviceID, "session")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	defer store.(*credstore.FileStore).Close()
	if err := store.Set(credstore.KeyUserID, "@visitor:example.org"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	paths, err := credstore.List(dir)
	if err != nil || len(paths) != 1 {
		t.Errorf("List = %v, %v; want one session file", paths, err)
	}
}

func TestFanoutHandler(t *testing.T) {
	var debug, warn bytes.Buffer
	logger := slog.New(fanoutHandler{
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}).With("room_id", "!support:example.org")

	logger.Debug("polling")
	logger.Warn("retrying")

	if !strings.Contains(debug.String(), "msg=polling") || !strings.Contains(debug.String(), "msg=retrying") {
		t.Errorf("debug handler output:\n%s", debug.String())
	}
	if strings.Contains(warn.String(), "polling") || !strings.Contains(warn.String(), "room_id=!support:example.org") {
		t.Errorf("warn handler output:\n%s", warn.String())
	}
}
