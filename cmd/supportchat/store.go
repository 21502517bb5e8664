// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/bureau-foundation/supportchat/lib/config"
	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/supportchat"
)

// storeOpener returns the credential store factory for the configured
// backend. File stores are named after the device and registration
// session so the reaper can find them after a crash.
func storeOpener(cfg config.StoreConfig) supportchat.StoreOpener {
	if cfg.Backend == "memory" {
		return func(ref.DeviceID, string) (credstore.Store, error) {
			return credstore.NewMemoryStore(), nil
		}
	}
	dir := cfg.Dir
	return func(deviceID ref.DeviceID, registrationSession string) (credstore.Store, error) {
		return credstore.OpenFile(dir, deviceID.String(), registrationSession)
	}
}
