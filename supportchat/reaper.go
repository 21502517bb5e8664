// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
	"github.com/bureau-foundation/supportchat/messaging"
)

// reapConcurrency bounds the leftover sessions torn down at once.
const reapConcurrency = 4

// Reap tears down sessions whose credential files a previous process
// left behind in dir: it leaves their rooms, deactivates the accounts
// and removes the files. Files for other homeservers are skipped, as
// are files a live FileStore still holds open.
// Files whose account could not be deactivated are kept for the next
// run. Sessions are torn down concurrently. Returns the number of
// files removed.
func Reap(ctx context.Context, connector Connector, dir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	paths, err := credstore.List(dir)
	if err != nil {
		return 0, err
	}

	var reaped atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(reapConcurrency)
	for _, path := range paths {
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
			store, err := credstore.OpenPath(dir, path)
			if errors.Is(err, credstore.ErrLocked) {
				logger.Info("session file in use by a running process, skipping", "path", path)
				return nil
			}
			if err != nil {
				logger.Warn("cannot open leftover session", "path", path, "error", err)
				return nil
			}
			defer store.Close()
			if logger.Enabled(groupCtx, slog.LevelDebug) {
				if record, err := store.Describe(); err == nil {
					logger.Debug("examining leftover session", "path", path, "record", record)
				}
			}
			removed, err := reapStore(groupCtx, connector, store, logger.With("path", path))
			if err != nil {
				logger.Warn("leftover session kept", "path", path, "error", err)
				return nil
			}
			if removed {
				reaped.Add(1)
			}
			return nil
		})
	}
	err = group.Wait()
	return int(reaped.Load()), err
}

// reapStore tears down the session recorded in store. Reports whether
// the store was cleared.
func reapStore(ctx context.Context, connector Connector, store *credstore.FileStore, logger *slog.Logger) (bool, error) {
	homeserver, _ := store.Get(credstore.KeyHomeserver)
	if homeserver != connector.Homeserver() {
		logger.Debug("leftover session belongs to another homeserver", "homeserver", homeserver)
		return false, nil
	}

	credentials, err := storedCredentials(store)
	if err != nil {
		// Without complete credentials nothing can be done with the file.
		logger.Warn("discarding incomplete leftover session", "error", err)
		return true, store.Reset()
	}
	defer closeSecret(credentials.Password)
	logger = logger.With("user_id", credentials.UserID)

	client, err := connector.Authenticate(credentials, Handlers{})
	if err != nil {
		return false, err
	}
	defer client.Close()

	owner, err := client.WhoAmI(ctx)
	if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
		logger.Info("leftover session already logged out")
		return true, store.Reset()
	}
	if err != nil {
		return false, fmt.Errorf("checking access token: %w", err)
	}
	if owner != credentials.UserID {
		logger.Warn("stored access token belongs to another account, discarding", "owner", owner)
		return true, store.Reset()
	}

	rooms, err := client.JoinedRooms(ctx)
	if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
		logger.Info("leftover session already logged out")
		return true, store.Reset()
	}
	if err != nil {
		return false, fmt.Errorf("listing joined rooms: %w", err)
	}
	for _, roomID := range rooms {
		if err := client.LeaveRoom(ctx, roomID); err != nil {
			logger.Warn("leaving room of leftover session failed", "room_id", roomID, "error", err)
		}
	}

	err = client.DeactivateAccount(ctx, credentials.Password, true)
	if err != nil && !messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
		return false, fmt.Errorf("deactivating account: %w", err)
	}
	if err := client.ClearStores(); err != nil {
		logger.Warn("clearing client stores failed", "error", err)
	}
	logger.Info("leftover session reaped", "rooms_left", len(rooms))
	return true, store.Reset()
}

// storedCredentials reads the account credentials out of store.
func storedCredentials(store credstore.Store) (Credentials, error) {
	values := make(map[string]string)
	for _, key := range []string{credstore.KeyUserID, credstore.KeyDeviceID, credstore.KeyAccessToken, credstore.KeyPassword} {
		value, err := store.Get(key)
		if err != nil {
			return Credentials{}, fmt.Errorf("reading %s: %w", key, err)
		}
		values[key] = value
	}

	userID, err := ref.ParseUserID(values[credstore.KeyUserID])
	if err != nil {
		return Credentials{}, err
	}
	deviceID, err := ref.ParseDeviceID(values[credstore.KeyDeviceID])
	if err != nil {
		return Credentials{}, err
	}
	if values[credstore.KeyAccessToken] == "" || values[credstore.KeyPassword] == "" {
		return Credentials{}, errors.New("empty access token or password")
	}
	password, err := secret.NewFromString(values[credstore.KeyPassword])
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		UserID:      userID,
		DeviceID:    deviceID,
		AccessToken: values[credstore.KeyAccessToken],
		Password:    password,
	}, nil
}
