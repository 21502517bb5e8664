// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/supportchat/lib/credstore"
)

// teardownTimeout bounds cleanup that runs without a caller context.
const teardownTimeout = 30 * time.Second

// Exit cancels any in-flight initialization or restart, tears the
// session down and returns the controller to idle. Teardown leaves the
// room, deactivates the account, stops the client, clears its local
// stores and then the credential store, attempting every step. The
// returned error joins the failed steps.
//
// Calling Exit without a session (or a second time) makes no protocol
// calls.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	previous := c.phase
	c.phase = PhaseExiting
	c.ready = false
	c.mu.Unlock()
	c.logger.Info("phase changed", "from", previous, "to", PhaseExiting)
	c.notify()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	err := c.dismantle(ctx, c.detach())

	c.mu.Lock()
	c.records = nil
	clear(c.seen)
	c.typing = ""
	c.phase = PhaseIdle
	c.ready = true
	c.mu.Unlock()
	c.logger.Info("phase changed", "from", PhaseExiting, "to", PhaseIdle)
	c.notify()
	return err
}

// detach takes the session away from the controller. Handlers of its
// client go stale.
func (c *Controller) detach() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.session
	c.session = nil
	c.generation++
	return current
}

// dismantle performs the teardown steps for a detached session.
func (c *Controller) dismantle(ctx context.Context, current *session) error {
	if current == nil {
		return nil
	}
	logger := c.logger.With("user_id", current.credentials.UserID)
	defer closeSecret(current.credentials.Password)

	if current.client == nil {
		// Nothing can deactivate the account now. The stored
		// credentials let the reaper finish the job on a later run.
		closeStore(current.store)
		logger.Warn("no client to tear down with, keeping stored credentials")
		return fmt.Errorf("supportchat: session %s has no client", current.credentials.UserID)
	}

	var errs []error
	if !current.roomID.IsZero() {
		if err := current.client.LeaveRoom(ctx, current.roomID); err != nil {
			errs = append(errs, fmt.Errorf("leaving %s: %w", current.roomID, err))
		}
	}
	if err := current.client.DeactivateAccount(ctx, current.credentials.Password, true); err != nil {
		errs = append(errs, fmt.Errorf("deactivating account: %w", err))
	}
	if err := current.client.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping client: %w", err))
	}
	if err := current.client.ClearStores(); err != nil {
		errs = append(errs, fmt.Errorf("clearing client stores: %w", err))
	}
	if err := current.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing client: %w", err))
	}
	if current.store != nil {
		if err := current.store.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("clearing credentials: %w", err))
		}
		closeStore(current.store)
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.Warn("teardown incomplete", "error", err)
	} else {
		logger.Info("session torn down")
	}
	return err
}

// closeStore releases a store that holds resources.
func closeStore(store credstore.Store) {
	if closer, ok := store.(io.Closer); ok {
		closer.Close()
	}
}
