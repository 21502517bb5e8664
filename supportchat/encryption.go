// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"errors"
	"strconv"

	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/messaging"
)

// negotiate initializes encryption on the live client. If that fails
// the client is replaced by a plaintext one built from the same
// credentials. Returns the sync state channel of whichever client is
// live afterwards.
func (c *Controller) negotiate(ctx context.Context, current *session, states <-chan messaging.SyncState) (<-chan messaging.SyncState, error) {
	err := current.client.InitCrypto(ctx)
	if err == nil && current.client.CryptoEnabled() {
		c.mu.Lock()
		current.cryptoEnabled = true
		c.mu.Unlock()
		c.logger.Info("end-to-end encryption enabled", "device_id", current.credentials.DeviceID)
		return states, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil {
		err = errors.New("client reports encryption disabled after initialization")
	}
	c.logger.Warn("continuing without encryption",
		"error", &Error{Kind: KindEncryptionUnavailable, Err: err})
	return c.reconnect(current)
}

// reconnect replaces the live client with a new plaintext client for
// the same account. Handlers of the old client go stale immediately.
func (c *Controller) reconnect(current *session) (<-chan messaging.SyncState, error) {
	c.mu.Lock()
	previous := current.client
	current.client = nil
	current.cryptoEnabled = false
	c.generation++
	c.mu.Unlock()

	if err := shutdownClient(previous); err != nil {
		c.logger.Warn("shutting down previous client", "error", err)
	}
	return c.attach(current)
}

// recordCrypto stores whether the live client encrypts.
func (c *Controller) recordCrypto(current *session) {
	if current.store == nil {
		return
	}
	if err := current.store.Set(credstore.KeyCryptoActive, strconv.FormatBool(current.cryptoEnabled)); err != nil {
		c.logger.Warn("storing encryption state failed", "error", err)
	}
}

// shutdownClient stops the sync loop, clears the local stores and
// releases the client, attempting every step.
func shutdownClient(client Client) error {
	if client == nil {
		return nil
	}
	return errors.Join(client.Stop(), client.ClearStores(), client.Close())
}

// decryptionFailed starts the one-shot plaintext restart. Later
// failures, and failures before the room is ready, are only logged.
func (c *Controller) decryptionFailed(gen uint64, event messaging.Event, err error) {
	failure := &Error{Kind: KindDecryptionFailed, Err: err}

	c.mu.Lock()
	if gen != c.generation || c.session == nil {
		c.mu.Unlock()
		return
	}
	current := c.session
	if current.restarted || !c.phase.acceptsMessages() || !c.ready {
		c.mu.Unlock()
		c.logger.Warn("ignoring decryption failure", "event_id", event.EventID, "error", failure)
		return
	}
	current.restarted = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.ready = false
	c.tasks.Add(1)
	c.mu.Unlock()

	c.logger.Warn("restarting without encryption", "event_id", event.EventID, "error", failure)
	c.notify()
	go func() {
		defer c.tasks.Done()
		defer cancel()
		c.restart(ctx, gen)
	}()
}

// restart leaves the room, replaces the client with a plaintext one
// and opens a new room.
func (c *Controller) restart(ctx context.Context, gen uint64) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	current := c.currentSession(gen)
	if current == nil || ctx.Err() != nil {
		return
	}
	if c.exiting() {
		return
	}
	c.say(c.messages.RestartNotice)
	c.setPhase(PhaseInitializing, false)

	if !current.roomID.IsZero() {
		if err := current.client.LeaveRoom(ctx, current.roomID); err != nil {
			c.logger.Warn("leaving room before restart failed", "room_id", current.roomID, "error", err)
		}
		c.mu.Lock()
		current.roomID = ref.RoomID{}
		current.facilitatorJoined = false
		c.typing = ""
		c.mu.Unlock()
	}

	states, err := c.reconnect(current)
	if err == nil {
		err = c.openRoom(ctx, current, states)
	}
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		c.logger.Info("restart cancelled", "error", err)
		return
	}
	c.abandon(err)
}
