// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/messaging"
)

// facilitatorPowerLevel lets the facilitator moderate the room.
const facilitatorPowerLevel = 100

// roomAliasPrefix starts every support room's local alias.
const roomAliasPrefix = "private-support-chat-"

// openRoom starts syncing, creates the support room once the client
// is prepared, and waits for the facilitator.
func (c *Controller) openRoom(ctx context.Context, current *session, states <-chan messaging.SyncState) error {
	c.recordCrypto(current)
	if err := c.startSync(ctx, current, states); err != nil {
		return err
	}

	roomID, err := c.createRoom(ctx, current)
	if err != nil {
		return err
	}

	if err := current.client.SetPowerLevel(ctx, roomID, c.facilitator, facilitatorPowerLevel); err != nil {
		c.logger.Warn("promoting facilitator failed", "room_id", roomID, "user_id", c.facilitator, "error", err)
	}

	if current.cryptoEnabled {
		c.verifyMembers(ctx, current, roomID)
	} else {
		c.say(c.messages.PlaintextNotice)
	}
	c.say(c.messages.Confirmation)

	c.mu.Lock()
	phase := PhaseAwaitingFacilitator
	if current.facilitatorJoined {
		phase = PhaseActive
	}
	c.mu.Unlock()
	c.setPhase(phase, true)
	return nil
}

// roomName is "<date> - <label> - started at <time>".
func (c *Controller) roomName() string {
	now := c.clock.Now()
	return fmt.Sprintf("%s - %s - started at %s", now.Format("1/2/2006"), c.roomLabel, now.Format("3:04:05 PM"))
}

// createRoom creates the private room with the facilitator invited.
func (c *Controller) createRoom(ctx context.Context, current *session) (ref.RoomID, error) {
	request := messaging.CreateRoomRequest{
		Name:       c.roomName(),
		Alias:      roomAliasPrefix + c.newID(),
		Invite:     []string{c.facilitator.String()},
		Visibility: "private",
	}
	if current.cryptoEnabled {
		request.InitialState = []messaging.StateEvent{{
			Type:    messaging.EventTypeEncryption,
			Content: messaging.EncryptionContent{Algorithm: c.algorithm},
		}}
	}

	roomID, err := current.client.CreateRoom(ctx, request)
	if err != nil {
		return ref.RoomID{}, newError(KindRegistrationFailed, "creating room: %w", err)
	}
	c.mu.Lock()
	current.roomID = roomID
	c.mu.Unlock()
	c.logger.Info("support room created", "room_id", roomID, "encrypted", current.cryptoEnabled)

	if current.store != nil {
		if err := current.store.Set(credstore.KeyRoomID, roomID.String()); err != nil {
			c.logger.Warn("storing room ID failed", "room_id", roomID, "error", err)
		}
	}
	return roomID, nil
}

// verifyMembers marks every device of every joined or invited member
// verified. Failures are logged; unverified devices surface later as
// unknown-device send failures.
func (c *Controller) verifyMembers(ctx context.Context, current *session, roomID ref.RoomID) {
	members, err := current.client.RoomMembers(ctx, roomID)
	if err != nil {
		c.logger.Warn("listing room members failed", "room_id", roomID, "error", err)
		return
	}
	var users []ref.UserID
	for _, member := range members {
		if member.Membership == messaging.MembershipJoin || member.Membership == messaging.MembershipInvite {
			users = append(users, member.UserID)
		}
	}
	devices, err := current.client.DownloadKeys(ctx, users)
	if err != nil {
		c.logger.Warn("downloading member keys failed", "room_id", roomID, "error", err)
		return
	}
	for _, device := range devices {
		if err := current.client.SetDeviceVerified(device.Ref()); err != nil {
			c.logger.Warn("verifying device failed", "device", device.Ref().String(), "error", err)
		}
	}
}
