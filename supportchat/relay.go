// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"errors"

	"github.com/bureau-foundation/supportchat/e2ee"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/richtext"
	"github.com/bureau-foundation/supportchat/messaging"
)

// maxUnknownDeviceRetries bounds the resends of one message after
// acknowledging unknown devices.
const maxUnknownDeviceRetries = 5

// send delivers text to the room. All attempts of one send share a
// transaction ID so the server keeps at most one copy. The message is
// displayed when the timeline delivers it back.
func (c *Controller) send(ctx context.Context, client Client, roomID ref.RoomID, text string) bool {
	content := messaging.NewTextMessage(text)
	if rendered, formatted := richtext.HTML(text); formatted {
		content.Format = richtext.HTMLFormat
		content.FormattedBody = rendered
	}

	transactionID := client.NewTransactionID()
	acknowledged := make(map[e2ee.DeviceRef]struct{})
	for attempt := 0; ; attempt++ {
		eventID, err := client.SendText(ctx, roomID, transactionID, content)
		if err == nil {
			c.logger.Debug("message sent", "room_id", roomID, "event_id", eventID)
			return true
		}

		var unknown *e2ee.UnknownDeviceError
		if !errors.As(err, &unknown) {
			c.logger.Error("message not sent", "room_id", roomID, "error", &Error{Kind: KindSendFailed, Err: err})
			return false
		}
		if attempt == maxUnknownDeviceRetries {
			c.logger.Error("message not sent, unknown devices persist", "room_id", roomID,
				"retries", attempt, "error", &Error{Kind: KindSendFailed, Err: err})
			return false
		}

		fresh := 0
		for _, device := range unknown.Devices {
			if _, seen := acknowledged[device]; seen {
				continue
			}
			acknowledged[device] = struct{}{}
			fresh++
			if err := client.SetDeviceKnown(device); err != nil {
				c.logger.Warn("acknowledging device failed", "device", device.String(), "error", err)
			}
		}
		if fresh == 0 {
			c.logger.Error("message not sent, server repeated acknowledged devices", "room_id", roomID,
				"error", &Error{Kind: KindSendFailed, Err: err})
			return false
		}
		c.logger.Info("acknowledged unknown devices, resending", "room_id", roomID, "devices", fresh,
			"error", &Error{Kind: KindUnknownDevice, Err: err})
	}
}

// handlers binds a client's inbound stream to generation gen.
func (c *Controller) handlers(gen uint64, states chan<- messaging.SyncState) Handlers {
	return Handlers{
		OnSync: func(state messaging.SyncState, err error) {
			select {
			case states <- state:
			default:
			}
			if c.currentSession(gen) == nil {
				return
			}
			switch state {
			case messaging.SyncStateError:
				c.logger.Warn("sync failing, still retrying", "error", err)
			case messaging.SyncStateStopped:
				if err != nil {
					c.logger.Error("sync stopped", "error", err)
				}
			case messaging.SyncStateSyncing:
				c.logger.Debug("syncing")
			}
		},
		OnTimeline: func(event messaging.Event) {
			c.onTimeline(gen, event)
		},
		OnDecrypted: func(event messaging.Event, err error) {
			if err != nil {
				c.decryptionFailed(gen, event, err)
				return
			}
			c.onDecrypted(gen, event)
		},
		OnTyping: func(roomID ref.RoomID, userIDs []ref.UserID) {
			c.onTyping(gen, roomID, userIDs)
		},
	}
}

// roomSessionLocked returns the live session if gen is current and
// roomID is its room. Before the room exists any room matches, since
// a fresh account has no other. Caller holds mu.
func (c *Controller) roomSessionLocked(gen uint64, roomID ref.RoomID) *session {
	if gen != c.generation || c.session == nil {
		return nil
	}
	if !c.session.roomID.IsZero() && c.session.roomID != roomID {
		return nil
	}
	return c.session
}

func (c *Controller) onTimeline(gen uint64, event messaging.Event) {
	c.mu.Lock()
	current := c.roomSessionLocked(gen, event.RoomID)
	if current == nil {
		c.mu.Unlock()
		return
	}

	changed := false
	switch event.Type {
	case messaging.EventTypeEncryption:
		if c.messages.EncryptionNotice != "" && !event.EventID.IsZero() {
			notice := c.syntheticLocked(SenderBot, c.messages.EncryptionNotice)
			notice.ID = event.EventID.String()
			changed = c.appendLocked(notice)
		}

	case messaging.EventTypeMember:
		changed = c.memberLocked(current, event)

	case messaging.EventTypeMessage:
		if !current.cryptoEnabled {
			if record, ok := normalize(event); ok {
				changed = c.appendLocked(record)
			}
		}
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// memberLocked tracks display names and the facilitator's arrival.
// Caller holds mu.
func (c *Controller) memberLocked(current *session, event messaging.Event) bool {
	if event.StateKey == nil {
		return false
	}
	userID, err := ref.ParseUserID(*event.StateKey)
	if err != nil {
		return false
	}
	if name := event.ContentString("displayname"); name != "" {
		current.names[userID] = name
	}
	if userID != c.facilitator || event.ContentString("membership") != messaging.MembershipJoin {
		return false
	}
	current.facilitatorJoined = true
	if c.phase != PhaseAwaitingFacilitator {
		return false
	}
	c.phase = PhaseActive
	c.logger.Info("facilitator joined", "room_id", current.roomID, "user_id", userID)
	return true
}

func (c *Controller) onDecrypted(gen uint64, event messaging.Event) {
	c.mu.Lock()
	changed := false
	if c.roomSessionLocked(gen, event.RoomID) != nil {
		if record, ok := normalize(event); ok {
			changed = c.appendLocked(record)
		}
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// onTyping shows the first member other than the visitor who is
// typing in the support room, or clears the status.
func (c *Controller) onTyping(gen uint64, roomID ref.RoomID, userIDs []ref.UserID) {
	c.mu.Lock()
	current := c.roomSessionLocked(gen, roomID)
	if current == nil || current.roomID.IsZero() {
		c.mu.Unlock()
		return
	}
	typing := ""
	for _, userID := range userIDs {
		if userID == current.credentials.UserID {
			continue
		}
		typing = current.names[userID]
		if typing == "" {
			typing = userID.Localpart()
		}
		break
	}
	changed := typing != c.typing
	c.typing = typing
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}
