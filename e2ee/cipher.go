// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"

	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/messaging"
)

// Cipher encrypts and decrypts room events for a Machine. It is handed
// only devices the Machine has already accepted.
type Cipher interface {
	// Algorithm is the m.room.encryption algorithm the cipher speaks,
	// e.g. "m.megolm.v1.aes-sha2".
	Algorithm() string

	// Setup is called once by Machine.Init with the published device
	// identity and the key API the cipher may use to claim one-time
	// keys and send to-device messages.
	Setup(ctx context.Context, identity *Identity, keys KeyAPI) error

	// Encrypt returns the m.room.encrypted content carrying an event
	// of eventType with content for recipients.
	Encrypt(ctx context.Context, roomID ref.RoomID, recipients []Device, eventType ref.EventType, content any) (map[string]any, error)

	// Decrypt returns the cleartext type and content of an
	// m.room.encrypted event.
	Decrypt(ctx context.Context, event messaging.Event) (ref.EventType, map[string]any, error)
}

// ToDeviceReceiver is implemented by ciphers that exchange keys over
// to-device messages. Machine.HandleToDevice forwards to it.
type ToDeviceReceiver interface {
	ReceiveToDevice(ctx context.Context, event messaging.ToDeviceEvent) error
}
