// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/supportchat/lib/clock"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/messaging"
)

// MegolmAlgorithm is the room encryption algorithm MegolmCipher speaks.
const MegolmAlgorithm = string(id.AlgorithmMegolmV1)

// eventTypeRoomKey carries a Megolm session key inside an Olm message.
const eventTypeRoomKey ref.EventType = "m.room_key"

// Rotation defaults, matching the m.room.encryption defaults.
const (
	defaultRotationMessages = 100
	defaultRotationPeriod   = 7 * 24 * time.Hour
)

// errClosed is returned by a cipher used after Close.
var errClosed = errors.New("cipher closed")

// MegolmConfig holds the settings of a MegolmCipher.
type MegolmConfig struct {
	// Clock times session rotation. If nil, clock.Real() is used.
	Clock clock.Clock
	// RotationMessages is how many messages an outbound session
	// encrypts before it is replaced. Zero means 100.
	RotationMessages int
	// RotationPeriod is how long an outbound session lives. Zero
	// means one week.
	RotationPeriod time.Duration
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// MegolmCipher implements m.megolm.v1.aes-sha2 room encryption. Each
// room gets an outbound group session whose key is shared with every
// recipient device over Olm. The session is replaced after
// RotationMessages messages, after RotationPeriod, or as soon as a
// device it was shared with stops being a recipient.
//
// One MegolmCipher serves one Machine. Safe for concurrent use.
type MegolmCipher struct {
	clock            clock.Clock
	rotationMessages int
	rotationPeriod   time.Duration
	logger           *slog.Logger

	mu       sync.Mutex
	identity *Identity
	keys     KeyAPI
	olm      *olmChannel
	outbound map[ref.RoomID]*outboundSession
	inbound  map[inboundSessionKey]*inboundSession
}

type outboundSession struct {
	session  olm.OutboundGroupSession
	created  time.Time
	messages int
	// shared maps each device holding the key to the signing key it
	// had when the key was sent.
	shared map[DeviceRef]string
}

type inboundSessionKey struct {
	senderKey string
	sessionID id.SessionID
}

type inboundSession struct {
	session olm.InboundGroupSession
	roomID  ref.RoomID
	sender  ref.UserID
	// seen maps message index to the event that used it.
	seen map[uint]ref.EventID
}

// megolmPayload is the cleartext of a Megolm message.
type megolmPayload struct {
	Type    ref.EventType   `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  ref.RoomID      `json:"room_id"`
}

// roomKeyContent is the content of an m.room_key event.
type roomKeyContent struct {
	Algorithm  string       `json:"algorithm"`
	RoomID     ref.RoomID   `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
}

// NewMegolmCipher creates a cipher. It is unusable until a Machine
// calls Setup.
func NewMegolmCipher(config MegolmConfig) *MegolmCipher {
	cipher := &MegolmCipher{
		clock:            config.Clock,
		rotationMessages: config.RotationMessages,
		rotationPeriod:   config.RotationPeriod,
		logger:           config.Logger,
		outbound:         make(map[ref.RoomID]*outboundSession),
		inbound:          make(map[inboundSessionKey]*inboundSession),
	}
	if cipher.clock == nil {
		cipher.clock = clock.Real()
	}
	if cipher.rotationMessages <= 0 {
		cipher.rotationMessages = defaultRotationMessages
	}
	if cipher.rotationPeriod <= 0 {
		cipher.rotationPeriod = defaultRotationPeriod
	}
	if cipher.logger == nil {
		cipher.logger = slog.Default()
	}
	return cipher
}

func (c *MegolmCipher) Algorithm() string { return MegolmAlgorithm }

func (c *MegolmCipher) Setup(ctx context.Context, identity *Identity, keys KeyAPI) error {
	if identity == nil || keys == nil {
		return fmt.Errorf("megolm needs an identity and a key API")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
	c.keys = keys
	c.olm = newOlmChannel(identity, keys, c.logger)
	return nil
}

// Encrypt encrypts an event with the room's outbound session, first
// sending its key to recipients that do not hold it yet.
func (c *MegolmCipher) Encrypt(ctx context.Context, roomID ref.RoomID, recipients []Device, eventType ref.EventType, content any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil, errClosed
	}

	outbound := c.outbound[roomID]
	if outbound == nil || c.needsRotation(outbound, recipients) {
		var err error
		if outbound, err = c.newOutboundSession(roomID); err != nil {
			return nil, err
		}
	}
	if err := c.shareRoomKey(ctx, roomID, outbound, recipients); err != nil {
		return nil, err
	}

	encodedContent, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(megolmPayload{Type: eventType, Content: encodedContent, RoomID: roomID})
	if err != nil {
		return nil, err
	}
	ciphertext, err := outbound.session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("megolm encrypt: %w", err)
	}
	outbound.messages++
	return map[string]any{
		"algorithm":  MegolmAlgorithm,
		"sender_key": c.identity.AgreementKey(),
		"ciphertext": string(ciphertext),
		"session_id": outbound.session.ID().String(),
		"device_id":  c.keys.DeviceID().String(),
	}, nil
}

func (c *MegolmCipher) needsRotation(outbound *outboundSession, recipients []Device) bool {
	if outbound.messages >= c.rotationMessages {
		return true
	}
	if c.clock.Now().Sub(outbound.created) >= c.rotationPeriod {
		return true
	}
	current := make(map[DeviceRef]string, len(recipients))
	for _, device := range recipients {
		current[device.Ref()] = device.SigningKey
	}
	for device, signingKey := range outbound.shared {
		if key, ok := current[device]; !ok || key != signingKey {
			return true
		}
	}
	return false
}

// newOutboundSession replaces the room's outbound session and keeps an
// inbound copy so this device can read its own messages.
func (c *MegolmCipher) newOutboundSession(roomID ref.RoomID) (*outboundSession, error) {
	session, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("creating megolm session: %w", err)
	}
	own, err := olm.NewInboundGroupSession([]byte(session.Key()))
	if err != nil {
		return nil, fmt.Errorf("creating megolm session: %w", err)
	}
	c.inbound[inboundSessionKey{senderKey: c.identity.AgreementKey(), sessionID: session.ID()}] = &inboundSession{
		session: own,
		roomID:  roomID,
		sender:  c.keys.UserID(),
		seen:    make(map[uint]ref.EventID),
	}
	outbound := &outboundSession{
		session: session,
		created: c.clock.Now(),
		shared:  make(map[DeviceRef]string),
	}
	c.outbound[roomID] = outbound
	c.logger.Info("megolm session started", "room_id", roomID, "session_id", session.ID())
	return outbound, nil
}

// shareRoomKey sends the current session key over Olm to every
// recipient that has not received it.
func (c *MegolmCipher) shareRoomKey(ctx context.Context, roomID ref.RoomID, outbound *outboundSession, recipients []Device) error {
	var pending []Device
	for _, device := range recipients {
		if _, ok := outbound.shared[device.Ref()]; !ok {
			pending = append(pending, device)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	ready, err := c.olm.ensureSessions(ctx, pending)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}

	roomKey := roomKeyContent{
		Algorithm:  MegolmAlgorithm,
		RoomID:     roomID,
		SessionID:  outbound.session.ID(),
		SessionKey: outbound.session.Key(),
	}
	messages := make(map[string]map[string]any)
	for _, device := range ready {
		encrypted, err := c.olm.encrypt(device, eventTypeRoomKey, roomKey)
		if err != nil {
			return err
		}
		user := device.UserID.String()
		if messages[user] == nil {
			messages[user] = make(map[string]any)
		}
		messages[user][device.DeviceID.String()] = encrypted
	}
	if err := c.keys.SendToDevice(ctx, messaging.EventTypeEncrypted, messages); err != nil {
		return fmt.Errorf("sending room key: %w", err)
	}
	for _, device := range ready {
		outbound.shared[device.Ref()] = device.SigningKey
	}
	c.logger.Debug("room key shared", "room_id", roomID, "devices", len(ready))
	return nil
}

// Decrypt opens an m.room.encrypted room event with a session key
// received earlier. Each message index is accepted for one event only.
func (c *MegolmCipher) Decrypt(ctx context.Context, event messaging.Event) (ref.EventType, map[string]any, error) {
	algorithm := event.ContentString("algorithm")
	if algorithm != MegolmAlgorithm {
		return "", nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	key := inboundSessionKey{
		senderKey: event.ContentString("sender_key"),
		sessionID: id.SessionID(event.ContentString("session_id")),
	}
	ciphertext := event.ContentString("ciphertext")
	if key.senderKey == "" || key.sessionID == "" || ciphertext == "" {
		return "", nil, fmt.Errorf("malformed megolm content")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return "", nil, errClosed
	}
	inbound := c.inbound[key]
	if inbound == nil {
		return "", nil, fmt.Errorf("no room key for session %s", key.sessionID)
	}
	if inbound.roomID != event.RoomID {
		return "", nil, fmt.Errorf("session %s belongs to %s", key.sessionID, inbound.roomID)
	}
	if inbound.sender != event.Sender {
		return "", nil, fmt.Errorf("session %s belongs to %s, not %s", key.sessionID, inbound.sender, event.Sender)
	}

	plaintext, index, err := inbound.session.Decrypt([]byte(ciphertext))
	if err != nil {
		return "", nil, fmt.Errorf("megolm decrypt: %w", err)
	}
	if previous, ok := inbound.seen[index]; ok && previous != event.EventID {
		return "", nil, fmt.Errorf("message index %d of session %s replayed", index, key.sessionID)
	}
	inbound.seen[index] = event.EventID

	var payload megolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return "", nil, fmt.Errorf("unreadable megolm payload: %w", err)
	}
	if payload.RoomID != event.RoomID {
		return "", nil, fmt.Errorf("payload encrypted for %s", payload.RoomID)
	}
	var content map[string]any
	if err := json.Unmarshal(payload.Content, &content); err != nil {
		return "", nil, fmt.Errorf("unreadable event content: %w", err)
	}
	return payload.Type, content, nil
}

// ReceiveToDevice accepts room keys sent over Olm. Other to-device
// events are ignored.
func (c *MegolmCipher) ReceiveToDevice(ctx context.Context, event messaging.ToDeviceEvent) error {
	if event.Type != messaging.EventTypeEncrypted {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return errClosed
	}
	payload, senderKey, err := c.olm.decrypt(ctx, event)
	if err != nil {
		return err
	}
	if payload.Type != eventTypeRoomKey {
		c.logger.Debug("ignoring to-device payload", "type", payload.Type, "sender", event.Sender)
		return nil
	}

	var roomKey roomKeyContent
	if err := json.Unmarshal(payload.Content, &roomKey); err != nil {
		return fmt.Errorf("unreadable room key: %w", err)
	}
	if roomKey.Algorithm != MegolmAlgorithm {
		return fmt.Errorf("room key for unsupported algorithm %q", roomKey.Algorithm)
	}
	key := inboundSessionKey{senderKey: senderKey, sessionID: roomKey.SessionID}
	if _, ok := c.inbound[key]; ok {
		return nil
	}
	session, err := olm.NewInboundGroupSession([]byte(roomKey.SessionKey))
	if err != nil {
		return fmt.Errorf("importing room key: %w", err)
	}
	if session.ID() != roomKey.SessionID {
		return fmt.Errorf("room key names session %s but holds %s", roomKey.SessionID, session.ID())
	}
	c.inbound[key] = &inboundSession{
		session: session,
		roomID:  roomKey.RoomID,
		sender:  payload.Sender,
		seen:    make(map[uint]ref.EventID),
	}
	c.logger.Info("room key received",
		"room_id", roomKey.RoomID,
		"session_id", roomKey.SessionID,
		"sender", payload.Sender,
	)
	return nil
}

// Close drops every session. The identity stays owned by the Machine.
func (c *MegolmCipher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = nil
	c.keys = nil
	c.olm = nil
	clear(c.outbound)
	clear(c.inbound)
}
