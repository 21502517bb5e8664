// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"

	"github.com/bureau-foundation/supportchat/e2ee"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
	"github.com/bureau-foundation/supportchat/messaging"
)

// Registrar performs registration requests against a homeserver.
// *messaging.Client implements it.
type Registrar interface {
	RegisterRequest(ctx context.Context, params messaging.RegistrationParams) (*messaging.AuthResponse, error)
}

// Credentials identify a registered anonymous account.
type Credentials struct {
	UserID      ref.UserID
	DeviceID    ref.DeviceID
	AccessToken string
	// Password authenticates account deactivation. The controller owns it.
	Password *secret.Buffer
}

// Handlers receive a client's inbound stream. They are bound when the
// client is built and never replaced, so each client instance has
// exactly one set.
type Handlers struct {
	// OnSync reports sync loop state changes.
	OnSync func(state messaging.SyncState, err error)
	// OnTimeline receives every state and timeline event as delivered,
	// including events that are still encrypted.
	OnTimeline func(event messaging.Event)
	// OnDecrypted receives the outcome of decrypting an
	// m.room.encrypted event when encryption is enabled.
	OnDecrypted func(event messaging.Event, err error)
	// OnTyping receives the complete set of users typing in a room.
	OnTyping func(roomID ref.RoomID, userIDs []ref.UserID)
}

// Connector builds protocol clients.
type Connector interface {
	// Homeserver returns the base URL clients connect to.
	Homeserver() string
	// NewRegistrar returns an unauthenticated client for registration.
	NewRegistrar() (Registrar, error)
	// Authenticate returns a new client for an existing account. The
	// client performs no I/O until used.
	Authenticate(credentials Credentials, handlers Handlers) (Client, error)
}

// Client is an authenticated protocol client handle.
type Client interface {
	UserID() ref.UserID
	DeviceID() ref.DeviceID

	// InitCrypto prepares end-to-end encryption. On error the client
	// must not be used for encrypted traffic.
	InitCrypto(ctx context.Context) error
	// CryptoEnabled reports whether InitCrypto succeeded.
	CryptoEnabled() bool

	// Start begins the sync loop. Stop ends it and waits for the
	// handlers to return.
	Start() error
	Stop() error
	// ClearStores drops the client's local key and trust state.
	ClearStores() error
	// Close releases the access token.
	Close() error

	// WhoAmI returns the account the access token belongs to.
	WhoAmI(ctx context.Context) (ref.UserID, error)
	SetDisplayName(ctx context.Context, displayName string) error
	CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (ref.RoomID, error)
	SetPowerLevel(ctx context.Context, roomID ref.RoomID, userID ref.UserID, level int) error
	RoomMembers(ctx context.Context, roomID ref.RoomID) ([]messaging.RoomMember, error)
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)
	LeaveRoom(ctx context.Context, roomID ref.RoomID) error
	DeactivateAccount(ctx context.Context, password *secret.Buffer, erase bool) error

	// NewTransactionID returns an ID for SendText. Reusing it across
	// retries of one logical send lets the server deduplicate.
	NewTransactionID() string
	// SendText sends a message, encrypting it when encryption is
	// enabled. Returns *e2ee.UnknownDeviceError when unacknowledged
	// devices block the send.
	SendText(ctx context.Context, roomID ref.RoomID, transactionID string, content messaging.MessageContent) (ref.EventID, error)

	DownloadKeys(ctx context.Context, userIDs []ref.UserID) ([]e2ee.Device, error)
	SetDeviceKnown(device e2ee.DeviceRef) error
	SetDeviceVerified(device e2ee.DeviceRef) error
}
