// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"

	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
)

// Session is the set of authenticated Matrix operations a support
// session performs. *DirectSession is the production implementation;
// tests substitute fakes.
type Session interface {
	// UserID returns the fully-qualified Matrix user ID.
	UserID() ref.UserID

	// DeviceID returns the server-assigned device ID.
	DeviceID() ref.DeviceID

	// Close releases any resources held by the session. Idempotent.
	Close() error

	// CreateRoom creates a new Matrix room.
	CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error)

	// GetStateEvent fetches a specific state event's content from a room.
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error)

	// SendStateEvent sends a state event to a room.
	SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error)

	// SetPowerLevel sets one user's power level in a room.
	SetPowerLevel(ctx context.Context, roomID ref.RoomID, userID ref.UserID, level int) error

	// SendEventWithTransaction sends an event under a caller-chosen
	// transaction ID.
	SendEventWithTransaction(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, transactionID string, content any) (ref.EventID, error)

	// NewTransactionID returns a transaction ID unique to the session.
	NewTransactionID() string

	// LeaveRoom leaves a room.
	LeaveRoom(ctx context.Context, roomID ref.RoomID) error

	// JoinedRooms returns the rooms the user has joined.
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)

	// GetRoomMembers returns the members of a room.
	GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error)

	// DeactivateAccount deactivates the account using its password.
	DeactivateAccount(ctx context.Context, password *secret.Buffer, erase bool) error

	// SetDisplayName sets the user's display name.
	SetDisplayName(ctx context.Context, displayName string) error

	// UploadKeys publishes device keys.
	UploadKeys(ctx context.Context, request UploadKeysRequest) (*UploadKeysResponse, error)

	// QueryKeys downloads device keys for users.
	QueryKeys(ctx context.Context, request QueryKeysRequest) (*QueryKeysResponse, error)

	// ClaimKeys claims one-time keys of other devices.
	ClaimKeys(ctx context.Context, request ClaimKeysRequest) (*ClaimKeysResponse, error)

	// SendToDevice delivers events straight to devices.
	SendToDevice(ctx context.Context, eventType ref.EventType, messages map[string]map[string]any) error

	// Sync performs one /sync request.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	// CloseIdleConnections drops pooled connections after a network error.
	CloseIdleConnections()
}

// Compile-time check: *DirectSession implements Session.
var _ Session = (*DirectSession)(nil)
