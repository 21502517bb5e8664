// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
)

// DirectSession is an authenticated Matrix session.
// It wraps a Client with an access token for making authenticated API calls.
//
// The access token is stored in a secret.Buffer (mmap-backed, locked against
// swap, excluded from core dumps). The caller must call Close when the
// DirectSession is no longer needed.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    ref.DeviceID

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified Matrix user ID (e.g., "@alice:example.org").
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID the server assigned at registration.
func (s *DirectSession) DeviceID() ref.DeviceID {
	return s.deviceID
}

// AccessToken returns the access token as a heap string. Use only at
// boundaries that need a string, such as persisting credentials.
func (s *DirectSession) AccessToken() string {
	return s.accessToken.String()
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request to establish a fresh TCP connection.
func (s *DirectSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Close releases the access token memory (zeros, unlocks, unmaps).
// Idempotent.
func (s *DirectSession) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// WhoAmI validates the access token and returns the user ID.
func (s *DirectSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// CreateRoom creates a new Matrix room.
func (s *DirectSession) CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: create room failed: %w", err)
	}

	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse createRoom response: %w", err)
	}

	s.client.logger.Info("created matrix room",
		"room_id", response.RoomID,
		"alias", request.Alias,
		"name", request.Name,
	)
	return &response, nil
}

// SendMessage sends an m.room.message to a room and returns the event ID.
func (s *DirectSession) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, EventTypeMessage, content)
}

// SendEvent sends an event of any type to a room with a fresh
// transaction ID and returns the event ID.
func (s *DirectSession) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	return s.SendEventWithTransaction(ctx, roomID, eventType, s.NewTransactionID(), content)
}

// SendEventWithTransaction sends an event under a caller-chosen
// transaction ID. The server deduplicates PUTs with the same ID, so a
// retried logical send that reuses it produces at most one event.
func (s *DirectSession) SendEventWithTransaction(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, transactionID string, content any) (ref.EventID, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/send/" + url.PathEscape(eventType.String()) +
		"/" + url.PathEscape(transactionID)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// SendStateEvent sends a state event to a room.
// State events use PUT with the event type and state key in the path.
func (s *DirectSession) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/state/" + url.PathEscape(eventType.String()) +
		"/" + url.PathEscape(stateKey)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send state event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send state response: %w", err)
	}
	return response.EventID, nil
}

// GetStateEvent fetches a specific state event's content from a room.
// Returns the raw JSON content for the caller to unmarshal (see GetState).
//
// If the state event does not exist, returns a *MatrixError with code M_NOT_FOUND.
func (s *DirectSession) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/state/" + url.PathEscape(eventType.String()) +
		"/" + url.PathEscape(stateKey)

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state event %s/%s in %q failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// SetPowerLevel sets one user's power level in a room, preserving the
// rest of the m.room.power_levels content.
func (s *DirectSession) SetPowerLevel(ctx context.Context, roomID ref.RoomID, userID ref.UserID, level int) error {
	powerLevels, err := GetState[PowerLevelsContent](ctx, s, roomID, EventTypePowerLevels, "")
	if err != nil {
		return fmt.Errorf("messaging: set power level: %w", err)
	}
	if powerLevels.Users == nil {
		powerLevels.Users = make(map[string]int)
	}
	powerLevels.Users[userID.String()] = level

	if _, err := s.SendStateEvent(ctx, roomID, EventTypePowerLevels, "", powerLevels); err != nil {
		return fmt.Errorf("messaging: set power level of %q in %q: %w", userID, roomID, err)
	}
	return nil
}

// JoinedRooms returns the list of room IDs the user has joined.
func (s *DirectSession) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}

	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// LeaveRoom leaves a room by ID.
func (s *DirectSession) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/leave"
	_, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return fmt.Errorf("messaging: leave room %q failed: %w", roomID, err)
	}
	return nil
}

// GetRoomMembers returns the members of a room.
func (s *DirectSession) GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/members"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get room members for %q failed: %w", roomID, err)
	}

	var response RoomMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room members response: %w", err)
	}

	members := make([]RoomMember, 0, len(response.Chunk))
	for _, event := range response.Chunk {
		userID, err := ref.ParseUserID(event.StateKey)
		if err != nil {
			s.client.logger.Warn("skipping member event with invalid state key",
				"room_id", roomID,
				"state_key", event.StateKey,
			)
			continue
		}
		members = append(members, RoomMember{
			UserID:      userID,
			DisplayName: event.Content.DisplayName,
			Membership:  event.Content.Membership,
		})
	}
	return members, nil
}

// SetDisplayName sets the session user's display name.
func (s *DirectSession) SetDisplayName(ctx context.Context, displayName string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(s.userID.String()) + "/displayname"
	_, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, DisplayNameRequest{DisplayName: displayName})
	if err != nil {
		return fmt.Errorf("messaging: set display name failed: %w", err)
	}
	return nil
}

// DeactivateAccount permanently deactivates the session's account,
// authenticating with its password. With erase set the server is asked
// to forget the account's messages as well. The password buffer is read
// but not closed.
//
// Some servers demand a UIA session even when the password stage is
// supplied up front; the 401 carries one and the request is repeated
// once with it.
func (s *DirectSession) DeactivateAccount(ctx context.Context, password *secret.Buffer, erase bool) error {
	if password == nil {
		return fmt.Errorf("messaging: password is required to deactivate an account")
	}

	auth := &AuthData{
		Type:       AuthTypePassword,
		Identifier: &UserIdentifier{Type: "m.id.user", User: s.userID.String()},
		User:       s.userID.String(),
		Password:   password.String(),
	}

	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/account/deactivate",
		s.accessToken, DeactivateRequest{Auth: auth, Erase: erase})
	if err != nil && isUnauthorizedUIAA(err) {
		var incomplete IncompleteRegistrationError
		if parseErr := json.Unmarshal(body, &incomplete); parseErr == nil && incomplete.Session != "" {
			auth.Session = incomplete.Session
			_, err = s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/account/deactivate",
				s.accessToken, DeactivateRequest{Auth: auth, Erase: erase})
		}
	}
	if err != nil {
		return fmt.Errorf("messaging: deactivate account %q failed: %w", s.userID, err)
	}

	s.client.logger.Info("deactivated matrix account", "user_id", s.userID, "erase", erase)
	return nil
}

// Sync performs a sync with the homeserver.
// For initial sync, leave options.Since empty.
// For long-polling, set options.Timeout to the desired wait in milliseconds.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// NewTransactionID returns a transaction ID unique to this session.
// Format: "supportchat-<timestamp_ms>-<counter>".
func (s *DirectSession) NewTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("supportchat-%d-%d", time.Now().UnixMilli(), counter)
}
