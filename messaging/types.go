// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
)

// Event types this client reads or writes.
const (
	EventTypeMessage     ref.EventType = "m.room.message"
	EventTypeEncrypted   ref.EventType = "m.room.encrypted"
	EventTypeEncryption  ref.EventType = "m.room.encryption"
	EventTypeMember      ref.EventType = "m.room.member"
	EventTypePowerLevels ref.EventType = "m.room.power_levels"
	EventTypeTyping      ref.EventType = "m.typing"
)

// Membership values of m.room.member events.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// Authentication stage types used by registration and deactivation.
const (
	AuthTypeDummy    = "m.login.dummy"
	AuthTypePassword = "m.login.password"
)

// RegistrationParams holds one step of the registration exchange. The
// zero value is the empty opening request that starts User-Interactive
// Authentication. Password is read but not closed; the caller owns it.
type RegistrationParams struct {
	Username                 string
	Password                 *secret.Buffer
	Auth                     *AuthData
	ShowMSISDN               bool
	InitialDeviceDisplayName string
}

// AuthData is the "auth" object completing a UIAA stage.
type AuthData struct {
	Type       string          `json:"type"`
	Session    string          `json:"session,omitempty"`
	Identifier *UserIdentifier `json:"identifier,omitempty"`
	User       string          `json:"user,omitempty"`
	Password   string          `json:"password,omitempty"`
}

// UserIdentifier names the account a password stage authenticates.
type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type registrationBody struct {
	Username                 string    `json:"username,omitempty"`
	Password                 string    `json:"password,omitempty"`
	Auth                     *AuthData `json:"auth,omitempty"`
	ShowMSISDN               bool      `json:"x_show_msisdn,omitempty"`
	InitialDeviceDisplayName string    `json:"initial_device_display_name,omitempty"`
}

// AuthResponse is returned by a completed registration.
type AuthResponse struct {
	UserID      ref.UserID   `json:"user_id"`
	AccessToken string       `json:"access_token"`
	DeviceID    ref.DeviceID `json:"device_id"`
}

// CreateRoomRequest holds parameters for creating a Matrix room.
type CreateRoomRequest struct {
	Name                      string         `json:"name,omitempty"`
	Topic                     string         `json:"topic,omitempty"`
	Alias                     string         `json:"room_alias_name,omitempty"` // local alias without # or :server
	Visibility                string         `json:"visibility,omitempty"`      // "public" or "private"
	Preset                    string         `json:"preset,omitempty"`          // "private_chat", "trusted_private_chat"
	Invite                    []string       `json:"invite,omitempty"`
	InitialState              []StateEvent   `json:"initial_state,omitempty"`
	PowerLevelContentOverride map[string]any `json:"power_level_content_override,omitempty"`
}

// CreateRoomResponse is returned by CreateRoom.
type CreateRoomResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

// StateEvent represents a Matrix state event for room creation.
type StateEvent struct {
	Type     ref.EventType `json:"type"`
	StateKey string        `json:"state_key"`
	Content  any           `json:"content"`
}

// EncryptionContent is the content of m.room.encryption.
type EncryptionContent struct {
	Algorithm string `json:"algorithm"`
}

// PowerLevelsContent is the content of m.room.power_levels. Fields this
// client never edits are preserved through Extra so a read-modify-write
// does not drop them.
type PowerLevelsContent struct {
	Users        map[string]int             `json:"users,omitempty"`
	UsersDefault int                        `json:"users_default"`
	Extra        map[string]json.RawMessage `json:"-"`
}

// MarshalJSON writes Users and UsersDefault over the preserved fields.
func (p PowerLevelsContent) MarshalJSON() ([]byte, error) {
	merged := make(map[string]any, len(p.Extra)+2)
	for key, value := range p.Extra {
		merged[key] = value
	}
	if p.Users != nil {
		merged["users"] = p.Users
	}
	merged["users_default"] = p.UsersDefault
	return json.Marshal(merged)
}

// UnmarshalJSON splits the known fields from the rest.
func (p *PowerLevelsContent) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = PowerLevelsContent{Extra: make(map[string]json.RawMessage)}
	for key, value := range raw {
		switch key {
		case "users":
			if err := json.Unmarshal(value, &p.Users); err != nil {
				return err
			}
		case "users_default":
			if err := json.Unmarshal(value, &p.UsersDefault); err != nil {
				return err
			}
		default:
			p.Extra[key] = value
		}
	}
	return nil
}

// MessageContent is the content body of an m.room.message event.
// Format and FormattedBody carry the rich rendering of Body when the
// sender produced one.
type MessageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// NewTextMessage creates a plain m.text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{
		MsgType: "m.text",
		Body:    body,
	}
}

// Event represents a Matrix event from the server.
type Event struct {
	EventID        ref.EventID    `json:"event_id"`
	Type           ref.EventType  `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// ContentString returns a top-level string field of the content, or
// the empty string when absent or not a string.
func (e Event) ContentString(key string) string {
	value, _ := e.Content[key].(string)
	return value
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter (needed to distinguish "not set" from "0")
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string          `json:"next_batch"`
	Rooms     RoomsSection    `json:"rooms"`
	ToDevice  ToDeviceSection `json:"to_device"`
}

// ToDeviceSection holds the to-device events addressed to this device.
type ToDeviceSection struct {
	Events []ToDeviceEvent `json:"events"`
}

// ToDeviceEvent is an event sent directly to this device, outside any
// room. Encrypted key exchange arrives this way.
type ToDeviceEvent struct {
	Type    ref.EventType  `json:"type"`
	Sender  ref.UserID     `json:"sender"`
	Content map[string]any `json:"content"`
}

// RoomsSection contains per-room sync data grouped by membership state.
// Map keys are room IDs; encoding/json uses ref.RoomID's TextUnmarshaler
// for validation at deserialization.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline  TimelineSection  `json:"timeline"`
	State     StateSection     `json:"state"`
	Ephemeral EphemeralSection `json:"ephemeral"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// EphemeralSection contains ephemeral events (m.typing, m.receipt).
type EphemeralSection struct {
	Events []EphemeralEvent `json:"events"`
}

// EphemeralEvent is an event that is not persisted in the room DAG.
type EphemeralEvent struct {
	Type    ref.EventType   `json:"type"`
	Content json.RawMessage `json:"content"`
}

// TypingContent is the content of an m.typing ephemeral event: the
// complete set of users currently typing in the room.
type TypingContent struct {
	UserIDs []ref.UserID `json:"user_ids"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id,omitempty"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// RoomMember represents a member of a Matrix room.
type RoomMember struct {
	UserID      ref.UserID `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Membership  string     `json:"membership"`
}

// RoomMembersResponse is returned by the /members endpoint.
type RoomMembersResponse struct {
	Chunk []RoomMemberEvent `json:"chunk"`
}

// RoomMemberEvent is a member state event from the /members endpoint.
type RoomMemberEvent struct {
	Type     string            `json:"type"`
	StateKey string            `json:"state_key"`
	Sender   ref.UserID        `json:"sender"`
	Content  RoomMemberContent `json:"content"`
}

// RoomMemberContent is the content of a m.room.member state event.
type RoomMemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
}

// DisplayNameRequest is the body of PUT /profile/{userId}/displayname.
type DisplayNameRequest struct {
	DisplayName string `json:"displayname"`
}

// DeactivateRequest is the body of POST /account/deactivate.
type DeactivateRequest struct {
	Auth  *AuthData `json:"auth,omitempty"`
	Erase bool      `json:"erase"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// DeviceKeys is a device's signed identity key bundle as published via
// /keys/upload and returned by /keys/query.
type DeviceKeys struct {
	UserID     ref.UserID                   `json:"user_id"`
	DeviceID   ref.DeviceID                 `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned   map[string]any               `json:"unsigned,omitempty"`

	// Raw is the bundle as received, kept so signatures can be checked
	// over fields this struct does not model.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the bundle and keeps the raw bytes in Raw.
func (d *DeviceKeys) UnmarshalJSON(data []byte) error {
	type plain DeviceKeys
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*d = DeviceKeys(decoded)
	d.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// UploadKeysRequest is the body of POST /keys/upload.
type UploadKeysRequest struct {
	DeviceKeys  *DeviceKeys    `json:"device_keys,omitempty"`
	OneTimeKeys map[string]any `json:"one_time_keys,omitempty"`
}

// UploadKeysResponse reports the server-side count of one-time keys.
type UploadKeysResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// QueryKeysRequest is the body of POST /keys/query. An empty device
// list for a user requests all of that user's devices.
type QueryKeysRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
	Timeout    int                 `json:"timeout,omitempty"`
}

// ClaimKeysRequest is the body of POST /keys/claim: for each user and
// device, the algorithm of the one-time key wanted.
type ClaimKeysRequest struct {
	OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	Timeout     int                          `json:"timeout,omitempty"`
}

// ClaimKeysResponse maps user ID to device ID to key ID to the claimed
// key object. Signed keys are kept raw so their signatures can be
// checked.
type ClaimKeysResponse struct {
	OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
	Failures    map[string]any                                   `json:"failures,omitempty"`
}

// SendToDeviceRequest is the body of PUT /sendToDevice.
type SendToDeviceRequest struct {
	Messages map[string]map[string]any `json:"messages"`
}

// QueryKeysResponse maps user ID to device ID to key bundle. Failures
// lists remote servers that could not be reached.
type QueryKeysResponse struct {
	DeviceKeys map[string]map[string]DeviceKeys `json:"device_keys"`
	Failures   map[string]any                   `json:"failures,omitempty"`
}
