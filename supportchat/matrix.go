// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bureau-foundation/supportchat/e2ee"
	"github.com/bureau-foundation/supportchat/lib/clock"
	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
	"github.com/bureau-foundation/supportchat/messaging"
)

// MatrixConfig configures a MatrixConnector.
type MatrixConfig struct {
	// HomeserverURL is the base URL of the homeserver. Required.
	HomeserverURL string
	// HTTPClient is shared by every client. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// NewCipher returns the room-event cipher for one client. Each
	// client gets its own, since a cipher holds one device's sessions.
	// Nil leaves encryption unavailable.
	NewCipher func() e2ee.Cipher
	// Clock paces sync retries. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// MatrixConnector builds clients backed by the messaging and e2ee
// packages.
type MatrixConnector struct {
	config MatrixConfig
	logger *slog.Logger
}

// NewMatrixConnector validates config and returns a connector.
func NewMatrixConnector(config MatrixConfig) (*MatrixConnector, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("supportchat: homeserver URL is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixConnector{config: config, logger: logger}, nil
}

func (m *MatrixConnector) Homeserver() string {
	return m.config.HomeserverURL
}

func (m *MatrixConnector) newClient() (*messaging.Client, error) {
	return messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: m.config.HomeserverURL,
		HTTPClient:    m.config.HTTPClient,
		Logger:        m.logger,
	})
}

func (m *MatrixConnector) NewRegistrar() (Registrar, error) {
	return m.newClient()
}

func (m *MatrixConnector) Authenticate(credentials Credentials, handlers Handlers) (Client, error) {
	client, err := m.newClient()
	if err != nil {
		return nil, err
	}
	session, err := client.SessionFromToken(credentials.UserID, credentials.DeviceID, credentials.AccessToken)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With("user_id", credentials.UserID, "device_id", credentials.DeviceID)
	localStore := credstore.NewMemoryStore()
	var cipher e2ee.Cipher
	if m.config.NewCipher != nil {
		cipher = m.config.NewCipher()
	}
	machine, err := e2ee.NewMachine(e2ee.MachineConfig{
		Keys:   session,
		Store:  localStore,
		Cipher: cipher,
		Logger: logger,
	})
	if err != nil {
		session.Close()
		return nil, err
	}

	matrix := &matrixClient{
		session:    session,
		machine:    machine,
		localStore: localStore,
		handlers:   handlers,
		logger:     logger,
	}
	matrix.syncer, err = messaging.NewSyncer(messaging.SyncerConfig{
		Session: session,
		Handlers: messaging.SyncHandlers{
			OnState:     handlers.OnSync,
			OnRoomEvent: matrix.onRoomEvent,
			OnEphemeral: matrix.onEphemeral,
			OnToDevice:  matrix.onToDevice,
		},
		Clock:  m.config.Clock,
		Logger: logger,
	})
	if err != nil {
		session.Close()
		return nil, err
	}
	return matrix, nil
}

// matrixClient is a Client over one DirectSession.
type matrixClient struct {
	session    *messaging.DirectSession
	machine    *e2ee.Machine
	localStore *credstore.MemoryStore
	syncer     *messaging.Syncer
	handlers   Handlers
	logger     *slog.Logger
}

func (c *matrixClient) UserID() ref.UserID     { return c.session.UserID() }
func (c *matrixClient) DeviceID() ref.DeviceID { return c.session.DeviceID() }

func (c *matrixClient) InitCrypto(ctx context.Context) error { return c.machine.Init(ctx) }
func (c *matrixClient) CryptoEnabled() bool                  { return c.machine.Enabled() }

func (c *matrixClient) Start() error {
	return c.syncer.Start(context.Background())
}

func (c *matrixClient) Stop() error {
	err := c.syncer.Stop()
	if err != nil && !messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
		return err
	}
	return nil
}

func (c *matrixClient) ClearStores() error {
	c.machine.Close()
	return c.localStore.Reset()
}

func (c *matrixClient) Close() error { return c.session.Close() }

func (c *matrixClient) WhoAmI(ctx context.Context) (ref.UserID, error) {
	return c.session.WhoAmI(ctx)
}

func (c *matrixClient) SetDisplayName(ctx context.Context, displayName string) error {
	return c.session.SetDisplayName(ctx, displayName)
}

func (c *matrixClient) CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (ref.RoomID, error) {
	response, err := c.session.CreateRoom(ctx, request)
	if err != nil {
		return ref.RoomID{}, err
	}
	return response.RoomID, nil
}

func (c *matrixClient) SetPowerLevel(ctx context.Context, roomID ref.RoomID, userID ref.UserID, level int) error {
	return c.session.SetPowerLevel(ctx, roomID, userID, level)
}

func (c *matrixClient) RoomMembers(ctx context.Context, roomID ref.RoomID) ([]messaging.RoomMember, error) {
	return c.session.GetRoomMembers(ctx, roomID)
}

func (c *matrixClient) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	return c.session.JoinedRooms(ctx)
}

func (c *matrixClient) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	return c.session.LeaveRoom(ctx, roomID)
}

func (c *matrixClient) DeactivateAccount(ctx context.Context, password *secret.Buffer, erase bool) error {
	return c.session.DeactivateAccount(ctx, password, erase)
}

func (c *matrixClient) NewTransactionID() string { return c.session.NewTransactionID() }

func (c *matrixClient) SendText(ctx context.Context, roomID ref.RoomID, transactionID string, content messaging.MessageContent) (ref.EventID, error) {
	if !c.machine.Enabled() {
		return c.session.SendEventWithTransaction(ctx, roomID, messaging.EventTypeMessage, transactionID, content)
	}

	members, err := c.session.GetRoomMembers(ctx, roomID)
	if err != nil {
		return ref.EventID{}, err
	}
	var recipients []ref.UserID
	for _, member := range members {
		if member.Membership == messaging.MembershipJoin || member.Membership == messaging.MembershipInvite {
			recipients = append(recipients, member.UserID)
		}
	}
	encrypted, err := c.machine.Encrypt(ctx, roomID, recipients, messaging.EventTypeMessage, content)
	if err != nil {
		return ref.EventID{}, err
	}
	return c.session.SendEventWithTransaction(ctx, roomID, messaging.EventTypeEncrypted, transactionID, encrypted)
}

func (c *matrixClient) DownloadKeys(ctx context.Context, userIDs []ref.UserID) ([]e2ee.Device, error) {
	return c.machine.DownloadKeys(ctx, userIDs)
}

func (c *matrixClient) SetDeviceKnown(device e2ee.DeviceRef) error {
	return c.machine.SetDeviceKnown(device)
}

func (c *matrixClient) SetDeviceVerified(device e2ee.DeviceRef) error {
	return c.machine.SetDeviceVerified(device)
}

// onRoomEvent forwards a synced event and, for encrypted events on an
// encrypting client, the decryption outcome.
func (c *matrixClient) onRoomEvent(roomID ref.RoomID, event messaging.Event) {
	if c.handlers.OnTimeline != nil {
		c.handlers.OnTimeline(event)
	}
	if event.Type != messaging.EventTypeEncrypted || !c.machine.Enabled() {
		return
	}
	decrypted, err := c.machine.Decrypt(context.Background(), event)
	var decryptionErr *e2ee.DecryptionError
	if err != nil && !errors.As(err, &decryptionErr) {
		err = &e2ee.DecryptionError{EventID: event.EventID, RoomID: roomID, Err: err}
	}
	if c.handlers.OnDecrypted != nil {
		c.handlers.OnDecrypted(decrypted, err)
	}
}

// onToDevice hands key exchange messages to the machine.
func (c *matrixClient) onToDevice(event messaging.ToDeviceEvent) {
	if err := c.machine.HandleToDevice(context.Background(), event); err != nil {
		c.logger.Warn("to-device event rejected", "type", event.Type, "sender", event.Sender, "error", err)
	}
}

func (c *matrixClient) onEphemeral(roomID ref.RoomID, event messaging.EphemeralEvent) {
	if event.Type != messaging.EventTypeTyping || c.handlers.OnTyping == nil {
		return
	}
	var typing messaging.TypingContent
	if err := json.Unmarshal(event.Content, &typing); err != nil {
		c.logger.Warn("malformed typing event", "room_id", roomID, "error", err)
		return
	}
	c.handlers.OnTyping(roomID, typing.UserIDs)
}
