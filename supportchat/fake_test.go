// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/supportchat/e2ee"
	"github.com/bureau-foundation/supportchat/lib/clock"
	"github.com/bureau-foundation/supportchat/lib/config"
	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
	"github.com/bureau-foundation/supportchat/lib/testutil"
	"github.com/bureau-foundation/supportchat/messaging"
)

const (
	testHomeserver  = "https://matrix.example.org"
	testAlgorithm   = config.MegolmAlgorithm
	waitTimeout     = 5 * time.Second
	testRegSession  = "reg-session"
	testAccessToken = "syt_visitor"
)

var (
	testFacilitator = ref.MustParseUserID("@facilitator:example.org")
	testVisitor     = ref.MustParseUserID("@visitor:example.org")
	testRoomID      = ref.MustParseRoomID("!support:example.org")
	testStart       = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
)

var testMessages = config.Messages{
	Intro:            "intro",
	Agreement:        "agreement",
	Confirmation:     "confirmation",
	Exit:             "exit",
	Unavailable:      "unavailable",
	EncryptionNotice: "encrypted",
	PlaintextNotice:  "plaintext",
	RestartNotice:    "restarting",
}

// fakeRegistrar answers the opening request with a dummy flow and the real
// request with the visitor's credentials.
type fakeRegistrar struct {
	mu          sync.Mutex
	params      []messaging.RegistrationParams
	openErr     error
	registerErr error
}

func (r *fakeRegistrar) RegisterRequest(ctx context.Context, params messaging.RegistrationParams) (*messaging.AuthResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = append(r.params, params)
	if params.Auth == nil {
		if r.openErr != nil {
			return nil, r.openErr
		}
		return nil, &messaging.IncompleteRegistrationError{
			Session: testRegSession,
			Flows:   []messaging.AuthFlow{{Stages: []string{messaging.AuthTypeDummy}}},
		}
	}
	if r.registerErr != nil {
		return nil, r.registerErr
	}
	deviceID, _ := ref.ParseDeviceID("VISITORDEVICE")
	return &messaging.AuthResponse{UserID: testVisitor, AccessToken: testAccessToken, DeviceID: deviceID}, nil
}

func (r *fakeRegistrar) requests() []messaging.RegistrationParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messaging.RegistrationParams(nil), r.params...)
}

// fakeConnector builds fakeClients and records every protocol call in
// order across all of them.
type fakeConnector struct {
	registrar *fakeRegistrar
	// configure adjusts each new client before it is returned.
	configure func(index int, client *fakeClient)

	mu         sync.Mutex
	registrars int
	clients    []*fakeClient
	log        []string
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{registrar: &fakeRegistrar{}}
}

func (f *fakeConnector) Homeserver() string { return testHomeserver }

func (f *fakeConnector) NewRegistrar() (Registrar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrars++
	return f.registrar, nil
}

func (f *fakeConnector) Authenticate(credentials Credentials, handlers Handlers) (Client, error) {
	f.mu.Lock()
	client := &fakeClient{
		connector:   f,
		index:       len(f.clients),
		credentials: credentials,
		handlers:    handlers,
		roomID:      testRoomID,
		prepare:     true,
	}
	f.clients = append(f.clients, client)
	f.mu.Unlock()
	if f.configure != nil {
		f.configure(client.index, client)
	}
	return client, nil
}

func (f *fakeConnector) record(index int, call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, fmt.Sprintf("%d:%s", index, call))
}

func (f *fakeConnector) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeConnector) client(t *testing.T, index int) *fakeClient {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= len(f.clients) {
		t.Fatalf("client %d not built (have %d)", index, len(f.clients))
	}
	return f.clients[index]
}

func (f *fakeConnector) clientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeConnector) registrarCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registrars
}

type sentText struct {
	roomID        ref.RoomID
	transactionID string
	content       messaging.MessageContent
}

// fakeClient is a scriptable Client.
type fakeClient struct {
	connector   *fakeConnector
	index       int
	credentials Credentials
	handlers    Handlers

	// Script, set by fakeConnector.configure.
	cryptoErr     error
	cryptoInert   bool
	prepare       bool
	roomID        ref.RoomID
	createRoom    func(ctx context.Context) error
	sendErrs      []error
	members       []messaging.RoomMember
	devices       []e2ee.Device
	joined        []ref.RoomID
	joinedErr     error
	owner         ref.UserID
	whoamiErr     error
	deactivateErr error

	mu            sync.Mutex
	crypto        bool
	created       []messaging.CreateRoomRequest
	sent          []sentText
	known         []e2ee.DeviceRef
	verified      []e2ee.DeviceRef
	powerLevels   map[ref.UserID]int
	deactivations []string
	transactions  int
}

func (c *fakeClient) record(call string) { c.connector.record(c.index, call) }

func (c *fakeClient) UserID() ref.UserID     { return c.credentials.UserID }
func (c *fakeClient) DeviceID() ref.DeviceID { return c.credentials.DeviceID }

func (c *fakeClient) InitCrypto(ctx context.Context) error {
	c.record("init-crypto")
	if c.cryptoErr != nil {
		return c.cryptoErr
	}
	c.mu.Lock()
	c.crypto = !c.cryptoInert
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) CryptoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crypto
}

func (c *fakeClient) Start() error {
	c.record("start")
	if c.prepare {
		c.handlers.OnSync(messaging.SyncStatePrepared, nil)
	} else {
		c.handlers.OnSync(messaging.SyncStateError, errors.New("sync refused"))
		c.handlers.OnSync(messaging.SyncStateStopped, nil)
	}
	return nil
}

func (c *fakeClient) Stop() error        { c.record("stop"); return nil }
func (c *fakeClient) ClearStores() error { c.record("clear-stores"); return nil }
func (c *fakeClient) Close() error       { c.record("close"); return nil }

func (c *fakeClient) WhoAmI(ctx context.Context) (ref.UserID, error) {
	c.record("whoami")
	if c.whoamiErr != nil {
		return ref.UserID{}, c.whoamiErr
	}
	if !c.owner.IsZero() {
		return c.owner, nil
	}
	return c.credentials.UserID, nil
}

func (c *fakeClient) SetDisplayName(ctx context.Context, displayName string) error {
	c.record("display-name:" + displayName)
	return nil
}

func (c *fakeClient) CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (ref.RoomID, error) {
	c.record("create-room")
	if c.createRoom != nil {
		if err := c.createRoom(ctx); err != nil {
			return ref.RoomID{}, err
		}
	}
	c.mu.Lock()
	c.created = append(c.created, request)
	c.mu.Unlock()
	return c.roomID, nil
}

func (c *fakeClient) SetPowerLevel(ctx context.Context, roomID ref.RoomID, userID ref.UserID, level int) error {
	c.record("power-level")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.powerLevels == nil {
		c.powerLevels = make(map[ref.UserID]int)
	}
	c.powerLevels[userID] = level
	return nil
}

func (c *fakeClient) RoomMembers(ctx context.Context, roomID ref.RoomID) ([]messaging.RoomMember, error) {
	return c.members, nil
}

func (c *fakeClient) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	c.record("joined-rooms")
	return c.joined, c.joinedErr
}

func (c *fakeClient) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	c.record("leave:" + roomID.String())
	return nil
}

func (c *fakeClient) DeactivateAccount(ctx context.Context, password *secret.Buffer, erase bool) error {
	c.record(fmt.Sprintf("deactivate:erase=%t", erase))
	c.mu.Lock()
	c.deactivations = append(c.deactivations, password.String())
	c.mu.Unlock()
	return c.deactivateErr
}

func (c *fakeClient) NewTransactionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions++
	return fmt.Sprintf("txn-%d", c.transactions)
}

func (c *fakeClient) SendText(ctx context.Context, roomID ref.RoomID, transactionID string, content messaging.MessageContent) (ref.EventID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentText{roomID: roomID, transactionID: transactionID, content: content})
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return ref.EventID{}, err
		}
	}
	return ref.MustParseEventID(fmt.Sprintf("$sent%d", len(c.sent))), nil
}

func (c *fakeClient) DownloadKeys(ctx context.Context, userIDs []ref.UserID) ([]e2ee.Device, error) {
	return c.devices, nil
}

func (c *fakeClient) SetDeviceKnown(device e2ee.DeviceRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known = append(c.known, device)
	return nil
}

func (c *fakeClient) SetDeviceVerified(device e2ee.DeviceRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verified = append(c.verified, device)
	return nil
}

func (c *fakeClient) sentTexts() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText(nil), c.sent...)
}

func (c *fakeClient) createdRooms() []messaging.CreateRoomRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]messaging.CreateRoomRequest(nil), c.created...)
}

// controllerFixture wires a Controller to a fakeConnector and one
// MemoryStore.
type controllerFixture struct {
	controller *Controller
	connector  *fakeConnector
	store      *credstore.MemoryStore
	clock      *clock.FakeClock
	// storeSessions records the registration sessions passed to OpenStore.
	storeSessions []string
}

func newFixture(t *testing.T, encryption bool) *controllerFixture {
	t.Helper()
	fixture := &controllerFixture{
		connector: newFakeConnector(),
		store:     credstore.NewMemoryStore(),
		clock:     clock.Fake(testStart),
	}
	ids := 0
	controller, err := NewController(Config{
		Connector: fixture.connector,
		OpenStore: func(deviceID ref.DeviceID, registrationSession string) (credstore.Store, error) {
			fixture.storeSessions = append(fixture.storeSessions, registrationSession)
			return fixture.store, nil
		},
		Facilitator: testFacilitator,
		RoomLabel:   "Support Chat",
		DisplayName: "Anonymous",
		Encryption:  encryption,
		Algorithm:   testAlgorithm,
		Messages:    testMessages,
		Clock:       fixture.clock,
		NewID: func() string {
			ids++
			return fmt.Sprintf("id%d", ids)
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	fixture.controller = controller
	t.Cleanup(controller.Wait)
	return fixture
}

// accept starts the controller, agrees and waits for the room.
func (f *controllerFixture) accept(t *testing.T) View {
	t.Helper()
	f.controller.Start()
	if !f.controller.SubmitText(context.Background(), "yes") {
		t.Fatal("SubmitText(yes) was not consumed")
	}
	return f.waitPhase(t, PhaseAwaitingFacilitator)
}

func (f *controllerFixture) waitPhase(t *testing.T, phase Phase) View {
	t.Helper()
	var view View
	testutil.Eventually(t, waitTimeout, func() bool {
		view = f.controller.Snapshot()
		return view.Phase == phase && view.Ready
	}, "waiting for phase %s", phase)
	return view
}

// lockedBuffer is an io.Writer safe for the concurrent writes of a
// logger shared with controller goroutines.
type lockedBuffer struct {
	mu     sync.Mutex
	buffer strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

// captureLogs replaces the controller's logger with one writing to
// the returned buffer. Call before Start.
func (f *controllerFixture) captureLogs() *lockedBuffer {
	logs := &lockedBuffer{}
	f.controller.logger = slog.New(slog.NewTextHandler(logs, nil))
	return logs
}

// bodies lists the record bodies in display order.
func bodies(view View) []string {
	result := make([]string, len(view.Records))
	for index, record := range view.Records {
		result[index] = record.Content.Body
	}
	return result
}

func count(values []string, want string) int {
	n := 0
	for _, value := range values {
		if value == want {
			n++
		}
	}
	return n
}

func indexOf(values []string, prefix string) int {
	for index, value := range values {
		if strings.HasPrefix(value, prefix) {
			return index
		}
	}
	return -1
}

func messageEvent(id string, roomID ref.RoomID, sender ref.UserID, body string) messaging.Event {
	return messaging.Event{
		EventID: ref.MustParseEventID(id),
		Type:    messaging.EventTypeMessage,
		Sender:  sender,
		RoomID:  roomID,
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

func memberEvent(id string, userID ref.UserID, membership, displayName string) messaging.Event {
	stateKey := userID.String()
	return messaging.Event{
		EventID:  ref.MustParseEventID(id),
		Type:     messaging.EventTypeMember,
		Sender:   userID,
		RoomID:   testRoomID,
		StateKey: &stateKey,
		Content:  map[string]any{"membership": membership, "displayname": displayName},
	}
}
