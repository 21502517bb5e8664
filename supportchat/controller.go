// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/supportchat/lib/clock"
	"github.com/bureau-foundation/supportchat/lib/config"
	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
)

// StoreOpener returns the credential store for a newly registered
// device. registrationSession is the server-issued registration
// session ID.
type StoreOpener func(deviceID ref.DeviceID, registrationSession string) (credstore.Store, error)

// Config holds the dependencies and fixed settings of a Controller.
type Config struct {
	// Connector builds protocol clients. Required.
	Connector Connector
	// OpenStore opens the credential store. Required.
	OpenStore StoreOpener
	// Facilitator is invited to every room and promoted to power
	// level 100. Required.
	Facilitator ref.UserID

	// RoomLabel is the middle part of generated room names.
	RoomLabel string
	// DisplayName is set on every anonymous account. Empty skips it.
	DisplayName string
	// Encryption enables end-to-end encryption negotiation.
	Encryption bool
	// Algorithm goes into the room's m.room.encryption state.
	Algorithm string
	// Messages is the fixed text shown to the visitor.
	Messages config.Messages

	// Clock supplies room-name timestamps. If nil, clock.Real() is used.
	Clock clock.Clock
	// NewID generates usernames, passwords, alias suffixes and
	// synthetic record IDs. If nil, uuid.NewString is used.
	NewID func() string
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// View is a consistent copy of everything the rendering surface shows.
type View struct {
	Phase         Phase
	Ready         bool
	Open          bool
	Records       []MessageRecord
	Typing        string
	UserID        ref.UserID
	RoomID        ref.RoomID
	CryptoEnabled bool
}

// session is the live account and its protocol client.
type session struct {
	client        Client
	credentials   Credentials
	store         credstore.Store
	roomID        ref.RoomID
	cryptoEnabled bool
	// restarted is set once a decryption failure has restarted the
	// session in plaintext.
	restarted bool
	// facilitatorJoined records a facilitator join seen before the
	// room setup finished.
	facilitatorJoined bool
	// names maps room members to their display names for typing status.
	names map[ref.UserID]string
}

// Controller owns the support chat session and its state machine.
// All methods are safe for concurrent use.
type Controller struct {
	connector   Connector
	openStore   StoreOpener
	facilitator ref.UserID
	roomLabel   string
	displayName string
	encryption  bool
	algorithm   string
	messages    config.Messages
	clock       clock.Clock
	newID       func() string
	logger      *slog.Logger

	// opMu serializes network transitions: initialization, restart
	// and teardown.
	opMu sync.Mutex

	mu      sync.Mutex
	phase   Phase
	ready   bool
	open    bool
	records []MessageRecord
	seen    map[string]struct{}
	typing  string
	session *session
	// generation identifies the current client's handlers. Events
	// delivered to handlers of an older client are dropped.
	generation uint64
	// cancel aborts the in-flight initialization or restart.
	cancel context.CancelFunc

	tasks   sync.WaitGroup
	changes chan struct{}
}

// NewController validates config and returns an idle controller.
func NewController(config Config) (*Controller, error) {
	if config.Connector == nil {
		return nil, fmt.Errorf("supportchat: connector is required")
	}
	if config.OpenStore == nil {
		return nil, fmt.Errorf("supportchat: store opener is required")
	}
	if config.Facilitator.IsZero() {
		return nil, fmt.Errorf("supportchat: facilitator is required")
	}
	if config.Encryption && config.Algorithm == "" {
		return nil, fmt.Errorf("supportchat: encryption algorithm is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		connector:   config.Connector,
		openStore:   config.OpenStore,
		facilitator: config.Facilitator,
		roomLabel:   config.RoomLabel,
		displayName: config.DisplayName,
		encryption:  config.Encryption,
		algorithm:   config.Algorithm,
		messages:    config.Messages,
		clock:       config.Clock,
		newID:       config.NewID,
		logger:      logger,
		ready:       true,
		seen:        make(map[string]struct{}),
		changes:     make(chan struct{}, 1),
	}, nil
}

// Changes returns a channel that receives a value after the view
// changes. Notifications coalesce; read Snapshot after each one.
func (c *Controller) Changes() <-chan struct{} {
	return c.changes
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := View{
		Phase:   c.phase,
		Ready:   c.ready,
		Open:    c.open,
		Records: slices.Clone(c.records),
		Typing:  c.typing,
	}
	if c.session != nil {
		view.UserID = c.session.credentials.UserID
		view.RoomID = c.session.roomID
		view.CryptoEnabled = c.session.cryptoEnabled
	}
	return view
}

// ToggleOpen flips the widget's visibility. It never touches protocol
// state.
func (c *Controller) ToggleOpen() {
	c.mu.Lock()
	c.open = !c.open
	c.mu.Unlock()
	c.notify()
}

// Wait blocks until every background operation has returned.
func (c *Controller) Wait() {
	c.tasks.Wait()
}

// notify signals a view change without blocking.
func (c *Controller) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// appendLocked adds a record unless its ID was already shown.
// Caller holds mu.
func (c *Controller) appendLocked(record MessageRecord) bool {
	if _, ok := c.seen[record.ID]; ok {
		return false
	}
	c.seen[record.ID] = struct{}{}
	c.records = append(c.records, record)
	return true
}

// syntheticLocked builds a record that did not come from the server.
// Caller holds mu.
func (c *Controller) syntheticLocked(sender, body string) MessageRecord {
	record := MessageRecord{
		ID:      c.newID(),
		Type:    RecordTypeNotice,
		Sender:  sender,
		Content: RecordContent{Body: body},
	}
	if c.session != nil {
		record.RoomID = c.session.roomID
	}
	return record
}

// say appends a bot message. Empty text is skipped.
func (c *Controller) say(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	c.appendLocked(c.syntheticLocked(SenderBot, text))
	c.mu.Unlock()
	c.notify()
}

// setPhase moves to phase. Only Exit leaves PhaseExiting, so the
// call does nothing once Exit has begun.
func (c *Controller) setPhase(phase Phase, ready bool) {
	c.mu.Lock()
	previous := c.phase
	if previous == PhaseExiting {
		c.mu.Unlock()
		return
	}
	c.phase = phase
	c.ready = ready
	c.mu.Unlock()
	if previous != phase {
		c.logger.Info("phase changed", "from", previous, "to", phase)
	}
	c.notify()
}

// exiting reports whether Exit has begun tearing the session down.
func (c *Controller) exiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == PhaseExiting
}

// currentSession returns the live session if gen is still current.
func (c *Controller) currentSession(gen uint64) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return nil
	}
	return c.session
}

// closeSecret zeroes a secret buffer, ignoring nil.
func closeSecret(buffer *secret.Buffer) {
	if buffer != nil {
		buffer.Close()
	}
}
