// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/supportchat/lib/clock"
	"github.com/bureau-foundation/supportchat/lib/netutil"
	"github.com/bureau-foundation/supportchat/lib/ref"
)

// SyncState is the lifecycle state a Syncer reports to its handlers.
type SyncState string

const (
	// SyncStatePrepared follows the first successful (history-free)
	// sync. The session is usable from here on.
	SyncStatePrepared SyncState = "PREPARED"
	// SyncStateSyncing follows the first successful long-poll and any
	// recovery from SyncStateError.
	SyncStateSyncing SyncState = "SYNCING"
	// SyncStateError is reported once the consecutive failure budget
	// is spent. The loop keeps retrying.
	SyncStateError SyncState = "ERROR"
	// SyncStateStopped is the last state reported before Run returns.
	SyncStateStopped SyncState = "STOPPED"
)

// SyncFilter configures what a Syncer receives from /sync. A nil
// *SyncFilter means every room the user has joined, m.typing as the
// only ephemeral type, and no presence or account data.
type SyncFilter struct {
	// Rooms restricts the sync to these rooms. Empty means all rooms.
	Rooms []ref.RoomID `json:"rooms,omitempty"`

	// TimelineTypes restricts timeline events to these Matrix event
	// types. An empty slice means all timeline types.
	TimelineTypes []string `json:"timeline_types,omitempty"`

	// EphemeralTypes restricts ephemeral events. Empty means m.typing.
	EphemeralTypes []string `json:"ephemeral_types,omitempty"`
}

// buildInlineFilter constructs the inline JSON filter string for
// /sync. The initial filter asks for an empty timeline so a fresh
// session does not replay room history.
func buildInlineFilter(filter *SyncFilter, initial bool) string {
	roomFilter := map[string]any{}
	ephemeralTypes := []string{EventTypeTyping.String()}

	if filter != nil {
		if len(filter.Rooms) > 0 {
			rooms := make([]string, len(filter.Rooms))
			for index, roomID := range filter.Rooms {
				rooms[index] = roomID.String()
			}
			roomFilter["rooms"] = rooms
		}
		if len(filter.TimelineTypes) > 0 {
			roomFilter["timeline"] = map[string]any{"types": filter.TimelineTypes}
		}
		if len(filter.EphemeralTypes) > 0 {
			ephemeralTypes = filter.EphemeralTypes
		}
	}
	roomFilter["ephemeral"] = map[string]any{"types": ephemeralTypes}
	if initial {
		roomFilter["timeline"] = map[string]any{"limit": 0}
	}

	top := map[string]any{
		"room":         roomFilter,
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}

	data, _ := json.Marshal(top)
	return string(data)
}

// SyncHandlers receive what a Syncer observes. Handlers run on the
// sync goroutine, one at a time, in delivery order; a slow handler
// delays the next /sync. Nil handlers are skipped.
type SyncHandlers struct {
	// OnState is called on every state transition.
	OnState func(state SyncState, err error)

	// OnRoomEvent receives state events, then timeline events, of
	// each joined room.
	OnRoomEvent func(roomID ref.RoomID, event Event)

	// OnEphemeral receives ephemeral events (typing notifications)
	// after the room's timeline.
	OnEphemeral func(roomID ref.RoomID, event EphemeralEvent)

	// OnToDevice receives to-device events before any room event of
	// the same response, so room keys arrive ahead of the messages
	// they unlock.
	OnToDevice func(event ToDeviceEvent)
}

// SyncerConfig holds the dependencies of a Syncer.
type SyncerConfig struct {
	// Session performs the /sync requests. Required.
	Session Session
	// Handlers are fixed at construction so a session's subscriptions
	// are attached exactly once.
	Handlers SyncHandlers
	// Filter scopes the sync. Nil uses the default filter.
	Filter *SyncFilter
	// Clock paces retries. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// maxSyncRetries is the number of consecutive /sync failures tolerated
// before the Syncer reports SyncStateError.
const maxSyncRetries = 5

// longPollTimeout is the server-side long-poll hold time in
// milliseconds for normal /sync calls.
const longPollTimeout = 30000

// retryTimeout is the server-side timeout in milliseconds used for the
// request following a /sync error.
const retryTimeout = 1000

// Retry backoff doubles from minRetryBackoff up to maxRetryBackoff.
const (
	minRetryBackoff = time.Second
	maxRetryBackoff = 30 * time.Second
)

// Syncer runs the /sync loop for one session and dispatches what it
// receives to SyncHandlers.
//
// Run blocks; Start and Stop manage a background Run. A Syncer runs at
// most once.
type Syncer struct {
	session  Session
	handlers SyncHandlers
	filter   *SyncFilter
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	state   SyncState
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// NewSyncer creates a Syncer for the session in config.
func NewSyncer(config SyncerConfig) (*Syncer, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("messaging: syncer requires a session")
	}
	syncClock := config.Clock
	if syncClock == nil {
		syncClock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		session:  config.Session,
		handlers: config.Handlers,
		filter:   config.Filter,
		clock:    syncClock,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// State returns the most recently reported state, or the empty string
// before the first sync completes.
func (s *Syncer) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start runs the loop in a background goroutine until Stop is called
// or ctx is cancelled.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("messaging: syncer already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		err := s.run(runCtx)
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
	}()
	return nil
}

// Stop cancels a background loop and waits for it to exit. Returns the
// loop's terminal error, if any. Safe to call more than once and on a
// Syncer that was never started.
func (s *Syncer) Stop() error {
	s.mu.Lock()
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Done is closed when a background loop started with Start exits.
func (s *Syncer) Done() <-chan struct{} {
	return s.done
}

// Run performs the initial sync, reports SyncStatePrepared, then
// long-polls until ctx is cancelled. Cancellation is a clean stop and
// returns nil. Network failures and server-side errors (5xx,
// M_LIMIT_EXCEEDED) are retried with backoff. Any other failure, such
// as an invalidated access token (M_UNKNOWN_TOKEN), stops the loop with
// an error, as does exhausting the retry budget before the initial sync
// has succeeded.
func (s *Syncer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("messaging: syncer already started")
	}
	s.started = true
	s.cancel = func() {}
	s.mu.Unlock()

	defer close(s.done)
	err := s.run(ctx)
	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()
	return err
}

func (s *Syncer) run(ctx context.Context) error {
	defer s.setState(SyncStateStopped, nil)

	nextBatch, err := s.initialSync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.setState(SyncStatePrepared, nil)

	steadyFilter := buildInlineFilter(s.filter, false)
	var syncRetries int
	for {
		syncTimeout := longPollTimeout
		if syncRetries > 0 {
			syncTimeout = retryTimeout
		}
		response, err := s.session.Sync(ctx, SyncOptions{
			Since:      nextBatch,
			SetTimeout: true,
			Timeout:    syncTimeout,
			Filter:     steadyFilter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !retryable(err) {
				s.setState(SyncStateError, err)
				return fmt.Errorf("messaging: sync stopped: %w", err)
			}
			syncRetries++
			if netutil.IsTransient(err) {
				s.session.CloseIdleConnections()
			}
			if syncRetries == maxSyncRetries {
				s.setState(SyncStateError, err)
			}
			s.logger.Warn("sync error, retrying",
				"user_id", s.session.UserID(),
				"attempt", syncRetries,
				"error", err,
			)
			if !s.sleep(ctx, backoff(syncRetries)) {
				return nil
			}
			continue
		}
		syncRetries = 0
		nextBatch = response.NextBatch
		s.setState(SyncStateSyncing, nil)
		s.dispatch(response)
	}
}

// initialSync obtains the starting sync token without timeline
// history. Its response is not dispatched.
func (s *Syncer) initialSync(ctx context.Context) (string, error) {
	initialFilter := buildInlineFilter(s.filter, true)
	var attempts int
	for {
		response, err := s.session.Sync(ctx, SyncOptions{
			SetTimeout: true,
			Timeout:    0,
			Filter:     initialFilter,
		})
		if err == nil {
			return response.NextBatch, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		attempts++
		if netutil.IsTransient(err) {
			s.session.CloseIdleConnections()
		}
		if attempts >= maxSyncRetries || !retryable(err) {
			s.setState(SyncStateError, err)
			return "", fmt.Errorf("messaging: initial sync failed after %d attempts: %w", attempts, err)
		}
		s.logger.Debug("initial sync error, retrying",
			"attempt", attempts,
			"max_attempts", maxSyncRetries,
			"error", err,
		)
		if !s.sleep(ctx, backoff(attempts)) {
			return "", ctx.Err()
		}
	}
}

// dispatch delivers a response to the handlers: to-device events
// first, then per room, state events, then timeline events, then
// ephemeral events. Rooms are visited in room ID order so delivery is
// deterministic.
func (s *Syncer) dispatch(response *SyncResponse) {
	if s.handlers.OnToDevice != nil {
		for _, event := range response.ToDevice.Events {
			s.handlers.OnToDevice(event)
		}
	}

	roomIDs := make([]ref.RoomID, 0, len(response.Rooms.Join))
	for roomID := range response.Rooms.Join {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Slice(roomIDs, func(i, j int) bool {
		return roomIDs[i].String() < roomIDs[j].String()
	})

	for _, roomID := range roomIDs {
		joined := response.Rooms.Join[roomID]
		if s.handlers.OnRoomEvent != nil {
			for _, event := range joined.State.Events {
				event.RoomID = roomID
				s.handlers.OnRoomEvent(roomID, event)
			}
			for _, event := range joined.Timeline.Events {
				event.RoomID = roomID
				s.handlers.OnRoomEvent(roomID, event)
			}
		}
		if s.handlers.OnEphemeral != nil {
			for _, event := range joined.Ephemeral.Events {
				s.handlers.OnEphemeral(roomID, event)
			}
		}
	}
}

// retryable reports whether a failed /sync is worth repeating: the
// network dropped, or the server is overloaded or failing. Client
// errors are the server's decision and end the loop.
func retryable(err error) bool {
	if netutil.IsTransient(err) {
		return true
	}
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return false
	}
	return matrixErr.StatusCode >= http.StatusInternalServerError ||
		matrixErr.StatusCode == http.StatusTooManyRequests ||
		matrixErr.Code == ErrCodeLimitExceeded
}

// setState records and reports a transition. Repeated reports of the
// same state are suppressed.
func (s *Syncer) setState(state SyncState, err error) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.logger.Debug("sync state changed", "state", string(state))
	if s.handlers.OnState != nil {
		s.handlers.OnState(state, err)
	}
}

// sleep waits for d or ctx. Reports false if ctx ended first.
func (s *Syncer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

func backoff(attempt int) time.Duration {
	delay := minRetryBackoff
	for i := 1; i < attempt && delay < maxRetryBackoff; i++ {
		delay *= 2
	}
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	return delay
}

