// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"errors"

	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
	"github.com/bureau-foundation/supportchat/messaging"
)

// syncStateBuffer holds the sync states reported before the
// controller starts waiting for PREPARED.
const syncStateBuffer = 8

// initialize runs one initialization attempt. On failure the partial
// session is torn down and the visitor is returned to the agreement
// prompt with the unavailable message. A cancelled attempt leaves the
// session for Exit to tear down.
func (c *Controller) initialize(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	err := c.bootstrap(ctx)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		c.logger.Info("initialization cancelled", "error", err)
		return
	}
	c.abandon(err)
}

// bootstrap registers an anonymous account, builds its client,
// negotiates encryption and opens the support room.
func (c *Controller) bootstrap(ctx context.Context) error {
	registrar, err := c.connector.NewRegistrar()
	if err != nil {
		return newError(KindClientUnavailable, "building registration client: %w", err)
	}

	credentials, registrationSession, err := c.register(ctx, registrar)
	if err != nil {
		return err
	}
	current := &session{credentials: credentials}
	c.mu.Lock()
	c.session = current
	c.mu.Unlock()

	if err := c.persist(current, registrationSession); err != nil {
		return err
	}

	states, err := c.attach(current)
	if err != nil {
		return err
	}

	if c.displayName != "" {
		if err := current.client.SetDisplayName(ctx, c.displayName); err != nil {
			c.logger.Warn("setting display name failed", "user_id", credentials.UserID, "error", err)
		}
	}

	if c.encryption {
		states, err = c.negotiate(ctx, current, states)
		if err != nil {
			return err
		}
	}
	return c.openRoom(ctx, current, states)
}

// register performs the two-phase dummy registration: an empty request
// for the server's registration session, then the real request with a
// random username and password.
func (c *Controller) register(ctx context.Context, registrar Registrar) (Credentials, string, error) {
	_, err := registrar.RegisterRequest(ctx, messaging.RegistrationParams{})
	var incomplete *messaging.IncompleteRegistrationError
	if !errors.As(err, &incomplete) {
		if err == nil {
			err = errors.New("server accepted an unauthenticated registration")
		}
		return Credentials{}, "", newError(KindRegistrationFailed, "opening registration: %w", err)
	}
	if !incomplete.Offers(messaging.AuthTypeDummy) {
		c.logger.Warn("server does not advertise dummy registration, trying anyway", "flows", len(incomplete.Flows))
	}

	password, err := secret.NewFromString(c.newID())
	if err != nil {
		return Credentials{}, "", &Error{Kind: KindRegistrationFailed, Err: err}
	}
	response, err := registrar.RegisterRequest(ctx, messaging.RegistrationParams{
		Username: c.newID(),
		Password: password,
		Auth: &messaging.AuthData{
			Type:    messaging.AuthTypeDummy,
			Session: incomplete.Session,
		},
		ShowMSISDN:               true,
		InitialDeviceDisplayName: c.displayName,
	})
	if err != nil {
		password.Close()
		return Credentials{}, "", newError(KindRegistrationFailed, "dummy registration: %w", err)
	}

	c.logger.Info("registered anonymous account", "user_id", response.UserID, "device_id", response.DeviceID)
	return Credentials{
		UserID:      response.UserID,
		DeviceID:    response.DeviceID,
		AccessToken: response.AccessToken,
		Password:    password,
	}, incomplete.Session, nil
}

// persist opens the credential store and records everything needed to
// tear the account down later, including after a crash.
func (c *Controller) persist(current *session, registrationSession string) error {
	store, err := c.openStore(current.credentials.DeviceID, registrationSession)
	if err != nil {
		return newError(KindRegistrationFailed, "opening credential store: %w", err)
	}
	c.mu.Lock()
	current.store = store
	c.mu.Unlock()

	values := []struct{ key, value string }{
		{credstore.KeyHomeserver, c.connector.Homeserver()},
		{credstore.KeyUserID, current.credentials.UserID.String()},
		{credstore.KeyDeviceID, current.credentials.DeviceID.String()},
		{credstore.KeyAccessToken, current.credentials.AccessToken},
		{credstore.KeyPassword, current.credentials.Password.String()},
	}
	for _, entry := range values {
		if err := store.Set(entry.key, entry.value); err != nil {
			return newError(KindRegistrationFailed, "storing %s: %w", entry.key, err)
		}
	}
	return nil
}

// attach builds a client for current and makes it the live client.
// The returned channel receives the client's sync states.
func (c *Controller) attach(current *session) (<-chan messaging.SyncState, error) {
	c.mu.Lock()
	gen := c.generation + 1
	c.mu.Unlock()

	states := make(chan messaging.SyncState, syncStateBuffer)
	client, err := c.connector.Authenticate(current.credentials, c.handlers(gen, states))
	if err != nil {
		return nil, newError(KindClientUnavailable, "building client: %w", err)
	}

	c.mu.Lock()
	c.generation = gen
	current.client = client
	current.names = make(map[ref.UserID]string)
	c.session = current
	c.mu.Unlock()
	return states, nil
}

// startSync starts the client's sync loop and waits until it reports
// PREPARED.
func (c *Controller) startSync(ctx context.Context, current *session, states <-chan messaging.SyncState) error {
	if err := current.client.Start(); err != nil {
		return newError(KindClientUnavailable, "starting sync: %w", err)
	}
	for {
		select {
		case state := <-states:
			switch state {
			case messaging.SyncStatePrepared:
				return nil
			case messaging.SyncStateStopped:
				return newError(KindClientUnavailable, "sync stopped before the client was ready")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// abandon tears down a failed attempt and returns the visitor to the
// agreement prompt. Failures of a non-fatal kind, or unclassified
// ones, still end the attempt and are reported as registration
// failures. Once Exit has begun the prompt is left alone.
func (c *Controller) abandon(err error) {
	var classified *Error
	if !errors.As(err, &classified) || !classified.Kind.Fatal() {
		classified = &Error{Kind: KindRegistrationFailed, Err: err}
	}
	c.logger.Error("session setup failed", "kind", classified.Kind.String(), "error", err)

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	// dismantle logs its own failures.
	_ = c.dismantle(ctx, c.detach())
	if c.exiting() {
		return
	}
	c.say(c.messages.Unavailable)
	c.setPhase(PhaseAwaitingAgreement, true)
}
