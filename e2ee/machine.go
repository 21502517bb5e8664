// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/messaging"
)

// KeyAPI is the part of a Matrix session the Machine needs.
// *messaging.DirectSession implements it.
type KeyAPI interface {
	UserID() ref.UserID
	DeviceID() ref.DeviceID
	UploadKeys(ctx context.Context, request messaging.UploadKeysRequest) (*messaging.UploadKeysResponse, error)
	QueryKeys(ctx context.Context, request messaging.QueryKeysRequest) (*messaging.QueryKeysResponse, error)
	ClaimKeys(ctx context.Context, request messaging.ClaimKeysRequest) (*messaging.ClaimKeysResponse, error)
	SendToDevice(ctx context.Context, eventType ref.EventType, messages map[string]map[string]any) error
}

// oneTimeKeyAlgorithm is the only one-time key type published.
const oneTimeKeyAlgorithm = "signed_curve25519"

// oneTimeKeyTarget is how many unclaimed one-time keys Init keeps on
// the server.
const oneTimeKeyTarget = 50

// Device is a downloaded, signature-checked device key bundle.
type Device struct {
	UserID     ref.UserID
	DeviceID   ref.DeviceID
	SigningKey string // Ed25519, unpadded base64
	Agreement  string // Curve25519, unpadded base64
	Algorithms []string
	Trust      Trust
}

// Ref returns the device's (user, device) pair.
func (d Device) Ref() DeviceRef {
	return DeviceRef{UserID: d.UserID, DeviceID: d.DeviceID}
}

// MachineConfig holds the dependencies of a Machine.
type MachineConfig struct {
	// Keys publishes and downloads device keys. Required.
	Keys KeyAPI
	// Store holds the identity keys and trust records. Required.
	Store credstore.Store
	// Cipher encrypts room events. Nil makes Init fail with
	// ErrUnavailable.
	Cipher Cipher
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Machine is the encryption state of one device. Safe for concurrent use.
type Machine struct {
	keys   KeyAPI
	trust  trustStore
	cipher Cipher
	logger *slog.Logger

	mu          sync.Mutex
	identity    *Identity
	initialized bool
	devices     map[ref.UserID]map[ref.DeviceID]Device
}

// NewMachine creates a Machine. It performs no I/O; call Init.
func NewMachine(config MachineConfig) (*Machine, error) {
	if config.Keys == nil {
		return nil, fmt.Errorf("e2ee: machine requires a key API")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("e2ee: machine requires a store")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		keys:    config.Keys,
		trust:   trustStore{store: config.Store},
		cipher:  config.Cipher,
		logger:  logger,
		devices: make(map[ref.UserID]map[ref.DeviceID]Device),
	}, nil
}

// Init loads or creates the device identity, publishes the signed
// device keys and prepares the cipher. Calling Init on an initialized
// Machine does nothing.
func (m *Machine) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	if m.cipher == nil {
		return ErrUnavailable
	}

	identity, generated, err := LoadOrGenerateIdentity(m.trust.store)
	if err != nil {
		return err
	}

	deviceKeys, err := m.signedDeviceKeys(identity)
	if err != nil {
		identity.Close()
		return err
	}
	response, err := m.keys.UploadKeys(ctx, messaging.UploadKeysRequest{DeviceKeys: deviceKeys})
	if err != nil {
		identity.Close()
		return fmt.Errorf("e2ee: publishing device keys: %w", err)
	}
	published := response.OneTimeKeyCounts[oneTimeKeyAlgorithm]
	if published < oneTimeKeyTarget {
		published, err = publishOneTimeKeys(ctx, m.keys, identity, oneTimeKeyTarget-published)
		if err != nil {
			identity.Close()
			return err
		}
	}
	if err := m.cipher.Setup(ctx, identity, m.keys); err != nil {
		identity.Close()
		return fmt.Errorf("e2ee: preparing %s: %w", m.cipher.Algorithm(), err)
	}

	m.identity = identity
	m.initialized = true
	m.logger.Info("device keys published",
		"user_id", m.keys.UserID(),
		"device_id", m.keys.DeviceID(),
		"algorithm", m.cipher.Algorithm(),
		"new_identity", generated,
		"one_time_keys", published,
	)
	return nil
}

// publishOneTimeKeys generates count signed one-time keys, uploads
// them, and returns the server's new count.
func publishOneTimeKeys(ctx context.Context, keys KeyAPI, identity *Identity, count int) (int, error) {
	keyID := "ed25519:" + keys.DeviceID().String()
	oneTimeKeys, err := identity.signedOneTimeKeys(keys.UserID().String(), keyID, count)
	if err != nil {
		return 0, err
	}
	response, err := keys.UploadKeys(ctx, messaging.UploadKeysRequest{OneTimeKeys: oneTimeKeys})
	if err != nil {
		return 0, fmt.Errorf("e2ee: publishing one-time keys: %w", err)
	}
	return response.OneTimeKeyCounts[oneTimeKeyAlgorithm], nil
}

// HandleToDevice passes a to-device event to the cipher. Events that
// arrive before Init, or for a cipher that does not exchange keys this
// way, are dropped.
func (m *Machine) HandleToDevice(ctx context.Context, event messaging.ToDeviceEvent) error {
	if !m.Enabled() {
		return nil
	}
	receiver, ok := m.cipher.(ToDeviceReceiver)
	if !ok {
		return nil
	}
	if err := receiver.ReceiveToDevice(ctx, event); err != nil {
		return fmt.Errorf("e2ee: to-device %s from %s: %w", event.Type, event.Sender, err)
	}
	return nil
}

// Enabled reports whether Init has succeeded.
func (m *Machine) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Algorithm returns the cipher's algorithm, or "" without a cipher.
func (m *Machine) Algorithm() string {
	if m.cipher == nil {
		return ""
	}
	return m.cipher.Algorithm()
}

func (m *Machine) signedDeviceKeys(identity *Identity) (*messaging.DeviceKeys, error) {
	userID := m.keys.UserID()
	deviceID := m.keys.DeviceID()
	keys := &messaging.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{m.cipher.Algorithm()},
		Keys: map[string]string{
			"ed25519:" + deviceID.String():    identity.SigningKey(),
			"curve25519:" + deviceID.String(): identity.AgreementKey(),
		},
	}
	message, err := canonicalJSON(keys)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encoding device keys: %w", err)
	}
	signature, err := identity.Sign(message)
	if err != nil {
		return nil, err
	}
	keys.Signatures = map[string]map[string]string{
		userID.String(): {"ed25519:" + deviceID.String(): signature},
	}
	return keys, nil
}

// DownloadKeys fetches the device keys of users and returns every
// device whose self-signature checks out, with its current trust.
// A device whose signing key changed since the last download loses its
// trust record.
func (m *Machine) DownloadKeys(ctx context.Context, users []ref.UserID) ([]Device, error) {
	if len(users) == 0 {
		return nil, nil
	}
	request := messaging.QueryKeysRequest{DeviceKeys: make(map[string][]string, len(users))}
	for _, userID := range users {
		request.DeviceKeys[userID.String()] = []string{}
	}
	response, err := m.keys.QueryKeys(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("e2ee: downloading device keys: %w", err)
	}
	for server := range response.Failures {
		m.logger.Warn("device key query failed for server", "server", server)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var devices []Device
	for userText, bundles := range response.DeviceKeys {
		userID, err := ref.ParseUserID(userText)
		if err != nil {
			m.logger.Warn("skipping device keys for invalid user", "user_id", userText)
			continue
		}
		fresh := make(map[ref.DeviceID]Device, len(bundles))
		for deviceText, bundle := range bundles {
			device, err := checkBundle(userID, deviceText, bundle)
			if err != nil {
				m.logger.Warn("rejecting device keys",
					"user_id", userID,
					"device_id", deviceText,
					"error", err,
				)
				continue
			}
			if previous, ok := m.devices[userID][device.DeviceID]; ok && previous.SigningKey != device.SigningKey {
				m.logger.Warn("device signing key changed, trust reset",
					"user_id", userID,
					"device_id", device.DeviceID,
				)
				if err := m.trust.forget(device.Ref()); err != nil {
					return nil, err
				}
			}
			device.Trust, err = m.trust.get(device.Ref())
			if err != nil {
				return nil, err
			}
			fresh[device.DeviceID] = device
			devices = append(devices, device)
		}
		m.devices[userID] = fresh
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Ref().String() < devices[j].Ref().String()
	})
	return devices, nil
}

// checkBundle validates a /keys/query entry against the IDs it was
// filed under and its own Ed25519 self-signature.
func checkBundle(userID ref.UserID, deviceText string, bundle messaging.DeviceKeys) (Device, error) {
	if bundle.UserID != userID || bundle.DeviceID.String() != deviceText {
		return Device{}, fmt.Errorf("bundle names %s/%s", bundle.UserID, bundle.DeviceID)
	}
	keyID := "ed25519:" + deviceText
	signingKey := bundle.Keys[keyID]
	if signingKey == "" {
		return Device{}, fmt.Errorf("no %s key", keyID)
	}
	signature := bundle.Signatures[userID.String()][keyID]
	if signature == "" {
		return Device{}, fmt.Errorf("no self-signature")
	}
	var signed any = bundle
	if len(bundle.Raw) > 0 {
		signed = bundle.Raw
	}
	if err := verifySignature(signed, signingKey, signature); err != nil {
		return Device{}, err
	}
	agreement := bundle.Keys["curve25519:"+deviceText]
	if err := checkAgreementKey(agreement); err != nil {
		return Device{}, err
	}
	return Device{
		UserID:     userID,
		DeviceID:   bundle.DeviceID,
		SigningKey: signingKey,
		Agreement:  agreement,
		Algorithms: bundle.Algorithms,
	}, nil
}

// checkAgreementKey rejects Curve25519 keys that are malformed or of
// low order. A device may publish no agreement key at all.
func checkAgreementKey(key string) error {
	if key == "" {
		return nil
	}
	point, err := encoding.DecodeString(key)
	if err != nil || len(point) != curve25519.PointSize {
		return fmt.Errorf("malformed Curve25519 key")
	}
	if _, err := curve25519.X25519(curve25519.Basepoint, point); err != nil {
		return fmt.Errorf("unusable Curve25519 key: %w", err)
	}
	return nil
}

// SetDeviceKnown acknowledges a device so it no longer blocks sends.
func (m *Machine) SetDeviceKnown(device DeviceRef) error {
	return m.setTrust(device, TrustKnown)
}

// SetDeviceVerified marks a device verified.
func (m *Machine) SetDeviceVerified(device DeviceRef) error {
	return m.setTrust(device, TrustVerified)
}

func (m *Machine) setTrust(device DeviceRef, level Trust) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trust.raise(device, level); err != nil {
		return err
	}
	if cached, ok := m.devices[device.UserID][device.DeviceID]; ok && cached.Trust < level {
		cached.Trust = level
		m.devices[device.UserID][device.DeviceID] = cached
	}
	return nil
}

// Trust returns the recorded trust of a device.
func (m *Machine) Trust(device DeviceRef) (Trust, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trust.get(device)
}

// Encrypt downloads the device list of members and encrypts content
// for every device except this one. If any recipient is still
// TrustUnknown, nothing is encrypted and *UnknownDeviceError lists
// the devices to acknowledge.
func (m *Machine) Encrypt(ctx context.Context, roomID ref.RoomID, members []ref.UserID, eventType ref.EventType, content any) (map[string]any, error) {
	if !m.Enabled() {
		return nil, ErrUnavailable
	}
	devices, err := m.DownloadKeys(ctx, members)
	if err != nil {
		return nil, err
	}

	self := DeviceRef{UserID: m.keys.UserID(), DeviceID: m.keys.DeviceID()}
	recipients := make([]Device, 0, len(devices))
	var unknown []DeviceRef
	for _, device := range devices {
		if device.Ref() == self {
			continue
		}
		if device.Trust == TrustUnknown {
			unknown = append(unknown, device.Ref())
			continue
		}
		recipients = append(recipients, device)
	}
	if len(unknown) > 0 {
		return nil, newUnknownDeviceError(roomID, unknown)
	}

	encrypted, err := m.cipher.Encrypt(ctx, roomID, recipients, eventType, content)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encrypting for %s: %w", roomID, err)
	}
	return encrypted, nil
}

// Decrypt replaces an m.room.encrypted event's type and content with
// the cleartext. Other events are returned unchanged.
func (m *Machine) Decrypt(ctx context.Context, event messaging.Event) (messaging.Event, error) {
	if event.Type != messaging.EventTypeEncrypted {
		return event, nil
	}
	if !m.Enabled() {
		return event, &DecryptionError{EventID: event.EventID, RoomID: event.RoomID, Err: ErrUnavailable}
	}
	eventType, content, err := m.cipher.Decrypt(ctx, event)
	if err != nil {
		return event, &DecryptionError{EventID: event.EventID, RoomID: event.RoomID, Err: err}
	}
	event.Type = eventType
	event.Content = content
	return event, nil
}

// Close closes the cipher, zeroes the identity's pickle key and drops
// cached devices.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if closer, ok := m.cipher.(interface{ Close() }); ok {
		closer.Close()
	}
	if m.identity != nil {
		m.identity.Close()
		m.identity = nil
	}
	m.initialized = false
	clear(m.devices)
}
