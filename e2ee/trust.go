// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/supportchat/lib/credstore"
)

// Trust is the local trust level of a device.
type Trust int

const (
	// TrustUnknown devices block encrypted sends until acknowledged.
	TrustUnknown Trust = iota
	// TrustKnown devices have been acknowledged but not verified.
	TrustKnown
	// TrustVerified devices are trusted.
	TrustVerified
)

func (t Trust) String() string {
	switch t {
	case TrustUnknown:
		return "unknown"
	case TrustKnown:
		return "known"
	case TrustVerified:
		return "verified"
	default:
		return fmt.Sprintf("Trust(%d)", int(t))
	}
}

func parseTrust(value string) (Trust, error) {
	switch value {
	case "unknown":
		return TrustUnknown, nil
	case "known":
		return TrustKnown, nil
	case "verified":
		return TrustVerified, nil
	}
	return TrustUnknown, fmt.Errorf("e2ee: unrecognized trust level %q", value)
}

func trustKey(device DeviceRef) string {
	return "e2ee.trust." + device.String()
}

// trustStore persists trust levels in a credstore.Store. A device with
// no record is TrustUnknown.
type trustStore struct {
	store credstore.Store
}

func (s trustStore) get(device DeviceRef) (Trust, error) {
	value, err := s.store.Get(trustKey(device))
	if errors.Is(err, credstore.ErrNotFound) {
		return TrustUnknown, nil
	}
	if err != nil {
		return TrustUnknown, fmt.Errorf("e2ee: reading trust of %s: %w", device, err)
	}
	return parseTrust(value)
}

// raise sets the trust of device to at least level. Trust never goes
// down through raise: acknowledging a verified device keeps it verified.
func (s trustStore) raise(device DeviceRef, level Trust) error {
	current, err := s.get(device)
	if err != nil {
		return err
	}
	if current >= level {
		return nil
	}
	if err := s.store.Set(trustKey(device), level.String()); err != nil {
		return fmt.Errorf("e2ee: recording trust of %s: %w", device, err)
	}
	return nil
}

// forget drops the record of device so it reads as unknown again.
func (s trustStore) forget(device DeviceRef) error {
	if err := s.store.Clear(trustKey(device)); err != nil {
		return fmt.Errorf("e2ee: clearing trust of %s: %w", device, err)
	}
	return nil
}
