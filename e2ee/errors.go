// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bureau-foundation/supportchat/lib/ref"
)

// ErrUnavailable is returned by Init when the machine has no way to
// encrypt room events.
var ErrUnavailable = errors.New("e2ee: encryption unavailable")

// DeviceRef names one device of one user.
type DeviceRef struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID
}

func (d DeviceRef) String() string {
	return d.UserID.String() + "/" + d.DeviceID.String()
}

// UnknownDeviceError is returned by Encrypt when recipient devices
// have not been acknowledged. Devices is sorted and never empty.
type UnknownDeviceError struct {
	RoomID  ref.RoomID
	Devices []DeviceRef
}

func (e *UnknownDeviceError) Error() string {
	names := make([]string, len(e.Devices))
	for index, device := range e.Devices {
		names[index] = device.String()
	}
	return fmt.Sprintf("e2ee: %d unknown device(s) in %s: %s", len(e.Devices), e.RoomID, strings.Join(names, ", "))
}

func newUnknownDeviceError(roomID ref.RoomID, devices []DeviceRef) *UnknownDeviceError {
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].String() < devices[j].String()
	})
	return &UnknownDeviceError{RoomID: roomID, Devices: devices}
}

// DecryptionError reports an event the cipher could not decrypt.
type DecryptionError struct {
	EventID ref.EventID
	RoomID  ref.RoomID
	Err     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("e2ee: decrypting %s in %s: %v", e.EventID, e.RoomID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }
