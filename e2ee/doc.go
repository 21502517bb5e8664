// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee manages the end-to-end encryption state of one support
// session's device.
//
// A [Machine] owns the device's Olm account (an Ed25519 signing key, a
// Curve25519 identity key and a pool of one-time keys), publishes it
// with /keys/upload, downloads and signature-checks other users'
// device keys with /keys/query, and keeps a per-device trust record
// (unknown, known, verified) in a credstore.Store.
//
// Room-event encryption itself is delegated to a [Cipher].
// [MegolmCipher] implements m.megolm.v1.aes-sha2: it shares each
// room's session key with recipient devices over Olm to-device
// messages and accepts the keys peers share the same way through
// [Machine.HandleToDevice]. Encrypt refuses to hand a payload to the
// cipher while any recipient device is still unknown, returning
// [*UnknownDeviceError] listing the devices to acknowledge. A Machine
// configured without a Cipher fails Init with [ErrUnavailable];
// callers fall back to plaintext.
//
// The Olm and Megolm primitives come from mautrix's pure-Go goolm
// backend, so the package needs no cgo.
package e2ee
