// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR configuration for on-disk state.
//
// Everything that talks to the homeserver is JSON. Everything written
// to local disk (the sealed credential record, the device trust list)
// is CBOR through this package, encoded with Core Deterministic
// Encoding (RFC 8949 §4.2) so the same record always yields the same
// bytes before sealing.
//
// Types that implement encoding.TextMarshaler, such as ref.UserID and
// ref.RoomID, encode as CBOR text strings. Structs tagged only with
// `json` use the json names, so a type shared with the Matrix wire
// format needs no second set of tags.
package codec
