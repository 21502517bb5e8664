// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated, immutable Matrix identifiers: user
// IDs, room IDs, event IDs, event types and device IDs.
//
// Identifiers arrive from the homeserver (registration responses, room
// creation, /sync) or from configuration (the facilitator account) and
// are parsed into these types at the boundary. Once parsed they are
// passed around as values; the zero value of each type means "unset"
// and is detected with IsZero.
//
// Every type implements encoding.TextMarshaler and
// encoding.TextUnmarshaler, so it can be used directly as a JSON field
// or JSON object key (the /sync response keys rooms by room ID) and as
// a CBOR text string through lib/codec.
package ref
