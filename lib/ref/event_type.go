// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix state, timeline, or ephemeral event
// type (m.room.message, m.room.encrypted, m.typing). Constants live in
// the messaging package next to the content types they describe.
//
// EventType is a named string type, not a struct wrapper: event types
// are opaque identifiers that need no parsing or validation. The type
// keeps a state key from being passed where an event type is expected.
type EventType string

// String returns the event type string (e.g., "m.room.message").
func (t EventType) String() string { return string(t) }
