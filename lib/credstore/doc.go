// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credstore persists the credentials of a live anonymous
// session so that a crashed process does not strand an authenticated
// account on the homeserver.
//
// [Store] is a small key/value contract (Get, Set, Clear, Reset).
// [MemoryStore] satisfies it for embedders that bring their own
// persistence and for tests. [FileStore] is the default: one file per
// session, named by a keyed BLAKE3 hash of the device ID and the
// registration session token, holding a CBOR map sealed with age to a
// key kept alongside it in the store directory.
//
// [List] and [OpenPath] let the next process find session files left
// behind by a crash and finish their teardown.
package credstore
