// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is a Matrix client-server API client scoped to
// what an anonymous support session needs.
//
// [Client] is unauthenticated. It checks the homeserver
// ([Client.ServerVersions]) and performs registration one request at a
// time ([Client.RegisterRequest]) so the caller drives the
// User-Interactive Authentication exchange: the first, empty request
// comes back as [*IncompleteRegistrationError] carrying the session to
// echo in the second. A successful registration yields an
// [AuthResponse], from which [Client.SessionFromToken] builds a
// [DirectSession].
//
// [DirectSession] holds the access token in mmap-backed memory (see
// lib/secret) and covers room creation, power levels, messaging,
// leaving, account deactivation, profile, device key upload and query,
// and /sync. Callers must Close it to release the token.
//
// [Syncer] runs the /sync long-poll loop for a session. It performs a
// history-free initial sync, reports its state (PREPARED, SYNCING,
// ERROR, STOPPED) and dispatches state, timeline and ephemeral events
// per room to handlers fixed at construction.
//
// API errors are [*MatrixError] values carrying the Matrix error code
// and HTTP status; [IsMatrixError] tests for a code. Request URLs are
// built by string concatenation with url.PathEscape on each segment.
package messaging
