// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supportchat runs an anonymous support conversation over
// Matrix: an agreement gate, a throwaway account, an optionally
// encrypted private room with a facilitator, and a teardown that
// leaves no authenticated account behind.
//
// [Controller] owns all session state and is driven by three calls
// from a rendering surface: [Controller.SubmitText],
// [Controller.ToggleOpen] and [Controller.Exit]. The surface observes
// [Controller.Changes] and reads a consistent [View] with
// [Controller.Snapshot].
//
// The phases run
//
//	idle → awaitingAgreement → initializing → awaitingFacilitator → active → exiting → idle
//
// with declined as the terminal branch of a refused agreement.
// Initialization is a sequential pipeline (register, persist
// credentials, build the authenticated client, negotiate encryption,
// wait for the first sync, create the room). Failure anywhere shows
// the unavailable message and returns to awaitingAgreement; an
// account that already exists is torn down first.
//
// The protocol is reached through [Connector] and [Client].
// [MatrixConnector] implements them with the messaging and e2ee
// packages; tests substitute fakes.
package supportchat
