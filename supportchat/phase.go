// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

// Phase is the controller's position in the session lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingAgreement
	PhaseInitializing
	PhaseAwaitingFacilitator
	PhaseActive
	PhaseExiting
	// PhaseDeclined follows a refused agreement. Only Start leaves it.
	PhaseDeclined
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingAgreement:
		return "awaitingAgreement"
	case PhaseInitializing:
		return "initializing"
	case PhaseAwaitingFacilitator:
		return "awaitingFacilitator"
	case PhaseActive:
		return "active"
	case PhaseExiting:
		return "exiting"
	case PhaseDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// acceptsMessages reports whether text typed in this phase goes to the room.
func (p Phase) acceptsMessages() bool {
	return p == PhaseAwaitingFacilitator || p == PhaseActive
}
