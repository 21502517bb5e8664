// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatui renders a support chat Controller in a terminal.
//
// [Model] is a bubbletea model: a scrolling transcript, a typing line
// and an input field, driven by the controller's change
// notifications. [RunPlain] drives the same controller from line
// based input and output when no terminal is attached. [LogHandler]
// routes warnings into the model's status bar so operational errors
// are visible without corrupting the screen.
package chatui
