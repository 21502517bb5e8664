// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds session credentials (access tokens, generated
// account passwords, device signing keys) in memory that the Go
// runtime never sees.
//
// [Buffer] is backed by an anonymous mmap region that is mlocked
// against swap and excluded from core dumps. Closing a Buffer zeroes
// and unmaps it; any later read panics. The support chat session keeps
// one Buffer per credential for the lifetime of an anonymous account
// and closes all of them during teardown, so nothing about a visitor's
// session survives the exit flow in process memory.
//
// Constructors: [New], [NewFromBytes] (zeroes its source), and
// [NewFromString] (for values that already arrived as strings, such as
// decoded JSON fields). [Buffer.Equal] compares in constant time.
package secret
