// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts local state at rest with age x25519.
//
// The credential store seals each record to the store's own keypair
// before it touches disk, so a copied state directory is useless
// without the key file. Private keys and opened plaintext come back as
// [secret.Buffer] values and must be closed by the caller.
//
// Sealed files use age's ASCII armor so they survive being pasted into
// a bug report without corrupting, and so a stray sealed file is easy
// to recognise by eye.
package sealed
