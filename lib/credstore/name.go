// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// fileNameKey is the BLAKE3 key for session file names: the ASCII
// domain name zero-padded to 32 bytes. Changing it orphans every
// existing session file.
var fileNameKey = [32]byte{
	's', 'u', 'p', 'p', 'o', 'r', 't', 'c', 'h', 'a', 't', '.', 'c', 'r', 'e', 'd',
	's', 't', 'o', 'r', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// sessionExtension marks sealed session files in the store directory.
const sessionExtension = ".sealed"

// lockSuffix names the flock file kept beside an open session file.
const lockSuffix = ".lock"

// keyFileName is the age identity that seals every session file in a
// directory.
const keyFileName = "store.key"

// fileName derives the session file name from the device ID and the
// registration session token. The token never appears on disk in the
// clear; the hash only needs to be stable and collision-free.
func fileName(deviceID, sessionToken string) string {
	hasher, err := blake3.NewKeyed(fileNameKey[:])
	if err != nil {
		panic("credstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(deviceID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(sessionToken))
	var sum [32]byte
	hasher.Sum(sum[:0])
	return hex.EncodeToString(sum[:]) + sessionExtension
}
