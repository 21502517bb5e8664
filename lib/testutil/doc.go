// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds test helpers shared by the messaging, e2ee
// and supportchat packages.
//
// [RequireReceive], [RequireClosed] and [Eventually] are the only
// places tests wait on the wall clock; each takes an explicit timeout
// that fails the test instead of hanging it. [UniqueID] produces
// distinguishable transaction IDs and message bodies.
package testutil
