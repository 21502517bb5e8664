// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The support chat controller stamps synthetic messages and builds
// room names from Now; the sync loop waits between failed long-polls
// with After. Both take a Clock so tests can pin the date in a room
// name and step through retry backoff without sleeping:
//
//	c := clock.Fake(time.Date(2026, 3, 1, 14, 5, 0, 0, time.UTC))
//	go syncer.Run(ctx)
//	c.WaitForTimers(1)       // the loop is now waiting to retry
//	c.Advance(time.Second)   // release it
package clock
