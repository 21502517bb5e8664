// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds HTTP plumbing shared by the Matrix client and
// the sync loop: bounded response reads and classification of network
// failures that are worth retrying.
package netutil
