// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the supportchat
// binary and identifies it to the homeserver.
//
// [GitCommit], [GitDirty], [BuildTime] and [Version] are injected with
// -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/supportchat/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// [Info] is the --version line; [UserAgent] is sent on every Matrix
// request so homeserver operators can tell support sessions apart from
// other clients in their access logs.
package version
