// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the support chat configuration.
//
// Configuration comes from exactly one file, named by the --config
// flag or the SUPPORTCHAT_CONFIG environment variable. Nothing is
// discovered: with neither set, [Default] applies unchanged. Files
// ending in .json or .jsonc are parsed as JSON with comments and
// trailing commas; anything else is YAML. Fields absent from the file
// keep their defaults.
//
// Configuration is read once at startup and is fixed for the lifetime
// of the process.
package config
