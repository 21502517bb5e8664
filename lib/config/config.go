// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/supportchat/lib/ref"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "SUPPORTCHAT_CONFIG"

// MegolmAlgorithm is the only room encryption algorithm clients are
// expected to support.
const MegolmAlgorithm = "m.megolm.v1.aes-sha2"

// Config is the complete support chat configuration.
type Config struct {
	// HomeserverURL is the client-server API base URL.
	HomeserverURL string `yaml:"homeserver_url" json:"homeserver_url"`

	// Facilitator is invited into every support room and promoted to
	// power level 100.
	Facilitator string `yaml:"facilitator" json:"facilitator"`

	// RoomLabel is the middle part of generated room names:
	// "<date> - <label> - started at <time>".
	RoomLabel string `yaml:"room_label" json:"room_label"`

	// DisplayName is set on every anonymous account.
	DisplayName string `yaml:"display_name" json:"display_name"`

	Encryption EncryptionConfig `yaml:"encryption" json:"encryption"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Messages   Messages         `yaml:"messages" json:"messages"`
}

// EncryptionConfig controls end-to-end encryption negotiation.
type EncryptionConfig struct {
	// Enabled false skips negotiation and goes straight to plaintext.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Algorithm goes into the room's m.room.encryption initial state.
	Algorithm string `yaml:"algorithm" json:"algorithm"`
}

// StoreConfig controls where session credentials are persisted.
type StoreConfig struct {
	// Backend is "file" or "memory". A memory store cannot be reaped
	// after a crash, so it is meant for tests and embedding.
	Backend string `yaml:"backend" json:"backend"`

	// Dir holds one sealed file per live session plus the store key.
	// Supports ${VAR} and ${VAR:-default} expansion.
	Dir string `yaml:"dir" json:"dir"`
}

// Messages is the fixed text the visitor sees.
type Messages struct {
	Intro            string `yaml:"intro" json:"intro"`
	Agreement        string `yaml:"agreement" json:"agreement"`
	Confirmation     string `yaml:"confirmation" json:"confirmation"`
	Exit             string `yaml:"exit" json:"exit"`
	Unavailable      string `yaml:"unavailable" json:"unavailable"`
	EncryptionNotice string `yaml:"encryption_notice" json:"encryption_notice"`
	PlaintextNotice  string `yaml:"plaintext_notice" json:"plaintext_notice"`
	RestartNotice    string `yaml:"restart_notice" json:"restart_notice"`
	Goodbye          string `yaml:"goodbye" json:"goodbye"`
}

// Default returns a configuration with every field populated.
func Default() *Config {
	stateDir := "${XDG_STATE_HOME:-${HOME}/.local/state}"
	return &Config{
		HomeserverURL: "https://matrix.rhok.space",
		Facilitator:   "@ocrcc-facilitator-demo:rhok.space",
		RoomLabel:     "Support Chat",
		DisplayName:   "Anonymous",
		Encryption: EncryptionConfig{
			Enabled:   true,
			Algorithm: MegolmAlgorithm,
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     stateDir + "/supportchat/sessions",
		},
		Messages: Messages{
			Intro: "Hi there. This chat connects you with a trained support facilitator. " +
				"You do not need to share your name, and your account is deleted when you leave.",
			Agreement: "Before we start: this is not an emergency service, and the facilitator " +
				"is not a lawyer or a doctor. Type \"yes\" to agree and start the chat.",
			Confirmation:     "Waiting for a facilitator to join. They will be with you shortly.",
			Exit:             "No problem. You can come back any time.",
			Unavailable:      "The chat service is unavailable right now. Please try again later.",
			EncryptionNotice: "Messages in this chat are end-to-end encrypted.",
			PlaintextNotice:  "End-to-end encryption is not available, so this chat is not encrypted.",
			RestartNotice:    "A message could not be decrypted. Restarting the chat without encryption.",
			Goodbye:          "The chat has ended and your anonymous account has been deleted.",
		},
	}
}

// Load reads the file named by SUPPORTCHAT_CONFIG. It fails if the
// variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads path over Default() and expands variables. The
// result is not validated; call Validate after applying flag
// overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	cfg.Expand()
	return cfg, nil
}

// Expand resolves ${VAR} references in path fields.
func (c *Config) Expand() {
	c.Store.Dir = expandVars(c.Store.Dir)
}

// varPattern matches references with no nested reference inside, so
// repeated passes expand innermost first.
var varPattern = regexp.MustCompile(`\$\{([^}:$]+)(?::-([^}$]*))?\}`)

// expandVars substitutes ${VAR} and ${VAR:-default}. Defaults may
// themselves contain references.
func expandVars(s string) string {
	for range 4 {
		expanded := varPattern.ReplaceAllStringFunc(s, func(match string) string {
			parts := varPattern.FindStringSubmatch(match)
			if value := os.Getenv(parts[1]); value != "" {
				return value
			}
			return parts[2]
		})
		if expanded == s {
			break
		}
		s = expanded
	}
	return s
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.HomeserverURL == "" {
		errs = append(errs, fmt.Errorf("homeserver_url is required"))
	} else if parsed, err := url.Parse(c.HomeserverURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("homeserver_url %q is not an absolute URL", c.HomeserverURL))
	}

	if _, err := ref.ParseUserID(c.Facilitator); err != nil {
		errs = append(errs, fmt.Errorf("facilitator: %w", err))
	}

	if c.Encryption.Enabled && c.Encryption.Algorithm == "" {
		errs = append(errs, fmt.Errorf("encryption.algorithm is required when encryption is enabled"))
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.Dir == "" {
			errs = append(errs, fmt.Errorf("store.dir is required for the file backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be \"file\" or \"memory\", got %q", c.Store.Backend))
	}

	if c.Messages.Unavailable == "" {
		errs = append(errs, fmt.Errorf("messages.unavailable is required"))
	}

	return errors.Join(errs...)
}
