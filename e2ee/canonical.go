// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/canonicaljson"
)

// canonicalJSON encodes v the way Matrix signs objects, with the
// "signatures" and "unsigned" members removed first.
func canonicalJSON(v any) ([]byte, error) {
	var encoded []byte
	switch raw := v.(type) {
	case json.RawMessage:
		encoded = raw
	case []byte:
		encoded = raw
	default:
		var err error
		if encoded, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &object); err != nil {
		return nil, fmt.Errorf("canonical JSON needs an object: %w", err)
	}
	delete(object, "signatures")
	delete(object, "unsigned")

	stripped, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	return canonicaljson.CanonicalJSON(stripped)
}

// verifySignature checks signature (unpadded base64) over the
// canonical form of v with an Ed25519 public key (unpadded base64).
func verifySignature(v any, publicKey, signature string) error {
	key, err := encoding.DecodeString(publicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("malformed Ed25519 key")
	}
	signatureBytes, err := encoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	message, err := canonicalJSON(v)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(key), message, signatureBytes) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}
