// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/messaging"
)

// olmAlgorithm encrypts to-device messages between two devices.
const olmAlgorithm = "m.olm.v1.curve25519-aes-sha2"

// olmPayload is the cleartext of an Olm message. The sender and
// recipient fields bind the ciphertext to both devices.
type olmPayload struct {
	Type          ref.EventType     `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        ref.UserID        `json:"sender"`
	SenderDevice  ref.DeviceID      `json:"sender_device"`
	Keys          map[string]string `json:"keys"`
	Recipient     ref.UserID        `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
}

// olmChannel holds the pairwise Olm sessions of one device. Sessions
// live in memory only: a restarted client opens new ones. Callers
// serialize access.
type olmChannel struct {
	identity *Identity
	keys     KeyAPI
	logger   *slog.Logger

	// sessions by the peer's Curve25519 key, newest first.
	sessions map[string][]olm.Session
}

func newOlmChannel(identity *Identity, keys KeyAPI, logger *slog.Logger) *olmChannel {
	return &olmChannel{
		identity: identity,
		keys:     keys,
		logger:   logger,
		sessions: make(map[string][]olm.Session),
	}
}

// ensureSessions opens an outbound session to every device that has
// none, claiming one of its published one-time keys. It returns the
// devices that can now be sent to.
func (c *olmChannel) ensureSessions(ctx context.Context, devices []Device) ([]Device, error) {
	request := messaging.ClaimKeysRequest{OneTimeKeys: make(map[string]map[string]string)}
	var ready, missing []Device
	for _, device := range devices {
		if device.Agreement == "" {
			c.logger.Warn("device publishes no Curve25519 key", "device", device.Ref())
			continue
		}
		if len(c.sessions[device.Agreement]) > 0 {
			ready = append(ready, device)
			continue
		}
		user := device.UserID.String()
		if request.OneTimeKeys[user] == nil {
			request.OneTimeKeys[user] = make(map[string]string)
		}
		request.OneTimeKeys[user][device.DeviceID.String()] = oneTimeKeyAlgorithm
		missing = append(missing, device)
	}
	if len(missing) == 0 {
		return ready, nil
	}

	response, err := c.keys.ClaimKeys(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("claiming one-time keys: %w", err)
	}
	for _, device := range missing {
		claimed := response.OneTimeKeys[device.UserID.String()][device.DeviceID.String()]
		oneTimeKey, err := verifiedOneTimeKey(device, claimed)
		if err != nil {
			c.logger.Warn("no usable one-time key, device will not receive room keys",
				"device", device.Ref(),
				"error", err,
			)
			continue
		}
		session, err := c.identity.account.NewOutboundSession(id.Curve25519(device.Agreement), id.Curve25519(oneTimeKey))
		if err != nil {
			return nil, fmt.Errorf("opening Olm session with %s: %w", device.Ref(), err)
		}
		c.sessions[device.Agreement] = []olm.Session{session}
		ready = append(ready, device)
	}
	return ready, nil
}

// verifiedOneTimeKey picks the signed_curve25519 key out of a claim
// result and checks the device's signature over it.
func verifiedOneTimeKey(device Device, claimed map[string]json.RawMessage) (string, error) {
	for keyID, raw := range claimed {
		if !strings.HasPrefix(keyID, oneTimeKeyAlgorithm+":") {
			continue
		}
		var object struct {
			Key        string                       `json:"key"`
			Signatures map[string]map[string]string `json:"signatures"`
		}
		if err := json.Unmarshal(raw, &object); err != nil {
			return "", fmt.Errorf("one-time key %s: %w", keyID, err)
		}
		signature := object.Signatures[device.UserID.String()]["ed25519:"+device.DeviceID.String()]
		if signature == "" {
			return "", fmt.Errorf("one-time key %s is unsigned", keyID)
		}
		if err := verifySignature(raw, device.SigningKey, signature); err != nil {
			return "", fmt.Errorf("one-time key %s: %w", keyID, err)
		}
		if err := checkAgreementKey(object.Key); err != nil {
			return "", fmt.Errorf("one-time key %s: %w", keyID, err)
		}
		return object.Key, nil
	}
	return "", fmt.Errorf("none claimed")
}

// encrypt wraps an event for one device that ensureSessions made
// ready, returning the m.room.encrypted to-device content.
func (c *olmChannel) encrypt(device Device, eventType ref.EventType, content any) (map[string]any, error) {
	sessions := c.sessions[device.Agreement]
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no Olm session with %s", device.Ref())
	}
	encodedContent, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(olmPayload{
		Type:          eventType,
		Content:       encodedContent,
		Sender:        c.keys.UserID(),
		SenderDevice:  c.keys.DeviceID(),
		Keys:          map[string]string{"ed25519": c.identity.SigningKey()},
		Recipient:     device.UserID,
		RecipientKeys: map[string]string{"ed25519": device.SigningKey},
	})
	if err != nil {
		return nil, err
	}
	messageType, body, err := sessions[0].Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("olm encrypt for %s: %w", device.Ref(), err)
	}
	return map[string]any{
		"algorithm":  olmAlgorithm,
		"sender_key": c.identity.AgreementKey(),
		"ciphertext": map[string]any{
			device.Agreement: map[string]any{"type": int(messageType), "body": string(body)},
		},
	}, nil
}

// decrypt opens an Olm to-device event addressed to this device and
// returns its payload and the sender's Curve25519 key. A pre-key
// message with no matching session creates one and consumes the
// one-time key it was built on.
func (c *olmChannel) decrypt(ctx context.Context, event messaging.ToDeviceEvent) (*olmPayload, string, error) {
	algorithm, _ := event.Content["algorithm"].(string)
	if algorithm != olmAlgorithm {
		return nil, "", fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	senderKey, _ := event.Content["sender_key"].(string)
	ciphertexts, _ := event.Content["ciphertext"].(map[string]any)
	ours, _ := ciphertexts[c.identity.AgreementKey()].(map[string]any)
	if senderKey == "" || ours == nil {
		return nil, "", fmt.Errorf("no ciphertext for this device")
	}
	body, _ := ours["body"].(string)
	var messageType id.OlmMsgType = -1
	switch number := ours["type"].(type) {
	case float64:
		messageType = id.OlmMsgType(number)
	case int:
		messageType = id.OlmMsgType(number)
	}
	if body == "" || (messageType != id.OlmMsgTypePreKey && messageType != id.OlmMsgTypeMsg) {
		return nil, "", fmt.Errorf("malformed Olm ciphertext")
	}

	plaintext, err := c.decryptExisting(senderKey, messageType, body)
	if err != nil {
		return nil, "", err
	}
	if plaintext == nil {
		if messageType != id.OlmMsgTypePreKey {
			return nil, "", fmt.Errorf("no Olm session with %s decrypts the message", senderKey)
		}
		plaintext, err = c.decryptNew(ctx, senderKey, body)
		if err != nil {
			return nil, "", err
		}
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, "", fmt.Errorf("unreadable Olm payload: %w", err)
	}
	switch {
	case payload.Sender != event.Sender:
		return nil, "", fmt.Errorf("payload sender %s does not match %s", payload.Sender, event.Sender)
	case payload.Recipient != c.keys.UserID():
		return nil, "", fmt.Errorf("payload addressed to %s", payload.Recipient)
	case payload.RecipientKeys["ed25519"] != c.identity.SigningKey():
		return nil, "", fmt.Errorf("payload addressed to another device")
	}
	return &payload, senderKey, nil
}

// decryptExisting tries the sessions already open with senderKey. It
// returns nil plaintext when none of them fits.
func (c *olmChannel) decryptExisting(senderKey string, messageType id.OlmMsgType, body string) ([]byte, error) {
	for _, session := range c.sessions[senderKey] {
		if messageType == id.OlmMsgTypePreKey {
			matches, err := session.MatchesInboundSessionFrom(senderKey, body)
			if err != nil || !matches {
				continue
			}
			plaintext, err := session.Decrypt(body, messageType)
			if err != nil {
				return nil, fmt.Errorf("olm decrypt: %w", err)
			}
			return plaintext, nil
		}
		if plaintext, err := session.Decrypt(body, messageType); err == nil {
			return plaintext, nil
		}
	}
	return nil, nil
}

func (c *olmChannel) decryptNew(ctx context.Context, senderKey, body string) ([]byte, error) {
	theirKey := id.Curve25519(senderKey)
	session, err := c.identity.account.NewInboundSessionFrom(&theirKey, body)
	if err != nil {
		return nil, fmt.Errorf("opening inbound Olm session: %w", err)
	}
	plaintext, err := session.Decrypt(body, id.OlmMsgTypePreKey)
	if err != nil {
		return nil, fmt.Errorf("olm decrypt: %w", err)
	}
	if err := c.identity.account.RemoveOneTimeKeys(session); err != nil {
		return nil, fmt.Errorf("consuming one-time key: %w", err)
	}
	if err := c.identity.save(); err != nil {
		return nil, err
	}
	c.sessions[senderKey] = append([]olm.Session{session}, c.sessions[senderKey]...)

	if _, err := publishOneTimeKeys(ctx, c.keys, c.identity, 1); err != nil {
		c.logger.Warn("replacing consumed one-time key failed", "error", err)
	}
	return plaintext, nil
}
