// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bureau-foundation/supportchat/lib/ref"
)

// UploadKeys publishes this device's identity keys and, optionally,
// one-time keys.
func (s *DirectSession) UploadKeys(ctx context.Context, request UploadKeysRequest) (*UploadKeysResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: upload keys failed: %w", err)
	}

	var response UploadKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys upload response: %w", err)
	}
	return &response, nil
}

// QueryKeys downloads the device key bundles of the requested users.
func (s *DirectSession) QueryKeys(ctx context.Context, request QueryKeysRequest) (*QueryKeysResponse, error) {
	if request.DeviceKeys == nil {
		request.DeviceKeys = map[string][]string{}
	}
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: query keys failed: %w", err)
	}

	var response QueryKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys query response: %w", err)
	}
	return &response, nil
}

// ClaimKeys claims one one-time key for each requested device.
func (s *DirectSession) ClaimKeys(ctx context.Context, request ClaimKeysRequest) (*ClaimKeysResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: claim keys failed: %w", err)
	}

	var response ClaimKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys claim response: %w", err)
	}
	return &response, nil
}

// SendToDevice delivers one event per addressed device under a fresh
// transaction ID. messages maps user ID to device ID to content.
func (s *DirectSession) SendToDevice(ctx context.Context, eventType ref.EventType, messages map[string]map[string]any) error {
	path := "/_matrix/client/v3/sendToDevice/" + url.PathEscape(eventType.String()) +
		"/" + url.PathEscape(s.NewTransactionID())
	_, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, SendToDeviceRequest{Messages: messages})
	if err != nil {
		return fmt.Errorf("messaging: send %s to devices failed: %w", eventType, err)
	}
	return nil
}
