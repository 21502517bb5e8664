// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/supportchat/lib/netutil"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
	"github.com/bureau-foundation/supportchat/lib/version"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver (e.g., "https://matrix.example.org").
	HomeserverURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is an unauthenticated Matrix client.
// It holds the homeserver URL and HTTP transport, shared across sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new unauthenticated Matrix client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}

	// Request URLs are built by concatenation onto the string form, so
	// only the structure is checked here.
	parsed, err := url.Parse(config.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q must use http or https", config.HomeserverURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q has no host", config.HomeserverURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BaseURL returns the homeserver URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a network disruption to
// force subsequent requests onto fresh TCP connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// ServerVersions returns the Matrix protocol versions supported by the
// homeserver. The endpoint is unauthenticated, so it doubles as a
// reachability check.
func (c *Client) ServerVersions(ctx context.Context) (*ServerVersionsResponse, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/versions", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: server versions failed: %w", err)
	}

	var response ServerVersionsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse versions response: %w", err)
	}
	return &response, nil
}

// RegisterRequest sends a single request to the registration endpoint.
//
// Registration is a User-Interactive Authentication exchange and the
// caller drives it one step at a time. A request the server will not
// yet accept (the usual first, empty request) returns an
// *IncompleteRegistrationError carrying the session and the offered
// flows; the next request echoes that session in Auth. Any other
// failure is returned as a wrapped *MatrixError.
func (c *Client) RegisterRequest(ctx context.Context, params RegistrationParams) (*AuthResponse, error) {
	// Password crosses onto the heap only for the duration of the
	// encode; the mmap buffer stays the durable copy.
	request := registrationBody{
		Username:                 params.Username,
		Auth:                     params.Auth,
		ShowMSISDN:               params.ShowMSISDN,
		InitialDeviceDisplayName: params.InitialDeviceDisplayName,
	}
	if params.Password != nil {
		request.Password = params.Password.String()
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", nil, request)
	if err != nil {
		if isUnauthorizedUIAA(err) {
			var incomplete IncompleteRegistrationError
			if parseErr := json.Unmarshal(body, &incomplete); parseErr != nil {
				return nil, fmt.Errorf("messaging: failed to parse UIAA response: %w", parseErr)
			}
			if incomplete.Session == "" {
				return nil, fmt.Errorf("messaging: UIAA response missing session ID")
			}
			return nil, &incomplete
		}
		return nil, fmt.Errorf("messaging: registration failed: %w", err)
	}

	var authResponse AuthResponse
	if err := json.Unmarshal(body, &authResponse); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse register response: %w", err)
	}
	if authResponse.UserID.IsZero() || authResponse.AccessToken == "" {
		return nil, fmt.Errorf("messaging: register response missing user_id or access_token")
	}

	c.logger.Info("registered matrix account",
		"user_id", authResponse.UserID,
		"device_id", authResponse.DeviceID,
	)
	return &authResponse, nil
}

// SessionFromToken creates a DirectSession from an existing access
// token. The token is copied into mmap-backed memory (locked against
// swap, excluded from core dumps); the heap string becomes garbage.
//
// The token is not validated here. The first API call fails if it is
// stale. The caller must Close the returned session.
func (c *Client) SessionFromToken(userID ref.UserID, deviceID ref.DeviceID, accessToken string) (*DirectSession, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("messaging: user ID is required for a session")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("messaging: access token is required for a session")
	}
	tokenBuffer, err := secret.NewFromString(accessToken)
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting access token: %w", err)
	}
	return &DirectSession{
		client:      c,
		accessToken: tokenBuffer,
		userID:      userID,
		deviceID:    deviceID,
	}, nil
}

// doRequest performs an HTTP request to the homeserver and returns the
// response body. On 2xx it returns the body. On 4xx/5xx it returns the
// body alongside a *MatrixError so callers can parse UIAA payloads.
// accessToken may be nil for unauthenticated endpoints.
func (c *Client) doRequest(ctx context.Context, method, path string, accessToken *secret.Buffer, requestBody any, query ...url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && query[0] != nil {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}

	request.Header.Set("User-Agent", version.UserAgent())
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != nil {
		request.Header.Set("Authorization", "Bearer "+accessToken.String())
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil {
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode
	// A bare UIAA 401 has no errcode; give it one so logs are readable.
	if matrixErr.Code == "" {
		matrixErr.Code = ErrCodeUnknown
	}

	return responseBody, &matrixErr
}

// isUnauthorizedUIAA reports whether err is the 401 the server returns
// while User-Interactive Authentication stages remain.
func isUnauthorizedUIAA(err error) bool {
	matrixErr, ok := err.(*MatrixError) //nolint:errorlint // doRequest returns it unwrapped
	return ok && matrixErr.StatusCode == http.StatusUnauthorized
}
