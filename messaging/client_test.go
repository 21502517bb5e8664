// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/secret"
)

// testBuffer creates a secret.Buffer from a string for testing. The buffer
// is automatically closed when the test completes.
func testBuffer(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatalf("creating test buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func testClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "https://matrix.example.org/"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.BaseURL() != "https://matrix.example.org" {
			t.Errorf("BaseURL = %q, trailing slash should be stripped", client.BaseURL())
		}
	})

	for _, raw := range []string{"", "://invalid", "ftp://example.org", "http://"} {
		t.Run("rejects "+raw, func(t *testing.T) {
			if _, err := NewClient(ClientConfig{HomeserverURL: raw}); err == nil {
				t.Fatalf("expected error for %q", raw)
			}
		})
	}
}

func TestRegisterRequest(t *testing.T) {
	t.Run("empty request returns incomplete registration", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Path != "/_matrix/client/v3/register" {
				t.Errorf("unexpected path: %s", request.URL.Path)
			}
			var body map[string]any
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Errorf("decoding body: %v", err)
			}
			if len(body) != 0 {
				t.Errorf("opening body = %v, want empty object", body)
			}
			if !strings.HasPrefix(request.Header.Get("User-Agent"), "supportchat/") {
				t.Errorf("User-Agent = %q", request.Header.Get("User-Agent"))
			}
			writer.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(writer).Encode(map[string]any{
				"session": "uiaa-session",
				"flows":   []map[string]any{{"stages": []string{AuthTypeDummy}}},
			})
		}))
		defer server.Close()

		_, err := testClient(t, server).RegisterRequest(context.Background(), RegistrationParams{})
		var incomplete *IncompleteRegistrationError
		if !errors.As(err, &incomplete) {
			t.Fatalf("expected *IncompleteRegistrationError, got %v", err)
		}
		if incomplete.Session != "uiaa-session" {
			t.Errorf("Session = %q", incomplete.Session)
		}
		if !incomplete.Offers(AuthTypeDummy) {
			t.Errorf("expected dummy flow to be offered: %v", incomplete.Flows)
		}
	})

	t.Run("dummy auth completes registration", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			var body struct {
				Username   string   `json:"username"`
				Password   string   `json:"password"`
				ShowMSISDN bool     `json:"x_show_msisdn"`
				Auth       AuthData `json:"auth"`
			}
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Errorf("decoding body: %v", err)
			}
			if body.Username != "visitor" || body.Password != "hunter2" {
				t.Errorf("credentials = %q/%q", body.Username, body.Password)
			}
			if !body.ShowMSISDN {
				t.Error("x_show_msisdn not set")
			}
			if body.Auth.Type != AuthTypeDummy || body.Auth.Session != "uiaa-session" {
				t.Errorf("auth = %+v", body.Auth)
			}
			json.NewEncoder(writer).Encode(map[string]any{
				"user_id":      "@visitor:example.org",
				"access_token": "syt_token",
				"device_id":    "DEVICE1",
			})
		}))
		defer server.Close()

		response, err := testClient(t, server).RegisterRequest(context.Background(), RegistrationParams{
			Username:   "visitor",
			Password:   testBuffer(t, "hunter2"),
			Auth:       &AuthData{Type: AuthTypeDummy, Session: "uiaa-session"},
			ShowMSISDN: true,
		})
		if err != nil {
			t.Fatalf("RegisterRequest: %v", err)
		}
		if response.UserID.String() != "@visitor:example.org" || response.DeviceID.String() != "DEVICE1" {
			t.Errorf("response = %+v", response)
		}
		if response.AccessToken != "syt_token" {
			t.Errorf("AccessToken = %q", response.AccessToken)
		}
	})

	t.Run("server error is a MatrixError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(writer).Encode(map[string]string{
				"errcode": ErrCodeUserInUse,
				"error":   "User ID already taken",
			})
		}))
		defer server.Close()

		_, err := testClient(t, server).RegisterRequest(context.Background(), RegistrationParams{Username: "taken"})
		if !IsMatrixError(err, ErrCodeUserInUse) {
			t.Fatalf("expected M_USER_IN_USE, got %v", err)
		}
	})

	t.Run("401 without session", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.WriteHeader(http.StatusUnauthorized)
			writer.Write([]byte(`{"flows":[]}`))
		}))
		defer server.Close()

		_, err := testClient(t, server).RegisterRequest(context.Background(), RegistrationParams{})
		if err == nil || !strings.Contains(err.Error(), "missing session") {
			t.Fatalf("expected missing session error, got %v", err)
		}
	})
}

func TestSessionFromToken(t *testing.T) {
	client, err := NewClient(ClientConfig{HomeserverURL: "https://matrix.example.org"})
	if err != nil {
		t.Fatal(err)
	}
	userID := ref.MustParseUserID("@visitor:example.org")
	deviceID, _ := ref.ParseDeviceID("DEVICE1")

	session, err := client.SessionFromToken(userID, deviceID, "syt_token")
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	defer session.Close()

	if session.UserID() != userID || session.DeviceID() != deviceID {
		t.Errorf("identity = %s/%s", session.UserID(), session.DeviceID())
	}
	if session.AccessToken() != "syt_token" {
		t.Errorf("AccessToken = %q", session.AccessToken())
	}
	if err := session.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := client.SessionFromToken(ref.UserID{}, deviceID, "token"); err == nil {
		t.Error("expected error for zero user ID")
	}
	if _, err := client.SessionFromToken(userID, deviceID, ""); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestServerVersions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/versions" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writer.Write([]byte(`{"versions":["v1.1","v1.11"]}`))
	}))
	defer server.Close()

	versions, err := testClient(t, server).ServerVersions(context.Background())
	if err != nil {
		t.Fatalf("ServerVersions: %v", err)
	}
	if len(versions.Versions) != 2 {
		t.Errorf("Versions = %v", versions.Versions)
	}
}

func TestNonJSONErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		writer.Write([]byte("<html>bad gateway</html>"))
	}))
	defer server.Close()

	_, err := testClient(t, server).ServerVersions(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unexpected 502") {
		t.Fatalf("expected unexpected 502 error, got %v", err)
	}
}
