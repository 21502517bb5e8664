// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/messaging"
)

// writeLeftover leaves a credential file behind the way a crashed
// process would.
func writeLeftover(t *testing.T, dir, deviceID, homeserver string, complete bool) {
	t.Helper()
	store, err := credstore.OpenFile(dir, deviceID, "session-"+deviceID)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer store.Close()
	values := map[string]string{
		credstore.KeyHomeserver: homeserver,
		credstore.KeyUserID:     testVisitor.String(),
		credstore.KeyDeviceID:   deviceID,
		credstore.KeyRoomID:     testRoomID.String(),
	}
	if complete {
		values[credstore.KeyAccessToken] = testAccessToken
		values[credstore.KeyPassword] = "hunter2"
	}
	for key, value := range values {
		if err := store.Set(key, value); err != nil {
			t.Fatalf("Set(%s): %v", key, err)
		}
	}
}

func leftovers(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := credstore.List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return paths
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReapTearsDownLeftoverSession(t *testing.T) {
	dir := t.TempDir()
	writeLeftover(t, dir, "CRASHED", testHomeserver, true)
	connector := newFakeConnector()
	other := ref.MustParseRoomID("!other:example.org")
	connector.configure = func(index int, client *fakeClient) {
		client.joined = []ref.RoomID{testRoomID, other}
	}

	reaped, err := Reap(context.Background(), connector, dir, quietLogger())
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if reaped != 1 {
		t.Errorf("reaped = %d, want 1", reaped)
	}
	want := []string{
		"0:whoami",
		"0:joined-rooms",
		"0:leave:" + testRoomID.String(),
		"0:leave:" + other.String(),
		"0:deactivate:erase=true",
		"0:clear-stores",
		"0:close",
	}
	if calls := connector.calls(); !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	client := connector.client(t, 0)
	if client.credentials.UserID != testVisitor || client.credentials.AccessToken != testAccessToken {
		t.Errorf("credentials = %+v", client.credentials)
	}
	if !slices.Equal(client.deactivations, []string{"hunter2"}) {
		t.Errorf("deactivated with %q", client.deactivations)
	}
	if paths := leftovers(t, dir); len(paths) != 0 {
		t.Errorf("files left: %v", paths)
	}
}

func TestReapSkipsOtherHomeserver(t *testing.T) {
	dir := t.TempDir()
	writeLeftover(t, dir, "ELSEWHERE", "https://other.example.org", true)
	connector := newFakeConnector()

	reaped, err := Reap(context.Background(), connector, dir, quietLogger())
	if err != nil || reaped != 0 {
		t.Errorf("Reap = %d, %v", reaped, err)
	}
	if connector.clientCount() != 0 {
		t.Error("client built for another homeserver")
	}
	if paths := leftovers(t, dir); len(paths) != 1 {
		t.Errorf("files = %v", paths)
	}
}

func TestReapKeepsFileWhenDeactivationFails(t *testing.T) {
	dir := t.TempDir()
	writeLeftover(t, dir, "STUBBORN", testHomeserver, true)
	connector := newFakeConnector()
	connector.configure = func(index int, client *fakeClient) {
		client.deactivateErr = &messaging.MatrixError{Code: messaging.ErrCodeLimitExceeded, StatusCode: 429}
	}

	reaped, err := Reap(context.Background(), connector, dir, quietLogger())
	if err != nil || reaped != 0 {
		t.Errorf("Reap = %d, %v", reaped, err)
	}
	if paths := leftovers(t, dir); len(paths) != 1 {
		t.Errorf("files = %v", paths)
	}
}

func TestReapDiscardsDeadSessions(t *testing.T) {
	dir := t.TempDir()
	writeLeftover(t, dir, "LOGGEDOUT", testHomeserver, true)
	writeLeftover(t, dir, "PARTIAL", testHomeserver, false)
	connector := newFakeConnector()
	connector.configure = func(index int, client *fakeClient) {
		client.whoamiErr = &messaging.MatrixError{Code: messaging.ErrCodeUnknownToken, StatusCode: 401}
	}

	reaped, err := Reap(context.Background(), connector, dir, quietLogger())
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if slices.Contains(connector.calls(), "0:joined-rooms") {
		t.Error("listed rooms with a dead token")
	}
	if reaped != 2 {
		t.Errorf("reaped = %d, want 2", reaped)
	}
	if connector.clientCount() != 1 {
		t.Errorf("clients = %d, want 1 (partial file needs none)", connector.clientCount())
	}
	if slices.Contains(connector.calls(), "0:deactivate:erase=true") {
		t.Error("deactivated a logged-out session")
	}
	if paths := leftovers(t, dir); len(paths) != 0 {
		t.Errorf("files left: %v", paths)
	}
}

func TestReapSkipsSessionHeldOpen(t *testing.T) {
	dir := t.TempDir()
	writeLeftover(t, dir, "LIVE", testHomeserver, true)
	held, err := credstore.OpenFile(dir, "LIVE", "session-LIVE")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer held.Close()

	connector := newFakeConnector()
	reaped, err := Reap(context.Background(), connector, dir, quietLogger())
	if err != nil || reaped != 0 {
		t.Errorf("Reap = %d, %v", reaped, err)
	}
	if calls := connector.calls(); len(calls) != 0 {
		t.Errorf("reaper touched a live session: %v", calls)
	}
	if paths := leftovers(t, dir); len(paths) != 1 || paths[0] != held.Path() {
		t.Errorf("files = %v", paths)
	}
	if value, err := held.Get(credstore.KeyAccessToken); err != nil || value != testAccessToken {
		t.Errorf("live store lost its token: %q, %v", value, err)
	}

	// Once the owner lets go the file is fair game.
	held.Close()
	reaped, err = Reap(context.Background(), connector, dir, quietLogger())
	if err != nil || reaped != 1 {
		t.Errorf("Reap after Close = %d, %v", reaped, err)
	}
}

func TestReapDiscardsForeignToken(t *testing.T) {
	dir := t.TempDir()
	writeLeftover(t, dir, "FOREIGN", testHomeserver, true)
	connector := newFakeConnector()
	connector.configure = func(index int, client *fakeClient) {
		client.owner = testFacilitator
	}

	reaped, err := Reap(context.Background(), connector, dir, quietLogger())
	if err != nil || reaped != 1 {
		t.Errorf("Reap = %d, %v", reaped, err)
	}
	want := []string{"0:whoami", "0:close"}
	if calls := connector.calls(); !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if paths := leftovers(t, dir); len(paths) != 0 {
		t.Errorf("files left: %v", paths)
	}
}

func TestReapMissingDirectory(t *testing.T) {
	reaped, err := Reap(context.Background(), newFakeConnector(), t.TempDir()+"/absent", quietLogger())
	if err != nil || reaped != 0 {
		t.Errorf("Reap = %d, %v", reaped, err)
	}
}
