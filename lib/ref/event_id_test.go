// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestEventID(t *testing.T) {
	for _, valid := range []string{"$Rqnc-F-dvnEYJTyHq_iKxU2bZ1CI92-kuZq3a5lr5Zg", "$legacy:example.org"} {
		if _, err := ParseEventID(valid); err != nil {
			t.Errorf("ParseEventID(%q): %v", valid, err)
		}
	}
	for _, bad := range []string{"", "$", "!support:example.org", "abc"} {
		if _, err := ParseEventID(bad); err == nil {
			t.Errorf("ParseEventID(%q) succeeded, want error", bad)
		}
	}

	// Timeline events carry event_id; local echoes and
	// unsigned redactions may carry an empty one.
	var event struct {
		EventID EventID `json:"event_id"`
	}
	if err := json.Unmarshal([]byte(`{"event_id":"$abc"}`), &event); err != nil || event.EventID.String() != "$abc" {
		t.Errorf("Unmarshal = %q, %v", event.EventID, err)
	}
	if err := json.Unmarshal([]byte(`{"event_id":""}`), &event); err != nil || !event.EventID.IsZero() {
		t.Errorf("empty event_id = %q, %v; want zero", event.EventID, err)
	}
	if err := json.Unmarshal([]byte(`{"event_id":"abc"}`), &event); err == nil {
		t.Error("Unmarshal accepted an event ID without $")
	}
}
