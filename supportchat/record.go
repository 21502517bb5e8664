// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/messaging"
)

// Senders of synthetic records.
const (
	// SenderSelf marks the visitor's own input echoed before a session exists.
	SenderSelf = "from-me"
	// SenderBot marks fixed informational messages.
	SenderBot = "from-bot"
)

// RecordTypeNotice is the type of synthetic records.
const RecordTypeNotice = "notice"

// MessageRecord is one displayed message.
type MessageRecord struct {
	// ID is the event ID for protocol events, a generated ID otherwise.
	ID      string
	Type    string
	Sender  string
	RoomID  ref.RoomID
	Content RecordContent
}

// RecordContent is the displayable part of a message.
type RecordContent struct {
	Body          string
	Format        string
	FormattedBody string
}

// Synthetic reports whether the record did not come from the homeserver.
func (r MessageRecord) Synthetic() bool {
	return r.Sender == SenderSelf || r.Sender == SenderBot
}

// normalize turns an m.room.message event into a record. Events of
// any other type are rejected.
func normalize(event messaging.Event) (MessageRecord, bool) {
	if event.Type != messaging.EventTypeMessage || event.EventID.IsZero() {
		return MessageRecord{}, false
	}
	return MessageRecord{
		ID:     event.EventID.String(),
		Type:   event.Type.String(),
		Sender: event.Sender.String(),
		RoomID: event.RoomID,
		Content: RecordContent{
			Body:          event.ContentString("body"),
			Format:        event.ContentString("format"),
			FormattedBody: event.ContentString("formatted_body"),
		},
	}, true
}
