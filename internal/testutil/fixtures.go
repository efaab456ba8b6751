package testutil

import (
	"time"

	"github.com/matheus3301/chatmerge/internal/store"
)

// Base is the reference instant fixtures are built around, in naive Unix
// milliseconds.
var Base = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC).UnixMilli()

// At returns Base shifted by d.
func At(d time.Duration) int64 {
	return Base + d.Milliseconds()
}

// Text builds a text message.
func Text(remoteID, author string, ts int64, body string) store.Message {
	return store.Message{
		RemoteID:  remoteID,
		Author:    author,
		Type:      store.TypeText,
		Timestamp: ts,
		BodyRaw:   body,
		Body:      body,
	}
}

// Membership builds a membership event referencing identities.
func Membership(t store.MessageType, author string, ts int64, identities ...string) store.Message {
	return store.Message{
		Author:     author,
		Type:       t,
		Timestamp:  ts,
		Body:       author + " changed membership",
		Identities: identities,
	}
}

// Members builds participants with the member role.
func Members(identities ...string) []store.Participant {
	ps := make([]store.Participant, len(identities))
	for i, id := range identities {
		ps[i] = store.Participant{Identity: id, Role: store.RoleMember}
	}
	return ps
}

// Group builds a group conversation.
func Group(identity, name string) store.Conversation {
	return store.Conversation{Identity: identity, Type: store.ConversationGroup, DisplayName: name}
}
