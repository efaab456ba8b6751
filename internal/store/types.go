package store

// MessageType enumerates the kinds of archived messages.
type MessageType string

const (
	TypeText             MessageType = "text"
	TypeCall             MessageType = "call"
	TypeCallEnd          MessageType = "call_end"
	TypeMembershipAdd    MessageType = "membership_add"
	TypeMembershipRemove MessageType = "membership_remove"
	TypeLeave            MessageType = "leave"
	TypeGroupCreated     MessageType = "group_created"
	TypeContactShare     MessageType = "contact_share"
	TypeImageShare       MessageType = "image_share"
	TypeFileShare        MessageType = "file_share"
	TypeMediaShare       MessageType = "media_share"
	TypeTopicChange      MessageType = "topic_change"
	TypeLocation         MessageType = "location"
	TypeInfo             MessageType = "info"
	TypeSMS              MessageType = "sms"
	TypeUnknown          MessageType = "unknown"
)

// IsMembership reports whether messages of this type are described by the
// identities they reference rather than by their body.
func (t MessageType) IsMembership() bool {
	switch t {
	case TypeGroupCreated, TypeMembershipAdd, TypeMembershipRemove, TypeLeave, TypeContactShare:
		return true
	}
	return false
}

// ConversationType distinguishes 1:1 chats from groups.
type ConversationType string

const (
	ConversationSingle     ConversationType = "single"
	ConversationGroup      ConversationType = "group"
	ConversationConference ConversationType = "conference"
)

// Role of a participant within a conversation.
type Role string

const (
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
	RoleMember  Role = "member"
)

// Conversation is an archived chat. Identity is the stable external id;
// ID is only meaningful inside the archive it was read from.
type Conversation struct {
	ID             int64
	Identity       string
	LinkedIdentity string // legacy/alternate identity of the same chat, if any
	Type           ConversationType
	DisplayName    string
	MessageCount   int
	CreatedAt      int64
	LastActivityAt int64
}

// Title returns the display name, falling back to the identity.
func (c *Conversation) Title() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Identity
}

// Participant is a member of a conversation.
type Participant struct {
	ConversationID int64
	Identity       string
	Role           Role
}

// Message is an archived chat message. Timestamps are naive Unix
// milliseconds as recorded by the archive, not normalized instants.
type Message struct {
	ID             int64
	ConversationID int64
	RemoteID       string // protocol id, "" when absent; not unique
	Author         string
	Type           MessageType
	Timestamp      int64
	BodyRaw        string   // protocol markup
	Body           string   // renderable text
	Identities     []string // members referenced by membership events
	EditedBy       string
	EditedAt       int64 // 0 when never edited
}

// MessageUpdate holds the mutable fields of a stored message. Nil fields
// are left untouched.
type MessageUpdate struct {
	BodyRaw   *string
	Body      *string
	EditedBy  *string
	EditedAt  *int64
	Timestamp *int64
}

// Contact maps an identity to a display name.
type Contact struct {
	Identity    string
	DisplayName string
}
