package wa

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatmerge/internal/live"
	"github.com/matheus3301/chatmerge/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// NormalizeJID strips the device suffix from a JID string. Input that does
// not parse as a user JID is returned unchanged.
func NormalizeJID(s string) string {
	if s == "" {
		return ""
	}
	jid, err := types.ParseJID(s)
	if err != nil || jid.User == "" {
		return s
	}
	return jid.ToNonAD().String()
}

func conversationFor(chat types.JID, name string) store.Conversation {
	c := store.Conversation{
		Identity:    chat.ToNonAD().String(),
		Type:        store.ConversationSingle,
		DisplayName: name,
	}
	if chat.Server == types.GroupServer {
		c.Type = store.ConversationGroup
	}
	return c
}

// ParseMessage converts a WhatsApp message into an arrival. Edits carry the
// edited message's id and the time of the edit. Reactions, revocations and
// other protocol messages report false.
func ParseMessage(info types.MessageInfo, msg *waE2E.Message) (live.Arrival, bool) {
	if msg == nil {
		return live.Arrival{}, false
	}
	if fp := msg.GetEditedMessage(); fp != nil && fp.GetMessage() != nil {
		msg = fp.GetMessage()
	}
	conv := conversationFor(info.Chat, "")
	author := info.Sender.ToNonAD().String()
	ts := info.Timestamp.UnixMilli()
	if info.Timestamp.IsZero() {
		ts = 0
	}

	if pm := msg.GetProtocolMessage(); pm != nil {
		if pm.GetType() != waE2E.ProtocolMessage_MESSAGE_EDIT || pm.GetKey().GetID() == "" {
			return live.Arrival{}, false
		}
		m := buildMessage(pm.GetEditedMessage())
		m.RemoteID = pm.GetKey().GetID()
		m.Author = author
		m.Timestamp = ts
		m.EditedBy = author
		m.EditedAt = ts
		return live.Arrival{Conversation: conv, Message: m}, true
	}
	if msg.GetReactionMessage() != nil {
		return live.Arrival{}, false
	}

	m := buildMessage(msg)
	m.RemoteID = info.ID
	m.Author = author
	m.Timestamp = ts
	return live.Arrival{Conversation: conv, Message: m}, true
}

// ParseLiveMessage converts a live message event.
func ParseLiveMessage(evt *events.Message) (live.Arrival, bool) {
	a, ok := ParseMessage(evt.Info, evt.Message)
	if ok && a.Conversation.Type == store.ConversationSingle && !evt.Info.IsFromMe {
		a.Conversation.DisplayName = evt.Info.PushName
	}
	return a, ok
}

// ParseHistoryMessage converts one message of a history sync conversation.
func ParseHistoryMessage(chatJID, chatName string, wm *waWeb.WebMessageInfo) (live.Arrival, bool) {
	if wm == nil || wm.GetMessage() == nil {
		return live.Arrival{}, false
	}
	chat, err := types.ParseJID(chatJID)
	if err != nil {
		return live.Arrival{}, false
	}
	key := wm.GetKey()
	info := types.MessageInfo{
		MessageSource: types.MessageSource{
			Chat:     chat,
			IsFromMe: key.GetFromMe(),
			IsGroup:  chat.Server == types.GroupServer,
		},
		ID:       key.GetID(),
		PushName: wm.GetPushName(),
	}
	if ts := wm.GetMessageTimestamp(); ts > 0 {
		info.Timestamp = time.Unix(int64(ts), 0)
	}
	sender := cmp.Or(key.GetParticipant(), wm.GetParticipant())
	if sender == "" && !key.GetFromMe() {
		sender = chatJID
	}
	if sender != "" {
		if jid, err := types.ParseJID(sender); err == nil {
			info.Sender = jid
		}
	}
	a, ok := ParseMessage(info, wm.GetMessage())
	if ok {
		a.Conversation.DisplayName = chatName
	}
	return a, ok
}

// MembershipArrivals converts group join and leave notifications into
// membership messages.
func MembershipArrivals(evt *events.GroupInfo) []live.Arrival {
	conv := conversationFor(evt.JID, "")
	author := ""
	if evt.Sender != nil {
		author = evt.Sender.ToNonAD().String()
	}
	ts := evt.Timestamp.UnixMilli()

	var out []live.Arrival
	add := func(t store.MessageType, jids []types.JID) {
		if len(jids) == 0 {
			return
		}
		ids := make([]string, len(jids))
		for i, j := range jids {
			ids[i] = j.ToNonAD().String()
		}
		slices.Sort(ids)
		out = append(out, live.Arrival{Conversation: conv, Message: store.Message{
			Author:     author,
			Type:       t,
			Timestamp:  ts,
			Body:       strings.Join(ids, ", "),
			Identities: ids,
		}})
	}
	add(store.TypeMembershipAdd, evt.Join)
	if len(evt.Leave) == 1 && author != "" && evt.Leave[0].ToNonAD().String() == author {
		add(store.TypeLeave, evt.Leave)
	} else {
		add(store.TypeMembershipRemove, evt.Leave)
	}
	if evt.Topic != nil {
		out = append(out, live.Arrival{Conversation: conv, Message: store.Message{
			Author:    author,
			Type:      store.TypeTopicChange,
			Timestamp: ts,
			BodyRaw:   evt.Topic.Topic,
			Body:      evt.Topic.Topic,
		}})
	}
	return out
}

func buildMessage(msg *waE2E.Message) store.Message {
	body := extractTextBody(msg)
	m := store.Message{
		Type:    storeType(detectMessageType(msg)),
		BodyRaw: body,
		Body:    body,
	}
	if c := msg.GetContactMessage(); c != nil {
		m.Identities = vcardIdentities(c.GetVcard())
		if len(m.Identities) == 0 && c.GetDisplayName() != "" {
			m.Identities = []string{c.GetDisplayName()}
		}
	}
	return m
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		d := msg.GetDocumentMessage()
		return cmp.Or(d.GetCaption(), d.GetFileName())
	case msg.GetContactMessage() != nil:
		return msg.GetContactMessage().GetDisplayName()
	case msg.GetLocationMessage() != nil:
		l := msg.GetLocationMessage()
		coords := strconv.FormatFloat(l.GetDegreesLatitude(), 'f', 6, 64) + "," +
			strconv.FormatFloat(l.GetDegreesLongitude(), 'f', 6, 64)
		if l.GetName() != "" {
			return l.GetName() + " (" + coords + ")"
		}
		return coords
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}

func storeType(kind string) store.MessageType {
	switch kind {
	case "text":
		return store.TypeText
	case "image", "sticker":
		return store.TypeImageShare
	case "video", "audio":
		return store.TypeMediaShare
	case "document":
		return store.TypeFileShare
	case "contact":
		return store.TypeContactShare
	case "location":
		return store.TypeLocation
	default:
		return store.TypeUnknown
	}
}

// vcardIdentities extracts WhatsApp ids from the waid parameters of a
// vCard's TEL lines.
func vcardIdentities(vcard string) []string {
	var ids []string
	for line := range strings.Lines(vcard) {
		_, rest, ok := strings.Cut(line, "waid=")
		if !ok {
			continue
		}
		end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
		if end < 0 {
			end = len(rest)
		}
		if end > 0 {
			ids = append(ids, rest[:end]+"@"+types.DefaultUserServer)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
