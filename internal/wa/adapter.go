package wa

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/chatmerge/internal/bus"
	"github.com/matheus3301/chatmerge/internal/live"
	"github.com/matheus3301/chatmerge/internal/store"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and exposes WhatsApp as a live source.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	bus       *bus.Bus
	logger    *zap.Logger
	history   *History
}

// NewAdapter opens the whatsmeow device store at sessionDB.
func NewAdapter(ctx context.Context, sessionDB string, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("chatmerge", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", sessionDB),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	return &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		bus:       b,
		logger:    logger,
		history:   NewHistory(),
	}, nil
}

// History returns the buffer of messages received through history sync.
func (a *Adapter) History() *History {
	return a.history
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// GetQRChannel returns the QR channel for pairing. Must be called before Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// OwnIdentity returns the logged-in account's JID, or "".
func (a *Adapter) OwnIdentity() string {
	if a.client == nil || a.client.Store == nil || a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.ToNonAD().String()
}

// Contacts returns the names the device store knows.
func (a *Adapter) Contacts(ctx context.Context) ([]store.Contact, error) {
	all, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}
	contacts := make([]store.Contact, 0, len(all))
	for jid, info := range all {
		name := cmp.Or(info.FullName, info.FirstName, info.PushName, info.BusinessName)
		if name == "" {
			continue
		}
		contacts = append(contacts, store.Contact{Identity: jid.ToNonAD().String(), DisplayName: name})
	}
	slices.SortFunc(contacts, func(x, y store.Contact) int { return cmp.Compare(x.Identity, y.Identity) })
	return contacts, nil
}

// Conversations lists joined groups plus the chats seen in history sync.
func (a *Adapter) Conversations(ctx context.Context) ([]store.Conversation, error) {
	groups, err := a.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}
	seen := make(map[string]bool, len(groups))
	out := make([]store.Conversation, 0, len(groups))
	for _, g := range groups {
		c := conversationFor(g.JID, g.GroupName.Name)
		seen[c.Identity] = true
		out = append(out, c)
	}
	for _, c := range a.history.Conversations() {
		if !seen[c.Identity] {
			out = append(out, c)
		}
	}
	return out, nil
}

// Participants returns the members of a group. Single chats have the
// other party as their only participant.
func (a *Adapter) Participants(ctx context.Context, identity string) ([]store.Participant, error) {
	jid, err := types.ParseJID(identity)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}
	if jid.Server != types.GroupServer {
		return []store.Participant{{Identity: identity, Role: store.RoleMember}}, nil
	}
	info, err := a.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get group info: %w", err)
	}
	return groupParticipants(info), nil
}

func groupParticipants(info *types.GroupInfo) []store.Participant {
	ps := make([]store.Participant, 0, len(info.Participants))
	for _, p := range info.Participants {
		role := store.RoleMember
		switch {
		case p.IsSuperAdmin:
			role = store.RoleCreator
		case p.IsAdmin:
			role = store.RoleAdmin
		}
		ps = append(ps, store.Participant{Identity: p.JID.ToNonAD().String(), Role: role})
	}
	return ps
}

// Messages pages through the history the device has received for a chat,
// newest first.
func (a *Adapter) Messages(ctx context.Context, identity, cursor string) (live.Page, error) {
	return a.history.Page(identity, cursor, historyPageSize)
}

// ResolveLID resolves a LID JID to its phone number JID using the device store mapping.
// Returns the original JID if it's not a LID or if resolution fails.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
