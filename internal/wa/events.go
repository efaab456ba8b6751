package wa

import (
	"context"
	"sync"

	"github.com/matheus3301/chatmerge/internal/bus"
	"github.com/matheus3301/chatmerge/internal/live"
	"github.com/matheus3301/chatmerge/internal/status"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// LIDResolver maps hidden-user JIDs to phone number JIDs.
type LIDResolver interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
}

// EventHandler processes whatsmeow events, drives the connection machine,
// and publishes arrivals on the bus. It does not call the ingestor
// directly; the ingestor subscribes to the bus independently.
type EventHandler struct {
	bus      *bus.Bus
	machine  *status.Machine
	resolver LIDResolver
	history  *History
	logger   *zap.Logger

	mu     sync.Mutex
	linked map[string]string
}

// NewEventHandler creates a new event handler. resolver and history may be nil.
func NewEventHandler(b *bus.Bus, machine *status.Machine, resolver LIDResolver, history *History, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		bus:      b,
		machine:  machine,
		resolver: resolver,
		history:  history,
		logger:   logger,
		linked:   make(map[string]string),
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.GroupInfo:
		h.publishBatch(h.resolveAll(MembershipArrivals(evt)))
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		switch h.machine.Current() {
		case status.Booting, status.AuthRequired, status.Reconnecting:
			_ = h.machine.Transition(status.Connecting)
		}
		_ = h.machine.Set(status.Ready)
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		_ = h.machine.Set(status.Reconnecting)
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		_ = h.machine.Set(status.AuthRequired)
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	a, ok := ParseLiveMessage(evt)
	if !ok {
		return
	}
	a = h.resolve(a)
	h.flushLinks()
	h.bus.Emit(bus.WAMessage, a)
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var batch []live.Arrival
	for _, conv := range data.GetConversations() {
		for _, hm := range conv.GetMessages() {
			if a, ok := ParseHistoryMessage(conv.GetID(), conv.GetName(), hm.GetMessage()); ok {
				batch = append(batch, a)
			}
		}
	}
	h.publishBatch(h.resolveAll(batch))
}

func (h *EventHandler) publishBatch(batch []live.Arrival) {
	h.flushLinks()
	if len(batch) == 0 {
		return
	}
	if h.history != nil {
		h.history.Add(batch)
	}
	h.bus.Emit(bus.WAHistoryBatch, batch)
}

func (h *EventHandler) resolveAll(batch []live.Arrival) []live.Arrival {
	for i := range batch {
		batch[i] = h.resolve(batch[i])
	}
	return batch
}

// resolve rewrites hidden-user JIDs to phone numbers. A resolved chat keeps
// its hidden-user JID as the linked identity.
func (h *EventHandler) resolve(a live.Arrival) live.Arrival {
	if h.resolver == nil {
		return a
	}
	if pn := h.resolveJID(a.Conversation.Identity); pn != a.Conversation.Identity {
		h.remember(pn, a.Conversation.Identity)
		a.Conversation.LinkedIdentity = a.Conversation.Identity
		a.Conversation.Identity = pn
	}
	a.Message.Author = h.resolveJID(a.Message.Author)
	a.Message.EditedBy = h.resolveJID(a.Message.EditedBy)
	for i, id := range a.Message.Identities {
		a.Message.Identities[i] = h.resolveJID(id)
	}
	return a
}

func (h *EventHandler) resolveJID(s string) string {
	if s == "" {
		return s
	}
	jid, err := types.ParseJID(s)
	if err != nil || jid.Server != types.HiddenUserServer {
		return s
	}
	return h.resolver.ResolveLID(context.Background(), jid).ToNonAD().String()
}

func (h *EventHandler) remember(pn, lid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.linked[pn]; !ok {
		h.linked[pn] = lid
	}
}

// flushLinks publishes newly learned identity pairs in both directions,
// since archived conversations may be keyed by either one.
func (h *EventHandler) flushLinks() {
	h.mu.Lock()
	var links map[string]string
	for pn, lid := range h.linked {
		if lid == "" {
			continue
		}
		if links == nil {
			links = make(map[string]string)
		}
		links[pn] = lid
		links[lid] = pn
		h.linked[pn] = ""
	}
	h.mu.Unlock()
	if links != nil {
		h.bus.Emit(bus.WAIdentityLinks, links)
	}
}
