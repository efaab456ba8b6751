package wa

import (
	"context"

	"github.com/matheus3301/chatmerge/internal/bus"
	"github.com/matheus3301/chatmerge/internal/status"
	"go.mau.fi/whatsmeow"
)

// AuthEventType enumerates auth event types.
type AuthEventType string

const (
	AuthEventQRCode        AuthEventType = "qr_code"
	AuthEventAuthenticated AuthEventType = "authenticated"
	AuthEventAuthFailed    AuthEventType = "auth_failed"
	AuthEventTimeout       AuthEventType = "timeout"
)

// AuthEvent represents an auth lifecycle event.
type AuthEvent struct {
	Type    AuthEventType
	QRCode  string
	Message string
}

// StartQRAuth begins the QR pairing flow. QR codes are also published on
// the bus as they rotate. The caller should read until the channel closes.
func (a *Adapter) StartQRAuth(ctx context.Context, machine *status.Machine) (<-chan AuthEvent, error) {
	qrChan, err := a.GetQRChannel(ctx)
	if err != nil {
		return nil, err
	}
	if machine != nil {
		_ = machine.Set(status.AuthRequired)
	}

	out := make(chan AuthEvent, 10)

	go func() {
		defer close(out)

		// Connect must be called after GetQRChannel.
		if err := a.Connect(); err != nil {
			out <- AuthEvent{Type: AuthEventAuthFailed, Message: err.Error()}
			return
		}

		for item := range qrChan {
			evt, done := authEventFor(item)
			if evt.Type == "" {
				continue
			}
			switch evt.Type {
			case AuthEventQRCode:
				a.bus.Emit(bus.WAQRCode, evt.QRCode)
			case AuthEventAuthenticated:
				a.bus.Emit(bus.WAPairSuccess, a.OwnIdentity())
			}
			out <- evt
			if done {
				return
			}
		}
	}()

	return out, nil
}

// authEventFor maps a QR channel item to an auth event and whether the
// flow has ended. Unrecognised items yield a zero event.
func authEventFor(item whatsmeow.QRChannelItem) (AuthEvent, bool) {
	switch item.Event {
	case "code":
		return AuthEvent{Type: AuthEventQRCode, QRCode: item.Code}, false
	case "success":
		return AuthEvent{Type: AuthEventAuthenticated, Message: "authenticated"}, true
	case "timeout":
		return AuthEvent{Type: AuthEventTimeout, Message: "QR code timeout"}, true
	}
	if item.Error != nil {
		return AuthEvent{Type: AuthEventAuthFailed, Message: item.Error.Error()}, true
	}
	return AuthEvent{}, false
}
