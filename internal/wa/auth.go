package wa

import (
	"context"
	"fmt"

	"github.com/matheus3301/wppbak/internal/bus"
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
	Type    AuthEventType `json:"type"`
	QRCode  string        `json:"qrCode,omitempty"`
	Message string        `json:"message,omitempty"`
}

// ErrAuthInProgress is returned when a pairing flow is already running.
var ErrAuthInProgress = fmt.Errorf("pairing already in progress")

// StartQRAuth begins the QR pairing flow. Codes are published on the bus
// and kept as the current QR until pairing ends. The returned channel closes
// when the flow finishes.
func (a *Adapter) StartQRAuth(ctx context.Context) (<-chan AuthEvent, error) {
	a.mu.Lock()
	if a.pairing {
		a.mu.Unlock()
		return nil, ErrAuthInProgress
	}
	a.pairing = true
	a.mu.Unlock()

	qrChan, err := a.GetQRChannel(ctx)
	if err != nil {
		a.endPairing()
		return nil, err
	}

	out := make(chan AuthEvent, 10)
	go func() {
		defer close(out)
		defer a.endPairing()

		// Connect must be called after GetQRChannel.
		if err := a.Connect(); err != nil {
			a.emitAuth(out, AuthEvent{Type: AuthEventAuthFailed, Message: err.Error()})
			return
		}

		for item := range qrChan {
			switch item.Event {
			case "code":
				a.mu.Lock()
				a.qr = item.Code
				a.mu.Unlock()
				a.emitAuth(out, AuthEvent{Type: AuthEventQRCode, QRCode: item.Code})
			case "success":
				a.emitAuth(out, AuthEvent{Type: AuthEventAuthenticated, Message: "authenticated"})
				return
			case "timeout":
				a.emitAuth(out, AuthEvent{Type: AuthEventTimeout, Message: "QR code timeout"})
				return
			default:
				if item.Error != nil {
					a.emitAuth(out, AuthEvent{Type: AuthEventAuthFailed, Message: item.Error.Error()})
					return
				}
			}
		}
	}()

	return out, nil
}

// CurrentQR returns the QR code of the pairing flow in progress, or "".
func (a *Adapter) CurrentQR() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.qr
}

func (a *Adapter) endPairing() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pairing = false
	a.qr = ""
}

func (a *Adapter) emitAuth(out chan<- AuthEvent, evt AuthEvent) {
	select {
	case out <- evt:
	default:
		a.logger.Warn("auth event dropped, no reader")
	}
	switch evt.Type {
	case AuthEventQRCode:
		a.bus.Emit(bus.KindSessionQR, evt.QRCode)
	case AuthEventAuthenticated:
		a.bus.Emit(bus.KindSessionAuthenticated, nil)
	default:
		a.bus.Emit(bus.KindSessionAuthFailed, evt.Message)
	}
}
