package lifecycle

import (
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/channel"
	"github.com/nextlevelbuilder/wabridge/internal/provider"
)

// Outcome is what a session event means for a channel: the status to apply
// and the side effects the controller must perform. transition computes it;
// the controller executes it.
type Outcome struct {
	// Ignore is true when the event is meaningless in the current state
	// and nothing should happen.
	Ignore bool

	Status   channel.Status
	Attempts int

	// SetQR asks the controller to render the pairing code carried by the
	// event and store the image on the channel.
	SetQR bool
	// ClearQR wipes any stored pairing image.
	ClearQR bool
	// ResolveWait completes a pending pairing wait for the channel.
	ResolveWait bool
	// DropSession retires the session handle; the channel is parked in a
	// terminal state.
	DropSession bool
	// Schedule asks for a reconnect attempt after Delay. Attempt is the
	// 1-based attempt number, for logs and the journal.
	Schedule bool
	Delay    time.Duration
	Attempt  int
}

// transition maps (channel state, session event) to an outcome. It is pure:
// no locks, no clocks, no I/O. Message events never reach it; the controller
// routes those straight to the bus.
func transition(ch channel.Channel, ev provider.Event, p Policy) Outcome {
	// Terminal channels only move again via regenerate. Anything a dying
	// session still emits is noise.
	if ch.Status.Terminal() {
		return Outcome{Ignore: true}
	}

	switch ev.Kind {
	case provider.KindPairingCode:
		return Outcome{
			Status:      channel.StatusQRCode,
			Attempts:    ch.ReconnectAttempts,
			SetQR:       true,
			ResolveWait: true,
		}

	case provider.KindOpened:
		return Outcome{
			Status:      channel.StatusConnected,
			Attempts:    0,
			ClearQR:     true,
			ResolveWait: true,
		}

	case provider.KindClosed:
		d := p.Decide(ev.Cause, ch.ReconnectAttempts)
		switch {
		case d.LoggedOut:
			return Outcome{
				Status:      channel.StatusLoggedOut,
				Attempts:    0,
				ClearQR:     true,
				DropSession: true,
			}
		case d.Reconnect:
			return Outcome{
				Status:   channel.StatusReconnecting,
				Attempts: d.Attempt,
				ClearQR:  true,
				Schedule: true,
				Delay:    d.Delay,
				Attempt:  d.Attempt,
			}
		default:
			return Outcome{
				Status:      channel.StatusFailed,
				Attempts:    0,
				ClearQR:     true,
				DropSession: true,
			}
		}
	}

	return Outcome{Ignore: true}
}
