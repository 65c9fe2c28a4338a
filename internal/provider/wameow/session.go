package wameow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/nextlevelbuilder/wabridge/internal/provider"
)

// eventBuffer is how many session events may queue before emit blocks the
// library's dispatch goroutine.
const eventBuffer = 64

// session adapts one whatsmeow client to the provider.Session contract.
// Library callbacks are translated into provider events; emit drops nothing
// until End, after which remaining callbacks are discarded.
type session struct {
	channelID string
	client    *whatsmeow.Client
	save      provider.SaveFunc
	events    chan provider.Event
	done      chan struct{}
	endOnce   sync.Once
	log       *slog.Logger
}

var _ provider.Session = (*session)(nil)

func (s *session) Events() <-chan provider.Event {
	return s.events
}

// emit hands an event to the consumer. It blocks while the buffer is full so
// the library's dispatch goroutine backpressures instead of losing events,
// and gives up once the session has ended.
func (s *session) emit(ev provider.Event) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

func (s *session) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		s.log.Info("pairing succeeded", "jid", e.ID.String())
		s.persistBinding()
	case *events.Connected:
		s.emit(provider.Event{Kind: provider.KindOpened})
	case *events.Disconnected:
		s.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseConnectionLost})
	case *events.LoggedOut:
		s.emit(provider.Event{
			Kind:   provider.KindClosed,
			Cause:  provider.CauseLoggedOut,
			Detail: fmt.Sprintf("reason %v", e.Reason),
		})
	case *events.StreamReplaced:
		s.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseStreamReplaced})
	case *events.ClientOutdated:
		s.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseClientOutdated})
	case *events.TemporaryBan:
		s.emit(provider.Event{
			Kind:   provider.KindClosed,
			Cause:  provider.CauseUnknown,
			Detail: fmt.Sprintf("temporary ban: %v", e),
		})
	case *events.ConnectFailure:
		s.emit(provider.Event{
			Kind:   provider.KindClosed,
			Cause:  provider.CauseConnectionLost,
			Detail: fmt.Sprintf("connect failure: %v", e.Reason),
		})
	case *events.Message:
		s.emit(provider.Event{Kind: provider.KindMessage, Message: mapMessage(e)})
	}
}

// persistBinding records the freshly paired device so restores after a
// restart resolve to it.
func (s *session) persistBinding() {
	if s.save == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.save(ctx, &deviceCredentials{device: s.client.Store}); err != nil {
		s.log.Error("device binding not persisted", "error", err)
	}
}

// pumpQR forwards pairing codes from the library's QR channel. Terminal items
// need no translation here: success is followed by a Connected event and
// timeouts by a Disconnected one, both of which arrive through handleEvent.
func (s *session) pumpQR(items <-chan whatsmeow.QRChannelItem) {
	for item := range items {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.emit(provider.Event{Kind: provider.KindPairingCode, Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			s.log.Info("qr scan accepted")
		case whatsmeow.QRChannelTimeout.Event:
			s.log.Warn("qr pairing window elapsed")
		default:
			if item.Error != nil {
				s.log.Error("qr channel failed", "event", item.Event, "error", item.Error)
			} else {
				s.log.Warn("qr channel ended", "event", item.Event)
			}
		}
	}
}

func (s *session) SendText(ctx context.Context, to, text string) (provider.Receipt, error) {
	jid, err := toJID(to)
	if err != nil {
		return provider.Receipt{}, err
	}
	resp, err := s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return provider.Receipt{}, fmt.Errorf("send to %s: %w", jid, err)
	}
	return provider.Receipt{
		MessageID: string(resp.ID),
		To:        jid.String(),
		Timestamp: resp.Timestamp,
	}, nil
}

func (s *session) IsOnNetwork(ctx context.Context, phone string) (provider.Recipient, error) {
	resp, err := s.client.IsOnWhatsApp(ctx, []string{normalizePhone(phone)})
	if err != nil {
		return provider.Recipient{}, fmt.Errorf("lookup %s: %w", phone, err)
	}
	if len(resp) == 0 {
		return provider.Recipient{Phone: phone}, nil
	}
	r := resp[0]
	rec := provider.Recipient{Phone: phone, Reachable: r.IsIn}
	if r.IsIn {
		rec.JID = r.JID.String()
	}
	return rec, nil
}

func (s *session) Alive() bool {
	return s.client.IsConnected() && s.client.IsLoggedIn()
}

func (s *session) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

// End tears the socket down and stops event delivery. The events channel is
// never closed; consumers stop reading when they retire the session.
func (s *session) End() {
	s.endOnce.Do(func() {
		close(s.done)
		s.client.Disconnect()
	})
}

func mapMessage(e *events.Message) *provider.Message {
	return &provider.Message{
		ID:        string(e.Info.ID),
		From:      e.Info.Sender.String(),
		Text:      textOf(e.Message),
		Timestamp: e.Info.Timestamp,
		FromMe:    e.Info.IsFromMe,
		Group:     e.Info.IsGroup,
	}
}

// textOf pulls the human-readable body out of the message variants the
// bridge forwards. Media without a caption comes back empty.
func textOf(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if t := m.GetConversation(); t != "" {
		return t
	}
	if ext := m.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := m.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := m.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := m.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

// toJID accepts either a full JID ("123@s.whatsapp.net", "...@g.us") or a
// bare phone number and returns the address to send to.
func toJID(to string) (types.JID, error) {
	if strings.ContainsRune(to, '@') {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("parse recipient %q: %w", to, err)
		}
		return jid, nil
	}
	digits := digitsOf(to)
	if digits == "" {
		return types.EmptyJID, fmt.Errorf("recipient %q has no digits", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// normalizePhone strips formatting and ensures the leading plus the
// directory lookup expects.
func normalizePhone(phone string) string {
	digits := digitsOf(phone)
	if digits == "" {
		return phone
	}
	return "+" + digits
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
