// Package lifecycle drives the connection lifecycle of messaging channels:
// pairing, restore, reconnection with backoff, and teardown. The controller
// owns every live session and is the only writer of channel status.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/channel"
	"github.com/nextlevelbuilder/wabridge/internal/provider"
	"github.com/nextlevelbuilder/wabridge/internal/store"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

// QREncoder renders raw pairing codes as displayable images.
type QREncoder interface {
	Encode(code string) (string, error)
}

// Recorder appends status transitions to a durable journal.
type Recorder interface {
	Record(ctx context.Context, channelID, from, to, cause string) error
}

// Publisher fans events out to connected consumers.
type Publisher interface {
	Publish(ev bus.Event)
}

// Config tunes the controller's timing behavior.
type Config struct {
	// PairingWait is how long Create and Regenerate block waiting for the
	// first pairing code before returning the snapshot as-is.
	PairingWait time.Duration
	// SettleDelay is the pause between retiring a previous session and
	// dialing its replacement.
	SettleDelay time.Duration
	// Policy governs reconnection after unexpected closes.
	Policy Policy
	// RecipientCacheSize and RecipientCacheTTL bound the reachability
	// check cache.
	RecipientCacheSize int
	RecipientCacheTTL  time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		PairingWait:        15 * time.Second,
		SettleDelay:        time.Second,
		Policy:             DefaultPolicy(),
		RecipientCacheSize: 1024,
		RecipientCacheTTL:  10 * time.Minute,
	}
}

// Health is the result of a connection probe.
type Health struct {
	Healthy bool
	Status  channel.Status
	Reason  string
}

// Options wires the controller's collaborators. Registry, Records, Creds,
// Dialer and Encoder are required; Recorder, Bus and Logger are optional.
type Options struct {
	Registry *channel.Registry
	Records  store.ChannelStore
	Creds    provider.CredentialStore
	Dialer   provider.Dialer
	Encoder  QREncoder
	Recorder Recorder
	Bus      Publisher
	Logger   *slog.Logger
	Config   Config
}

// liveSession pairs a transport handle with the generation that fences its
// events and the cancel that stops its pump.
type liveSession struct {
	handle provider.Session
	gen    uint64
	cancel context.CancelFunc
}

// Controller multiplexes many channels over one provider. All exported
// methods are safe for concurrent use.
type Controller struct {
	cfg      Config
	log      *slog.Logger
	reg      *channel.Registry
	records  store.ChannelStore
	creds    provider.CredentialStore
	dialer   provider.Dialer
	encoder  QREncoder
	recorder Recorder
	bus      Publisher
	waiter   *Waiter
	checks   *expirable.LRU[string, provider.Recipient]
	dedupe   *bus.DedupeCache

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*liveSession
	starting map[string]struct{}
	timers   map[string]*time.Timer
	gen      uint64
}

// New builds a controller. It does not dial anything until Create, Restore
// or a scheduled reconnect asks it to.
func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config
	if cfg.PairingWait <= 0 {
		cfg.PairingWait = DefaultConfig().PairingWait
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.RecipientCacheSize <= 0 {
		cfg.RecipientCacheSize = DefaultConfig().RecipientCacheSize
	}
	if cfg.RecipientCacheTTL <= 0 {
		cfg.RecipientCacheTTL = DefaultConfig().RecipientCacheTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		log:      log,
		reg:      opts.Registry,
		records:  opts.Records,
		creds:    opts.Creds,
		dialer:   opts.Dialer,
		encoder:  opts.Encoder,
		recorder: opts.Recorder,
		bus:      opts.Bus,
		waiter:   NewWaiter(),
		checks:   expirable.NewLRU[string, provider.Recipient](cfg.RecipientCacheSize, nil, cfg.RecipientCacheTTL),
		dedupe:   bus.NewDedupeCache(20*time.Minute, 5000),
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[string]*liveSession),
		starting: make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// Create registers a new channel and starts a fresh pairing attempt. It
// blocks until the first pairing code is rendered, the pairing wait elapses,
// or ctx is done, then returns the current snapshot. The returned channel
// usually carries status QRCODE and a scannable image; a timeout is not an
// error.
func (c *Controller) Create(ctx context.Context, id string) (channel.Channel, error) {
	if !c.reg.Register(id) {
		return channel.Channel{}, fmt.Errorf("create %s: %w", id, ErrChannelExists)
	}
	now := time.Now().UTC()
	if err := c.records.Upsert(ctx, store.ChannelRecord{ID: id, CreatedAt: now, UpdatedAt: now}); err != nil {
		c.log.Warn("channel record not persisted", "channel", id, "error", err)
	}
	c.log.Info("channel created", "channel", id)

	wait, err := c.waiter.Begin(id)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("create %s: %w", id, err)
	}
	defer c.waiter.Forget(id)

	c.spawnStart(id, true)
	return c.awaitPairing(ctx, id, wait)
}

// Regenerate discards the channel's pairing and starts over, returning once
// a fresh pairing code is available or the wait elapses. Any pending
// reconnect is cancelled first so the stale timer cannot race the new
// session.
func (c *Controller) Regenerate(ctx context.Context, id string) (channel.Channel, error) {
	if _, ok := c.reg.Get(id); !ok {
		return channel.Channel{}, fmt.Errorf("regenerate %s: %w", id, ErrChannelNotFound)
	}
	c.cancelTimer(id)

	wait, err := c.waiter.Begin(id)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("regenerate %s: %w", id, err)
	}
	defer c.waiter.Forget(id)

	c.log.Info("channel regenerating", "channel", id)
	c.spawnStart(id, true)
	return c.awaitPairing(ctx, id, wait)
}

// Restore brings a channel back from stored credentials without pairing. A
// channel that is already CONNECTED is left alone. When no credentials exist
// the channel is parked LOGGED_OUT and ErrNoCredentials is returned.
func (c *Controller) Restore(ctx context.Context, id string) error {
	if ch, ok := c.reg.Get(id); ok && ch.Status == channel.StatusConnected {
		c.log.Debug("restore skipped, channel already connected", "channel", id)
		return nil
	}
	ok, err := c.creds.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("restore %s: %w", id, err)
	}
	c.reg.Register(id)
	noQR := ""
	if !ok {
		prev, _ := c.reg.Get(id)
		st := channel.StatusLoggedOut
		snap, _ := c.reg.Apply(id, channel.Patch{Status: &st, QRCode: &noQR})
		c.record(ctx, id, prev.Status, st, "")
		c.publishStatus(snap, "")
		return fmt.Errorf("restore %s: %w", id, ErrNoCredentials)
	}

	prev, _ := c.reg.Get(id)
	st := channel.StatusRestoring
	snap, _ := c.reg.Apply(id, channel.Patch{Status: &st, QRCode: &noQR})
	c.record(ctx, id, prev.Status, st, "")
	c.publishStatus(snap, "")
	c.log.Info("channel restoring", "channel", id)
	c.spawnStart(id, false)
	return nil
}

// RestoreAll restores every channel found in the record store. Channels
// without credentials are parked LOGGED_OUT and skipped; the count of
// successfully started restores is returned.
func (c *Controller) RestoreAll(ctx context.Context) (int, error) {
	recs, err := c.records.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list channel records: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if err := c.Restore(ctx, rec.ID); err != nil {
			if errors.Is(err, ErrNoCredentials) {
				c.log.Warn("no stored credentials, channel parked logged out", "channel", rec.ID)
			} else {
				c.log.Error("restore failed", "channel", rec.ID, "error", err)
			}
			continue
		}
		n++
	}
	return n, nil
}

// Close logs the channel out, tears down its session and forgets it
// entirely: timers, credentials, record, registry entry.
func (c *Controller) Close(ctx context.Context, id string) error {
	prev, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("close %s: %w", id, ErrChannelNotFound)
	}
	c.cancelTimer(id)
	c.waiter.Forget(id)

	c.mu.Lock()
	ls := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	if ls != nil {
		ls.cancel()
		if err := ls.handle.Logout(ctx); err != nil {
			c.log.Warn("logout failed", "channel", id, "error", err)
		}
		ls.handle.End()
	}
	if err := c.creds.Discard(ctx, id); err != nil {
		c.log.Warn("credential discard failed", "channel", id, "error", err)
	}
	if err := c.records.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		c.log.Warn("record delete failed", "channel", id, "error", err)
	}
	c.reg.Remove(id)
	c.record(ctx, id, prev.Status, "", "closed")
	c.publish(protocol.EventChannelRemoved, protocol.RemovedEvent{ChannelID: id})
	c.log.Info("channel closed", "channel", id)
	return nil
}

// Get returns the channel snapshot.
func (c *Controller) Get(id string) (channel.Channel, error) {
	ch, ok := c.reg.Get(id)
	if !ok {
		return channel.Channel{}, fmt.Errorf("get %s: %w", id, ErrChannelNotFound)
	}
	return ch, nil
}

// List returns snapshots of every channel sorted by id.
func (c *Controller) List() []channel.Channel {
	return c.reg.List()
}

// Counts returns the total number of channels and how many are connected.
func (c *Controller) Counts() (total, connected int) {
	return c.reg.Len(), c.reg.CountByStatus(channel.StatusConnected)
}

// Health probes the channel's transport. Healthy means a live session exists,
// its transport reports open and authenticated, and the status agrees.
func (c *Controller) Health(id string) (Health, error) {
	ch, ok := c.reg.Get(id)
	if !ok {
		return Health{}, fmt.Errorf("health %s: %w", id, ErrChannelNotFound)
	}
	c.mu.Lock()
	ls := c.sessions[id]
	c.mu.Unlock()

	h := Health{Status: ch.Status}
	switch {
	case ls == nil:
		h.Reason = "no live session"
	case !ls.handle.Alive():
		h.Reason = "transport closed"
	case ch.Status != channel.StatusConnected:
		h.Reason = "status " + string(ch.Status)
	default:
		h.Healthy = true
	}
	return h, nil
}

// Connected reports whether the channel's status is CONNECTED. Health is the
// deeper probe that also checks the transport.
func (c *Controller) Connected(id string) (bool, error) {
	ch, ok := c.reg.Get(id)
	if !ok {
		return false, fmt.Errorf("connected %s: %w", id, ErrChannelNotFound)
	}
	return ch.Connected(), nil
}

// SendText delivers a text message through the channel's live session.
func (c *Controller) SendText(ctx context.Context, id, to, text string) (provider.Receipt, error) {
	ls, err := c.connectedSession(id)
	if err != nil {
		return provider.Receipt{}, fmt.Errorf("send on %s: %w", id, err)
	}
	rcpt, err := ls.handle.SendText(ctx, to, text)
	if err != nil {
		return provider.Receipt{}, fmt.Errorf("send on %s: %w", id, err)
	}
	c.reg.Touch(id)
	return rcpt, nil
}

// CheckRecipient reports whether a phone number is reachable on the network.
// Results are cached per (channel, phone) for the configured TTL; cached
// reports whether the answer came from the cache.
func (c *Controller) CheckRecipient(ctx context.Context, id, phone string) (provider.Recipient, bool, error) {
	key := id + "|" + phone
	if r, ok := c.checks.Get(key); ok {
		return r, true, nil
	}
	ls, err := c.connectedSession(id)
	if err != nil {
		return provider.Recipient{}, false, fmt.Errorf("check recipient on %s: %w", id, err)
	}
	r, err := ls.handle.IsOnNetwork(ctx, phone)
	if err != nil {
		return provider.Recipient{}, false, fmt.Errorf("check recipient on %s: %w", id, err)
	}
	c.checks.Add(key, r)
	return r, false, nil
}

// Shutdown stops all timers, retires every session and waits for the event
// pumps to drain, or until ctx expires.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancel()

	c.mu.Lock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	retiring := make([]*liveSession, 0, len(c.sessions))
	for id, ls := range c.sessions {
		retiring = append(retiring, ls)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, ls := range retiring {
		ls.cancel()
		ls.handle.End()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info("lifecycle controller stopped", "sessions", len(retiring))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitPairing blocks until the pairing wait completes, times out, or ctx is
// done, then returns the channel snapshot.
func (c *Controller) awaitPairing(ctx context.Context, id string, wait <-chan error) (channel.Channel, error) {
	t := time.NewTimer(c.cfg.PairingWait)
	defer t.Stop()
	select {
	case err := <-wait:
		if err != nil {
			return channel.Channel{}, err
		}
	case <-t.C:
		c.log.Info("pairing wait elapsed without code", "channel", id, "after", c.cfg.PairingWait)
	case <-ctx.Done():
		return channel.Channel{}, ctx.Err()
	}
	ch, ok := c.reg.Get(id)
	if !ok {
		return channel.Channel{}, fmt.Errorf("await pairing %s: %w", id, ErrChannelNotFound)
	}
	return ch, nil
}

// spawnStart runs startAttempt on its own goroutine tracked by the
// controller's wait group.
func (c *Controller) spawnStart(id string, freshPairing bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.startAttempt(c.baseCtx, id, freshPairing)
	}()
}

// startAttempt retires any previous session for the channel and dials a new
// one. At most one start per channel runs at a time; a second caller returns
// immediately. freshPairing discards stored credentials first so the dial
// goes through QR pairing.
func (c *Controller) startAttempt(ctx context.Context, id string, freshPairing bool) {
	c.mu.Lock()
	if _, busy := c.starting[id]; busy {
		c.mu.Unlock()
		c.log.Debug("start already in flight", "channel", id)
		return
	}
	c.starting[id] = struct{}{}
	prev := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.starting, id)
		c.mu.Unlock()
	}()

	if prev != nil {
		prev.cancel()
		prev.handle.End()
		if c.cfg.SettleDelay > 0 {
			select {
			case <-time.After(c.cfg.SettleDelay):
			case <-ctx.Done():
				return
			}
		}
	}

	if freshPairing {
		if err := c.creds.Discard(ctx, id); err != nil {
			c.log.Warn("credential discard failed", "channel", id, "error", err)
		}
	}

	before, ok := c.reg.Get(id)
	if !ok {
		return // channel closed while the start was queued
	}
	// Any image from a previous pairing is revoked the moment a new dial
	// begins; it must never be served alongside CONNECTING.
	st := channel.StatusConnecting
	noQR := ""
	snap, ok := c.reg.Apply(id, channel.Patch{Status: &st, QRCode: &noQR})
	if !ok {
		return
	}
	c.record(ctx, id, before.Status, st, "")
	c.publishStatus(snap, "")

	creds, err := c.creds.Load(ctx, id)
	if err != nil {
		c.log.Error("credential load failed", "channel", id, "error", err)
		c.applyEvent(ctx, id, provider.Event{Kind: provider.KindClosed, Cause: provider.CauseConnectionLost, Detail: "credential load failed"})
		return
	}

	sess, err := c.dialer.Dial(ctx, id, creds, c.saveFunc(id))
	if err != nil {
		c.log.Error("dial failed", "channel", id, "error", err)
		c.applyEvent(ctx, id, provider.Event{Kind: provider.KindClosed, Cause: provider.CauseConnectionLost, Detail: "dial failed"})
		return
	}

	pumpCtx, cancel := context.WithCancel(c.baseCtx)
	c.mu.Lock()
	c.gen++
	g := c.gen
	c.sessions[id] = &liveSession{handle: sess, gen: g, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("session dialed", "channel", id, "fresh", freshPairing)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pump(pumpCtx, id, g, sess)
	}()
}

// pump drains one session's event stream until the session is retired or
// the stream ends.
func (c *Controller) pump(ctx context.Context, id string, gen uint64, sess provider.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			if !c.current(id, gen) {
				c.log.Debug("event from retired session dropped", "channel", id, "kind", ev.Kind)
				continue
			}
			if ev.Kind == provider.KindMessage {
				c.handleMessage(id, ev.Message)
				continue
			}
			c.applyEvent(ctx, id, ev)
		}
	}
}

// current reports whether gen identifies the channel's installed session.
// Events from older generations are fenced out.
func (c *Controller) current(id string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.sessions[id]
	return ok && ls.gen == gen
}

// applyEvent runs the transition function and executes its outcome. It is
// the single place channel status changes in response to session events.
func (c *Controller) applyEvent(ctx context.Context, id string, ev provider.Event) {
	ch, ok := c.reg.Get(id)
	if !ok {
		return
	}
	out := transition(ch, ev, c.cfg.Policy)
	if out.Ignore {
		return
	}

	patch := channel.Patch{Status: &out.Status, Attempts: &out.Attempts}
	qrImage := ""
	if out.SetQR {
		img, err := c.encoder.Encode(ev.Code)
		if err != nil {
			c.log.Error("pairing code encode failed", "channel", id, "error", err)
			c.waiter.Reject(id, fmt.Errorf("%w: %v", ErrPairingEncode, err))
			return
		}
		qrImage = img
		patch.QRCode = &qrImage
	} else if out.ClearQR {
		empty := ""
		patch.QRCode = &empty
	}

	updated, ok := c.reg.Apply(id, patch)
	if !ok {
		return
	}

	c.record(ctx, id, ch.Status, updated.Status, string(ev.Cause))
	c.logOutcome(id, ev, out)

	if out.ResolveWait {
		c.waiter.Resolve(id)
	}
	if out.SetQR {
		c.publish(protocol.EventChannelQR, protocol.QREvent{ChannelID: id, QRCode: qrImage})
	}
	c.publishStatus(updated, ev.Cause)

	if out.DropSession {
		c.dropSession(id)
	}
	if out.Schedule {
		c.scheduleReconnect(id, out.Delay, out.Attempt)
	}
}

// handleMessage surfaces an inbound message on the bus and marks activity.
// Redeliveries after reconnects are dropped by the dedupe cache.
func (c *Controller) handleMessage(id string, m *provider.Message) {
	if m == nil {
		return
	}
	if c.dedupe.IsDuplicate(id + "|" + m.ID) {
		c.log.Debug("duplicate inbound message dropped", "channel", id, "message", m.ID)
		return
	}
	c.reg.Touch(id)
	c.publish(protocol.EventMessageInbound, protocol.MessageEvent{
		ChannelID: id,
		MessageID: m.ID,
		From:      m.From,
		Text:      m.Text,
		Timestamp: m.Timestamp,
		FromMe:    m.FromMe,
		Group:     m.Group,
	})
	c.log.Debug("inbound message", "channel", id, "message", m.ID, "from", m.From)
}

// scheduleReconnect arms (or re-arms) the channel's reconnect timer.
func (c *Controller) scheduleReconnect(id string, delay time.Duration, attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
	}
	c.log.Info("reconnect scheduled", "channel", id, "attempt", attempt, "delay", delay)
	c.timers[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, id)
		c.mu.Unlock()
		if c.baseCtx.Err() != nil {
			return
		}
		c.startAttempt(c.baseCtx, id, false)
	})
}

// cancelTimer stops and forgets any pending reconnect for the channel.
func (c *Controller) cancelTimer(id string) {
	c.mu.Lock()
	t, ok := c.timers[id]
	delete(c.timers, id)
	c.mu.Unlock()
	if ok {
		t.Stop()
		c.log.Debug("pending reconnect cancelled", "channel", id)
	}
}

// dropSession retires the channel's session handle, if any.
func (c *Controller) dropSession(id string) {
	c.mu.Lock()
	ls := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if ls != nil {
		ls.cancel()
		ls.handle.End()
	}
}

// connectedSession returns the live session for a connected channel.
func (c *Controller) connectedSession(id string) (*liveSession, error) {
	ch, ok := c.reg.Get(id)
	if !ok {
		return nil, ErrChannelNotFound
	}
	c.mu.Lock()
	ls := c.sessions[id]
	c.mu.Unlock()
	if ls == nil || !ch.Connected() || !ls.handle.Alive() {
		return nil, ErrNotConnected
	}
	return ls, nil
}

// saveFunc persists the channel→device binding when the transport reports a
// credential change.
func (c *Controller) saveFunc(id string) provider.SaveFunc {
	return func(ctx context.Context, creds provider.Credentials) error {
		if err := c.records.SetDeviceRef(ctx, id, creds.Ref()); err != nil {
			return fmt.Errorf("persist device ref for %s: %w", id, err)
		}
		c.log.Info("device paired", "channel", id, "ref", creds.Ref())
		return nil
	}
}

func (c *Controller) record(ctx context.Context, id string, from, to channel.Status, cause string) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, id, string(from), string(to), cause); err != nil {
		c.log.Warn("journal append failed", "channel", id, "error", err)
	}
}

func (c *Controller) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Payload: payload, At: time.Now()})
}

func (c *Controller) publishStatus(ch channel.Channel, cause provider.CloseCause) {
	c.publish(protocol.EventChannelStatus, protocol.StatusEvent{
		ChannelID: ch.ID,
		Status:    string(ch.Status),
		Attempts:  ch.ReconnectAttempts,
		Cause:     string(cause),
	})
}

func (c *Controller) logOutcome(id string, ev provider.Event, out Outcome) {
	switch {
	case out.SetQR:
		c.log.Info("pairing code issued", "channel", id)
	case out.Status == channel.StatusConnected:
		c.log.Info("channel connected", "channel", id)
	case out.Schedule:
		c.log.Info("session closed, reconnecting", "channel", id, "cause", ev.Cause, "attempt", out.Attempt, "delay", out.Delay)
	case out.Status == channel.StatusLoggedOut:
		c.log.Info("channel logged out", "channel", id, "cause", ev.Cause)
	case out.Status == channel.StatusFailed:
		c.log.Warn("reconnect budget exhausted", "channel", id, "cause", ev.Cause)
	}
}
