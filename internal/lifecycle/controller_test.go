package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/channel"
	"github.com/nextlevelbuilder/wabridge/internal/provider"
	"github.com/nextlevelbuilder/wabridge/internal/store"
	"github.com/nextlevelbuilder/wabridge/internal/store/file"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

// --- fakes ---

type fakeCreds struct {
	registered bool
	ref        string
}

func (f fakeCreds) Registered() bool { return f.registered }
func (f fakeCreds) Ref() string      { return f.ref }

type fakeCredStore struct {
	mu         sync.Mutex
	registered map[string]bool
	discards   int
	loadErr    error
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{registered: make(map[string]bool)}
}

func (f *fakeCredStore) set(id string, registered bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[id] = registered
}

func (f *fakeCredStore) Load(_ context.Context, id string) (provider.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return fakeCreds{registered: f.registered[id], ref: id + "@device"}, nil
}

func (f *fakeCredStore) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[id], nil
}

func (f *fakeCredStore) Discard(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, id)
	f.discards++
	return nil
}

func (f *fakeCredStore) discardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discards
}

type sentText struct{ to, text string }

type fakeSession struct {
	mu        sync.Mutex
	events    chan provider.Event
	alive     bool
	ended     bool
	loggedOut bool
	sent      []sentText
	probes    int
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan provider.Event, 16), alive: true}
}

func (s *fakeSession) emit(ev provider.Event) { s.events <- ev }

func (s *fakeSession) Events() <-chan provider.Event { return s.events }

func (s *fakeSession) SendText(_ context.Context, to, text string) (provider.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentText{to, text})
	return provider.Receipt{MessageID: fmt.Sprintf("MSG-%d", len(s.sent)), To: to, Timestamp: time.Now()}, nil
}

func (s *fakeSession) IsOnNetwork(_ context.Context, phone string) (provider.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	return provider.Recipient{Phone: phone, Reachable: true, JID: phone + "@host"}, nil
}

func (s *fakeSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && !s.ended
}

func (s *fakeSession) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return nil
}

func (s *fakeSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.alive = false
}

func (s *fakeSession) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *fakeSession) isLoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

func (s *fakeSession) probeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

func (s *fakeSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeDialer struct {
	mu       sync.Mutex
	delay    time.Duration
	sessions []*fakeSession
	onDial   func(n int, s *fakeSession)
}

func (d *fakeDialer) Dial(ctx context.Context, id string, creds provider.Credentials, save provider.SaveFunc) (provider.Session, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s := newFakeSession()
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	n := len(d.sessions)
	hook := d.onDial
	d.mu.Unlock()
	if hook != nil {
		hook(n, s)
	}
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDialer) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sessions {
		if !s.isEnded() {
			n++
		}
	}
	return n
}

func (d *fakeDialer) waitSession(t *testing.T, n int) *fakeSession {
	t.Helper()
	waitFor(t, fmt.Sprintf("dial %d", n), func() bool { return d.dials() >= n })
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[n-1]
}

type stubEncoder struct{ err error }

func (e stubEncoder) Encode(code string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return "img:" + code, nil
}

type recorderStub struct {
	mu      sync.Mutex
	entries []string // "from->to"
}

func (r *recorderStub) Record(_ context.Context, id, from, to, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, from+"->"+to)
	return nil
}

type busStub struct {
	mu     sync.Mutex
	events []bus.Event
}

func (b *busStub) Publish(ev bus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *busStub) byKind(kind string) []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Event
	for _, ev := range b.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// --- rig ---

type testRig struct {
	ctrl    *Controller
	dialer  *fakeDialer
	creds   *fakeCredStore
	records store.ChannelStore
	bus     *busStub
}

func testConfig() Config {
	return Config{
		PairingWait:        250 * time.Millisecond,
		SettleDelay:        0,
		Policy:             Policy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		RecipientCacheSize: 8,
		RecipientCacheTTL:  time.Minute,
	}
}

func newRig(t *testing.T, cfg Config, enc QREncoder) *testRig {
	t.Helper()
	records, err := file.Open(filepath.Join(t.TempDir(), "channels.json"))
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	rig := &testRig{
		dialer:  &fakeDialer{},
		creds:   newFakeCredStore(),
		records: records,
		bus:     &busStub{},
	}
	rig.ctrl = New(Options{
		Registry: channel.NewRegistry(),
		Records:  records,
		Creds:    rig.creds,
		Dialer:   rig.dialer,
		Encoder:  enc,
		Recorder: &recorderStub{},
		Bus:      rig.bus,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:   cfg,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rig.ctrl.Shutdown(ctx)
	})
	return rig
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, c *Controller, id string, want channel.Status) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s to reach %s", id, want), func() bool {
		ch, err := c.Get(id)
		return err == nil && ch.Status == want
	})
}

// createConnected drives a channel through pairing to CONNECTED and returns
// its session.
func createConnected(t *testing.T, rig *testRig, id string) *fakeSession {
	t.Helper()
	next := rig.dialer.dials() + 1
	done := make(chan error, 1)
	go func() {
		_, err := rig.ctrl.Create(context.Background(), id)
		done <- err
	}()
	sess := rig.dialer.waitSession(t, next)
	sess.emit(provider.Event{Kind: provider.KindPairingCode, Code: "1@" + id})
	if err := <-done; err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
	sess.emit(provider.Event{Kind: provider.KindOpened})
	waitStatus(t, rig.ctrl, id, channel.StatusConnected)
	return sess
}

// --- tests ---

func TestCreatePairingFlow(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	ctx := context.Background()

	type result struct {
		ch  channel.Channel
		err error
	}
	res := make(chan result, 1)
	go func() {
		ch, err := rig.ctrl.Create(ctx, "acme")
		res <- result{ch, err}
	}()

	sess := rig.dialer.waitSession(t, 1)
	sess.emit(provider.Event{Kind: provider.KindPairingCode, Code: "1@handshake"})

	var r result
	select {
	case r = <-res:
	case <-time.After(2 * time.Second):
		t.Fatal("Create did not return after pairing code")
	}
	if r.err != nil {
		t.Fatalf("Create: %v", r.err)
	}
	if r.ch.Status != channel.StatusQRCode {
		t.Errorf("status = %s, want QRCODE", r.ch.Status)
	}
	if r.ch.QRCode != "img:1@handshake" {
		t.Errorf("qr = %q, want rendered code", r.ch.QRCode)
	}
	if got := rig.bus.byKind(protocol.EventChannelQR); len(got) != 1 {
		t.Errorf("published %d qr events, want 1", len(got))
	}

	// Scan succeeds, transport opens.
	sess.emit(provider.Event{Kind: provider.KindOpened})
	waitStatus(t, rig.ctrl, "acme", channel.StatusConnected)
	ch, _ := rig.ctrl.Get("acme")
	if ch.QRCode != "" {
		t.Errorf("qr not cleared on connect: %q", ch.QRCode)
	}
	if ch.ReconnectAttempts != 0 {
		t.Errorf("attempts = %d, want 0", ch.ReconnectAttempts)
	}

	// Explicit logout parks the channel with no further dialing.
	sess.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseLoggedOut})
	waitStatus(t, rig.ctrl, "acme", channel.StatusLoggedOut)
	waitFor(t, "session retired", sess.isEnded)

	time.Sleep(30 * time.Millisecond)
	if n := rig.dialer.dials(); n != 1 {
		t.Errorf("dials = %d after logout, want 1", n)
	}
}

func TestCreateDuplicateID(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	go rig.ctrl.Create(context.Background(), "acme")
	rig.dialer.waitSession(t, 1)

	_, err := rig.ctrl.Create(context.Background(), "acme")
	if !errors.Is(err, ErrChannelExists) {
		t.Fatalf("second Create err = %v, want ErrChannelExists", err)
	}
}

func TestCreatePairingWaitTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PairingWait = 40 * time.Millisecond
	rig := newRig(t, cfg, stubEncoder{})

	start := time.Now()
	ch, err := rig.ctrl.Create(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Create returned after %v, want at least the pairing wait", elapsed)
	}
	// No code ever arrived: not an error, channel exists and is dialing.
	if ch.Status != channel.StatusConnecting {
		t.Errorf("status = %s, want CONNECTING", ch.Status)
	}
	if ch.QRCode != "" {
		t.Errorf("qr = %q, want empty", ch.QRCode)
	}
}

func TestCreateEncodeFailure(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{err: errors.New("png boom")})

	done := make(chan error, 1)
	go func() {
		_, err := rig.ctrl.Create(context.Background(), "acme")
		done <- err
	}()
	sess := rig.dialer.waitSession(t, 1)
	sess.emit(provider.Event{Kind: provider.KindPairingCode, Code: "1@handshake"})

	select {
	case err := <-done:
		if !errors.Is(err, ErrPairingEncode) {
			t.Fatalf("Create err = %v, want ErrPairingEncode", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Create did not return after encode failure")
	}

	// The failed render must not have moved the channel to QRCODE.
	ch, _ := rig.ctrl.Get("acme")
	if ch.Status == channel.StatusQRCode {
		t.Errorf("status = QRCODE after encode failure")
	}
}

func TestReconnectProgressionToFailed(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	rig.creds.set("acme", true)
	rig.records.Upsert(context.Background(), store.ChannelRecord{ID: "acme"})

	// Every session the dialer hands out dies immediately.
	rig.dialer.onDial = func(n int, s *fakeSession) {
		s.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseConnectionLost})
	}

	if err := rig.ctrl.Restore(context.Background(), "acme"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// 1 restore dial + 5 reconnect attempts, then the budget is gone.
	waitStatus(t, rig.ctrl, "acme", channel.StatusFailed)
	waitFor(t, "all reconnect dials", func() bool { return rig.dialer.dials() == 6 })

	time.Sleep(50 * time.Millisecond)
	if n := rig.dialer.dials(); n != 6 {
		t.Errorf("dials = %d, want exactly 6", n)
	}
	ch, _ := rig.ctrl.Get("acme")
	if ch.ReconnectAttempts != 0 {
		t.Errorf("attempts = %d after FAILED, want 0", ch.ReconnectAttempts)
	}
	if rig.dialer.liveCount() != 0 {
		t.Errorf("%d sessions still live in FAILED", rig.dialer.liveCount())
	}
}

func TestOpenResetsReconnectBudget(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	sess := createConnected(t, rig, "acme")

	// Two failed cycles.
	sess.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseConnectionLost})
	sess2 := rig.dialer.waitSession(t, 2)
	sess2.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseConnectionLost})
	sess3 := rig.dialer.waitSession(t, 3)

	waitFor(t, "attempts to reach 2", func() bool {
		ch, _ := rig.ctrl.Get("acme")
		return ch.ReconnectAttempts == 2
	})

	// Third session opens: the outage is over and the budget refills.
	sess3.emit(provider.Event{Kind: provider.KindOpened})
	waitStatus(t, rig.ctrl, "acme", channel.StatusConnected)
	ch, _ := rig.ctrl.Get("acme")
	if ch.ReconnectAttempts != 0 {
		t.Fatalf("attempts = %d after reopen, want 0", ch.ReconnectAttempts)
	}

	// The next close starts counting from one again.
	sess3.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseConnectionLost})
	waitFor(t, "attempts to reset to 1", func() bool {
		c, _ := rig.ctrl.Get("acme")
		return c.ReconnectAttempts == 1
	})
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.BaseDelay = time.Hour // park the outage in RECONNECTING
	cfg.Policy.MaxDelay = time.Hour
	rig := newRig(t, cfg, stubEncoder{})
	sess := createConnected(t, rig, "acme")

	sess.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseConnectionLost})
	waitStatus(t, rig.ctrl, "acme", channel.StatusReconnecting)

	if err := rig.ctrl.Close(context.Background(), "acme"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := rig.ctrl.Get("acme"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("Get after close = %v, want ErrChannelNotFound", err)
	}
	if _, err := rig.records.Get(context.Background(), "acme"); !errors.Is(err, store.ErrRecordNotFound) {
		t.Errorf("record survived close: %v", err)
	}
	if rig.creds.discardCount() == 0 {
		t.Error("credentials not discarded on close")
	}

	// The armed timer must never fire a new dial.
	time.Sleep(50 * time.Millisecond)
	if n := rig.dialer.dials(); n != 1 {
		t.Errorf("dials = %d after close, want 1", n)
	}
}

func TestCloseLogsOutLiveSession(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	sess := createConnected(t, rig, "acme")

	if err := rig.ctrl.Close(context.Background(), "acme"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sess.isLoggedOut() {
		t.Error("session not logged out on close")
	}
	if !sess.isEnded() {
		t.Error("session not ended on close")
	}
	if got := rig.bus.byKind(protocol.EventChannelRemoved); len(got) != 1 {
		t.Errorf("published %d removed events, want 1", len(got))
	}
}

func TestCloseUnknownChannel(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	if err := rig.ctrl.Close(context.Background(), "ghost"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("Close(ghost) = %v, want ErrChannelNotFound", err)
	}
}

func TestRegenerateCancelsTimerAndRepairs(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.BaseDelay = time.Hour
	cfg.Policy.MaxDelay = time.Hour
	rig := newRig(t, cfg, stubEncoder{})
	old := createConnected(t, rig, "acme")

	old.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseConnectionLost})
	waitStatus(t, rig.ctrl, "acme", channel.StatusReconnecting)
	discardsBefore := rig.creds.discardCount()

	done := make(chan error, 1)
	go func() {
		ch, err := rig.ctrl.Regenerate(context.Background(), "acme")
		if err == nil && ch.Status != channel.StatusQRCode {
			err = fmt.Errorf("status = %s, want QRCODE", ch.Status)
		}
		done <- err
	}()
	fresh := rig.dialer.waitSession(t, 2)
	fresh.emit(provider.Event{Kind: provider.KindPairingCode, Code: "2@fresh"})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Regenerate: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Regenerate did not return")
	}

	if rig.creds.discardCount() <= discardsBefore {
		t.Error("Regenerate did not discard credentials")
	}
	if !old.isEnded() {
		t.Error("previous session still live after regenerate")
	}

	// The hour-long timer from the outage must not produce a third dial.
	time.Sleep(50 * time.Millisecond)
	if n := rig.dialer.dials(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestRegenerateUnknownChannel(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	if _, err := rig.ctrl.Regenerate(context.Background(), "ghost"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("Regenerate(ghost) = %v, want ErrChannelNotFound", err)
	}
}

func TestRegenerateClearsStaleQRWhileDialing(t *testing.T) {
	cfg := testConfig()
	cfg.PairingWait = 60 * time.Millisecond
	rig := newRig(t, cfg, stubEncoder{})

	done := make(chan error, 1)
	go func() {
		_, err := rig.ctrl.Create(context.Background(), "acme")
		done <- err
	}()
	sess := rig.dialer.waitSession(t, 1)
	sess.emit(provider.Event{Kind: provider.KindPairingCode, Code: "1@old"})
	if err := <-done; err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ch, _ := rig.ctrl.Get("acme"); ch.QRCode != "img:1@old" {
		t.Fatalf("qr = %q before regenerate, want the first render", ch.QRCode)
	}

	// The replacement session never produces a code, so Regenerate rides out
	// the pairing wait and returns the mid-dial snapshot. The first image is
	// revoked the moment the new dial starts and must not linger on it.
	type result struct {
		ch  channel.Channel
		err error
	}
	res := make(chan result, 1)
	go func() {
		ch, err := rig.ctrl.Regenerate(context.Background(), "acme")
		res <- result{ch, err}
	}()

	waitStatus(t, rig.ctrl, "acme", channel.StatusConnecting)
	if mid, _ := rig.ctrl.Get("acme"); mid.QRCode != "" {
		t.Errorf("qr = %q while dialing, want empty", mid.QRCode)
	}

	var r result
	select {
	case r = <-res:
	case <-time.After(2 * time.Second):
		t.Fatal("Regenerate did not return")
	}
	if r.err != nil {
		t.Fatalf("Regenerate: %v", r.err)
	}
	if r.ch.Status != channel.StatusConnecting {
		t.Errorf("status = %s, want CONNECTING", r.ch.Status)
	}
	if r.ch.QRCode != "" {
		t.Errorf("returned snapshot qr = %q, want empty", r.ch.QRCode)
	}
}

func TestConcurrentRegenerateLeavesOneSession(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	createConnected(t, rig, "acme")
	rig.dialer.delay = 30 * time.Millisecond

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := rig.ctrl.Regenerate(context.Background(), "acme")
			errs <- err
		}()
	}

	fresh := rig.dialer.waitSession(t, 2)
	fresh.emit(provider.Event{Kind: provider.KindPairingCode, Code: "2@fresh"})

	var alreadyWaiting, succeeded int
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrAlreadyWaiting):
				alreadyWaiting++
			default:
				t.Fatalf("unexpected Regenerate error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("Regenerate calls did not finish")
		}
	}
	if succeeded != 1 || alreadyWaiting != 1 {
		t.Errorf("results = %d ok, %d already-waiting; want 1 and 1", succeeded, alreadyWaiting)
	}

	time.Sleep(50 * time.Millisecond)
	if n := rig.dialer.dials(); n != 2 {
		t.Errorf("dials = %d, want 2 (initial + one regenerate)", n)
	}
	if live := rig.dialer.liveCount(); live != 1 {
		t.Errorf("live sessions = %d, want exactly 1", live)
	}
}

func TestStaleSessionEventsAreFenced(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	old := createConnected(t, rig, "acme")

	done := make(chan error, 1)
	go func() {
		_, err := rig.ctrl.Regenerate(context.Background(), "acme")
		done <- err
	}()
	fresh := rig.dialer.waitSession(t, 2)
	fresh.emit(provider.Event{Kind: provider.KindPairingCode, Code: "2@fresh"})
	if err := <-done; err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	// A late logout from the replaced session must not park the channel.
	old.emit(provider.Event{Kind: provider.KindClosed, Cause: provider.CauseLoggedOut})
	time.Sleep(30 * time.Millisecond)

	ch, err := rig.ctrl.Get("acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ch.Status == channel.StatusLoggedOut {
		t.Error("stale logout event changed channel status")
	}
}

func TestRestoreWithoutCredentials(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	err := rig.ctrl.Restore(context.Background(), "acme")
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Restore err = %v, want ErrNoCredentials", err)
	}
	ch, getErr := rig.ctrl.Get("acme")
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if ch.Status != channel.StatusLoggedOut {
		t.Errorf("status = %s, want LOGGED_OUT", ch.Status)
	}
	if rig.dialer.dials() != 0 {
		t.Errorf("dials = %d, want 0", rig.dialer.dials())
	}
}

func TestRestoreAllFromRecords(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	ctx := context.Background()
	rig.records.Upsert(ctx, store.ChannelRecord{ID: "paired"})
	rig.records.Upsert(ctx, store.ChannelRecord{ID: "unpaired"})
	rig.creds.set("paired", true)

	n, err := rig.ctrl.RestoreAll(ctx)
	if err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if n != 1 {
		t.Errorf("restored = %d, want 1", n)
	}

	waitStatus(t, rig.ctrl, "paired", channel.StatusConnecting)
	ch, _ := rig.ctrl.Get("unpaired")
	if ch.Status != channel.StatusLoggedOut {
		t.Errorf("unpaired status = %s, want LOGGED_OUT", ch.Status)
	}
	// Restore must reuse stored credentials, not discard them.
	if rig.creds.discardCount() != 0 {
		t.Errorf("restore discarded credentials %d times", rig.creds.discardCount())
	}

	sess := rig.dialer.waitSession(t, 1)
	sess.emit(provider.Event{Kind: provider.KindOpened})
	waitStatus(t, rig.ctrl, "paired", channel.StatusConnected)
}

func TestRestoreLeavesConnectedChannelAlone(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	sess := createConnected(t, rig, "acme")

	if err := rig.ctrl.Restore(context.Background(), "acme"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	ch, _ := rig.ctrl.Get("acme")
	if ch.Status != channel.StatusConnected {
		t.Errorf("status = %s after restore, want CONNECTED", ch.Status)
	}
	if sess.isEnded() {
		t.Error("restore retired the live session")
	}
	time.Sleep(30 * time.Millisecond)
	if n := rig.dialer.dials(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestSendTextRequiresConnection(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	go rig.ctrl.Create(context.Background(), "acme")
	sess := rig.dialer.waitSession(t, 1)

	if _, err := rig.ctrl.SendText(context.Background(), "acme", "5511999990000", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText before connect = %v, want ErrNotConnected", err)
	}

	sess.emit(provider.Event{Kind: provider.KindOpened})
	waitStatus(t, rig.ctrl, "acme", channel.StatusConnected)

	rcpt, err := rig.ctrl.SendText(context.Background(), "acme", "5511999990000", "hi")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if rcpt.MessageID == "" || rcpt.To != "5511999990000" {
		t.Errorf("receipt = %+v", rcpt)
	}
	if sess.sentCount() != 1 {
		t.Errorf("session sent %d messages, want 1", sess.sentCount())
	}
}

func TestSendTextUnknownChannel(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	if _, err := rig.ctrl.SendText(context.Background(), "ghost", "x", "y"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("SendText(ghost) = %v, want ErrChannelNotFound", err)
	}
}

func TestCheckRecipientCaches(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	sess := createConnected(t, rig, "acme")
	ctx := context.Background()

	r1, cached1, err := rig.ctrl.CheckRecipient(ctx, "acme", "5511999990000")
	if err != nil {
		t.Fatalf("CheckRecipient: %v", err)
	}
	if cached1 {
		t.Error("first check reported cached")
	}
	if !r1.Reachable {
		t.Error("recipient not reachable")
	}

	r2, cached2, err := rig.ctrl.CheckRecipient(ctx, "acme", "5511999990000")
	if err != nil {
		t.Fatalf("second CheckRecipient: %v", err)
	}
	if !cached2 {
		t.Error("second check not served from cache")
	}
	if r2.JID != r1.JID {
		t.Errorf("cached JID = %q, want %q", r2.JID, r1.JID)
	}
	if sess.probeCount() != 1 {
		t.Errorf("session probed %d times, want 1", sess.probeCount())
	}
}

func TestHealthProbe(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	if _, err := rig.ctrl.Health("ghost"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("Health(ghost) = %v, want ErrChannelNotFound", err)
	}

	sess := createConnected(t, rig, "acme")
	h, err := rig.ctrl.Health("acme")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !h.Healthy {
		t.Errorf("Healthy = false (%s), want true", h.Reason)
	}

	connected, err := rig.ctrl.Connected("acme")
	if err != nil || !connected {
		t.Errorf("Connected = %v, %v; want true, nil", connected, err)
	}

	// Transport dies without a close event: probe must notice.
	sess.End()
	h, _ = rig.ctrl.Health("acme")
	if h.Healthy {
		t.Error("Healthy = true after transport end")
	}
	if h.Reason == "" {
		t.Error("unhealthy probe carries no reason")
	}
}

func TestConnectedIsAStatusCheck(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	sess := createConnected(t, rig, "acme")

	// Transport death without a close event leaves the status CONNECTED:
	// Connected keeps answering from the status while Health notices the
	// dead transport.
	sess.End()
	connected, err := rig.ctrl.Connected("acme")
	if err != nil {
		t.Fatalf("Connected: %v", err)
	}
	if !connected {
		t.Error("Connected = false while status is CONNECTED")
	}
	if h, _ := rig.ctrl.Health("acme"); h.Healthy {
		t.Error("Healthy = true after transport end")
	}

	if _, err := rig.ctrl.Connected("ghost"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("Connected(ghost) = %v, want ErrChannelNotFound", err)
	}
}

func TestInboundMessagePublishAndDedupe(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	sess := createConnected(t, rig, "acme")

	msg := &provider.Message{ID: "MSG-1", From: "5511999990000@host", Text: "oi", Timestamp: time.Now()}
	sess.emit(provider.Event{Kind: provider.KindMessage, Message: msg})
	sess.emit(provider.Event{Kind: provider.KindMessage, Message: msg}) // redelivery
	sess.emit(provider.Event{Kind: provider.KindMessage, Message: &provider.Message{ID: "MSG-2", From: "x@host", Text: "tudo bem"}})

	waitFor(t, "two published messages", func() bool {
		return len(rig.bus.byKind(protocol.EventMessageInbound)) == 2
	})
	time.Sleep(20 * time.Millisecond)
	if got := rig.bus.byKind(protocol.EventMessageInbound); len(got) != 2 {
		t.Fatalf("published %d message events, want 2", len(got))
	}
	first, ok := rig.bus.byKind(protocol.EventMessageInbound)[0].Payload.(protocol.MessageEvent)
	if !ok {
		t.Fatal("payload is not a protocol.MessageEvent")
	}
	if first.ChannelID != "acme" || first.MessageID != "MSG-1" {
		t.Errorf("payload = %+v", first)
	}
}

func TestShutdownRetiresEverything(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	a := createConnected(t, rig, "acme")
	b := createConnected(t, rig, "beta")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rig.ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !a.isEnded() || !b.isEnded() {
		t.Error("sessions survived shutdown")
	}
}

func TestListAndCounts(t *testing.T) {
	rig := newRig(t, testConfig(), stubEncoder{})
	createConnected(t, rig, "acme")
	go rig.ctrl.Create(context.Background(), "beta")
	rig.dialer.waitSession(t, 2)

	waitFor(t, "two channels listed", func() bool { return len(rig.ctrl.List()) == 2 })
	total, connected := rig.ctrl.Counts()
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if connected != 1 {
		t.Errorf("connected = %d, want 1", connected)
	}
}
