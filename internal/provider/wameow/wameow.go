// Package wameow connects the lifecycle machinery to WhatsApp through the
// whatsmeow client library. It implements provider.CredentialStore on top of
// whatsmeow's device container and provider.Dialer/Session on top of its
// websocket client, translating library events into the neutral event shapes
// the controller consumes.
package wameow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.mau.fi/whatsmeow"
	wstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/wabridge/internal/provider"
	"github.com/nextlevelbuilder/wabridge/internal/store"
)

const saveTimeout = 10 * time.Second

// RefStore persists the device reference a channel is bound to. The channel
// store satisfies it.
type RefStore interface {
	DeviceRef(ctx context.Context, channelID string) (string, error)
	SetDeviceRef(ctx context.Context, channelID, ref string) error
}

// Config selects the device database backend and how paired devices announce
// themselves.
type Config struct {
	// Dialect is "sqlite" or "postgres". Empty means sqlite.
	Dialect string
	// DSN is the database file path for sqlite or a connection string for
	// postgres.
	DSN string
	// DeviceName shows up in the phone's linked-devices list.
	DeviceName string
}

// Provider owns the whatsmeow device container and dials sessions from it.
type Provider struct {
	container *sqlstore.Container
	refs      RefStore
	log       *slog.Logger
	walog     waLog.Logger
}

var (
	_ provider.CredentialStore = (*Provider)(nil)
	_ provider.Dialer          = (*Provider)(nil)
)

// New opens the device container and prepares the provider. The container
// schema is created or migrated as needed.
func New(ctx context.Context, cfg Config, refs RefStore, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	walog := newWALogger(log.With("component", "wameow"))

	var container *sqlstore.Container
	switch cfg.Dialect {
	case "", "sqlite":
		dsn := "file:" + cfg.DSN + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		c, err := sqlstore.New(ctx, "sqlite", dsn, walog)
		if err != nil {
			return nil, fmt.Errorf("open device store: %w", err)
		}
		container = c
	case "postgres":
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open device store: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		container = sqlstore.NewWithDB(db, "postgres", walog)
		if err := container.Upgrade(ctx); err != nil {
			return nil, fmt.Errorf("migrate device store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown device store dialect %q", cfg.Dialect)
	}

	if cfg.DeviceName != "" {
		wstore.DeviceProps.Os = proto.String(cfg.DeviceName)
	}

	return &Provider{
		container: container,
		refs:      refs,
		log:       log.With("component", "wameow"),
		walog:     walog,
	}, nil
}

// Close releases the device container.
func (p *Provider) Close() error {
	return p.container.Close()
}

// deviceCredentials wraps a whatsmeow device. A device without an ID has not
// completed pairing yet.
type deviceCredentials struct {
	device *wstore.Device
}

func (d *deviceCredentials) Registered() bool {
	return d.device.ID != nil
}

func (d *deviceCredentials) Ref() string {
	if d.device.ID == nil {
		return ""
	}
	return d.device.ID.String()
}

func (p *Provider) deviceRef(ctx context.Context, channelID string) (string, error) {
	ref, err := p.refs.DeviceRef(ctx, channelID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("device ref for %s: %w", channelID, err)
	}
	return ref, nil
}

// Load resolves the channel's stored device binding, or hands out a fresh
// unregistered device when the channel has none.
func (p *Provider) Load(ctx context.Context, channelID string) (provider.Credentials, error) {
	ref, err := p.deviceRef(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ref != "" {
		jid, perr := types.ParseJID(ref)
		if perr == nil {
			device, gerr := p.container.GetDevice(ctx, jid)
			if gerr != nil {
				return nil, fmt.Errorf("load device %s: %w", ref, gerr)
			}
			if device != nil {
				return &deviceCredentials{device: device}, nil
			}
		}
		// The binding points at a device the container no longer holds,
		// e.g. after a remote logout wiped it. Pair from scratch.
		p.log.Warn("dangling device binding", "channel", channelID, "ref", ref)
	}
	return &deviceCredentials{device: p.container.NewDevice()}, nil
}

// Exists reports whether the channel has a binding to a device the container
// still holds.
func (p *Provider) Exists(ctx context.Context, channelID string) (bool, error) {
	ref, err := p.deviceRef(ctx, channelID)
	if err != nil || ref == "" {
		return false, err
	}
	jid, err := types.ParseJID(ref)
	if err != nil {
		return false, nil
	}
	device, err := p.container.GetDevice(ctx, jid)
	if err != nil {
		return false, fmt.Errorf("load device %s: %w", ref, err)
	}
	return device != nil, nil
}

// Discard deletes the channel's device from the container and clears the
// binding. Discarding a channel that never paired is a no-op.
func (p *Provider) Discard(ctx context.Context, channelID string) error {
	ref, err := p.deviceRef(ctx, channelID)
	if err != nil {
		return err
	}
	if ref == "" {
		return nil
	}
	if jid, perr := types.ParseJID(ref); perr == nil {
		device, gerr := p.container.GetDevice(ctx, jid)
		if gerr != nil {
			return fmt.Errorf("load device %s: %w", ref, gerr)
		}
		if device != nil {
			if derr := p.container.DeleteDevice(ctx, device); derr != nil {
				return fmt.Errorf("delete device %s: %w", ref, derr)
			}
		}
	}
	if serr := p.refs.SetDeviceRef(ctx, channelID, ""); serr != nil {
		return fmt.Errorf("clear device ref for %s: %w", channelID, serr)
	}
	return nil
}

// Dial builds a client around the device, wires event translation and, for
// unregistered devices, the QR code feed, then opens the socket. The returned
// session emits pairing codes and open/close events on its Events channel.
func (p *Provider) Dial(ctx context.Context, channelID string, creds provider.Credentials, save provider.SaveFunc) (provider.Session, error) {
	dc, ok := creds.(*deviceCredentials)
	if !ok {
		return nil, fmt.Errorf("wameow: unexpected credentials type %T", creds)
	}

	client := whatsmeow.NewClient(dc.device, p.walog.Sub(channelID))
	// The controller owns reconnection; the library must not race it.
	client.EnableAutoReconnect = false

	s := &session{
		channelID: channelID,
		client:    client,
		save:      save,
		events:    make(chan provider.Event, eventBuffer),
		done:      make(chan struct{}),
		log:       p.log.With("channel", channelID),
	}
	client.AddEventHandler(s.handleEvent)

	if !dc.Registered() {
		// The QR channel must be requested before the socket opens.
		qr, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("qr channel for %s: %w", channelID, err)
		}
		go s.pumpQR(qr)
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", channelID, err)
	}
	return s, nil
}
