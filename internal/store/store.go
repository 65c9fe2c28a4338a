// Package store persists durable channel facts: which channels exist and
// which provider device each one is bound to. The in-memory registry is
// rebuilt from this store on startup; everything else about a channel is
// runtime state.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned when no record exists for a channel id.
var ErrRecordNotFound = errors.New("channel record not found")

// ChannelRecord is the durable footprint of one channel.
type ChannelRecord struct {
	ID        string
	DeviceRef string // provider device binding, empty until paired
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChannelStore is implemented by the file and redis backends.
type ChannelStore interface {
	// Upsert writes the record, preserving CreatedAt of an existing one.
	Upsert(ctx context.Context, rec ChannelRecord) error
	// Get returns the record or ErrRecordNotFound.
	Get(ctx context.Context, id string) (ChannelRecord, error)
	// Delete removes the record. Missing ids return ErrRecordNotFound.
	Delete(ctx context.Context, id string) error
	// List returns all records sorted by id.
	List(ctx context.Context) ([]ChannelRecord, error)
	// DeviceRef returns the stored device binding, "" when unbound.
	// Missing ids return ErrRecordNotFound.
	DeviceRef(ctx context.Context, id string) (string, error)
	// SetDeviceRef stores the device binding, creating the record if the
	// channel was never upserted.
	SetDeviceRef(ctx context.Context, id, ref string) error
	// Close releases backend resources.
	Close() error
}
