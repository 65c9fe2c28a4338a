// Package file is the default channel store: one JSON document on disk,
// rewritten on every mutation. Suits single-node deployments where the
// channel count is small.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/store"
)

// record is the on-disk shape. Times are unix millis.
type record struct {
	ID        string `json:"id"`
	DeviceRef string `json:"device_ref,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// document is the file layout.
type document struct {
	Version  int               `json:"version"`
	Channels map[string]record `json:"channels"`
}

// Store keeps channel records in a single JSON file.
type Store struct {
	path string
	mu   sync.Mutex
	doc  document
}

// Open loads the store at path, creating empty state when the file does not
// exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc:  document{Version: 1, Channels: make(map[string]record)},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read channel store: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse channel store %s: %w", path, err)
	}
	if s.doc.Channels == nil {
		s.doc.Channels = make(map[string]record)
	}
	return s, nil
}

func (s *Store) Upsert(_ context.Context, rec store.ChannelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := toRecord(rec)
	if prev, ok := s.doc.Channels[rec.ID]; ok {
		r.CreatedAt = prev.CreatedAt
		if r.DeviceRef == "" {
			r.DeviceRef = prev.DeviceRef
		}
	}
	if r.UpdatedAt == 0 {
		r.UpdatedAt = time.Now().UnixMilli()
	}
	s.doc.Channels[rec.ID] = r
	return s.save()
}

func (s *Store) Get(_ context.Context, id string) (store.ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.doc.Channels[id]
	if !ok {
		return store.ChannelRecord{}, store.ErrRecordNotFound
	}
	return fromRecord(r), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Channels[id]; !ok {
		return store.ErrRecordNotFound
	}
	delete(s.doc.Channels, id)
	return s.save()
}

func (s *Store) List(_ context.Context) ([]store.ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ChannelRecord, 0, len(s.doc.Channels))
	for _, r := range s.doc.Channels {
		out = append(out, fromRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeviceRef(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.doc.Channels[id]
	if !ok {
		return "", store.ErrRecordNotFound
	}
	return r.DeviceRef, nil
}

func (s *Store) SetDeviceRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	r, ok := s.doc.Channels[id]
	if !ok {
		r = record{ID: id, CreatedAt: now}
	}
	r.DeviceRef = ref
	r.UpdatedAt = now
	s.doc.Channels[id] = r
	return s.save()
}

func (s *Store) Close() error { return nil }

// save rewrites the document. Must be called with s.mu held.
func (s *Store) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal channel store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write channel store: %w", err)
	}
	return nil
}

func toRecord(rec store.ChannelRecord) record {
	r := record{ID: rec.ID, DeviceRef: rec.DeviceRef}
	if !rec.CreatedAt.IsZero() {
		r.CreatedAt = rec.CreatedAt.UnixMilli()
	} else {
		r.CreatedAt = time.Now().UnixMilli()
	}
	if !rec.UpdatedAt.IsZero() {
		r.UpdatedAt = rec.UpdatedAt.UnixMilli()
	}
	return r
}

func fromRecord(r record) store.ChannelRecord {
	return store.ChannelRecord{
		ID:        r.ID,
		DeviceRef: r.DeviceRef,
		CreatedAt: time.UnixMilli(r.CreatedAt),
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}
}
