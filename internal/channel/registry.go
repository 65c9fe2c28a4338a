package channel

import (
	"sort"
	"sync"
	"time"
)

// Patch is a partial update applied to a channel. Nil fields are left
// untouched, which lets callers change status without clobbering the QR
// code and vice versa.
type Patch struct {
	Status   *Status
	QRCode   *string
	Attempts *int
}

// Registry tracks every known channel keyed by id. All methods are safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]*Channel),
		now:      time.Now,
	}
}

// Register adds a channel in StatusCreated. It returns false if the id is
// already present, in which case the existing entry is left untouched.
func (r *Registry) Register(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; ok {
		return false
	}
	now := r.now()
	r.channels[id] = &Channel{
		ID:        id,
		Status:    StatusCreated,
		CreatedAt: now,
		LastSeen:  now,
	}
	return true
}

// Get returns a copy of the channel and whether it exists.
func (r *Registry) Get(id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// Apply merges a patch into the channel and returns the updated snapshot.
// Every applied patch bumps LastSeen, so the field always carries the time of
// the channel's most recent state change. Applying to an unknown id is a
// no-op and returns ok=false.
func (r *Registry) Apply(id string, p Patch) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok {
		return Channel{}, false
	}
	if p.Status != nil {
		ch.Status = *p.Status
	}
	if p.QRCode != nil {
		ch.QRCode = *p.QRCode
	}
	if p.Attempts != nil {
		ch.ReconnectAttempts = *p.Attempts
	}
	ch.LastSeen = r.now()
	return *ch, true
}

// Touch bumps LastSeen, marking transport activity on the channel.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[id]; ok {
		ch.LastSeen = r.now()
	}
}

// Remove deletes the channel. It reports whether an entry was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; !ok {
		return false
	}
	delete(r.channels, id)
	return true
}

// List returns copies of all channels sorted by id.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CountByStatus returns how many channels currently hold the given status.
func (r *Registry) CountByStatus(s Status) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ch := range r.channels {
		if ch.Status == s {
			n++
		}
	}
	return n
}
