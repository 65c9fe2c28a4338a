package lifecycle

import "sync"

// Waiter tracks at most one pending pairing wait per channel. A wait is a
// one-shot future completed by the first pairing code (or its failure);
// callers race the returned channel against their own timeout.
type Waiter struct {
	mu    sync.Mutex
	waits map[string]chan error
}

// NewWaiter creates an empty waiter.
func NewWaiter() *Waiter {
	return &Waiter{waits: make(map[string]chan error)}
}

// Begin registers a wait for the channel. The returned channel receives nil
// when the first pairing code lands and an error when rendering it failed.
// A second Begin for the same id before completion returns ErrAlreadyWaiting.
func (w *Waiter) Begin(id string) (<-chan error, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.waits[id]; ok {
		return nil, ErrAlreadyWaiting
	}
	ch := make(chan error, 1)
	w.waits[id] = ch
	return ch, nil
}

// Resolve completes the pending wait successfully. No-op when nothing is
// waiting.
func (w *Waiter) Resolve(id string) {
	w.complete(id, nil)
}

// Reject completes the pending wait with err. No-op when nothing is waiting.
func (w *Waiter) Reject(id string, err error) {
	w.complete(id, err)
}

// Forget drops a pending wait without completing it. Callers invoke it after
// timing out so a late pairing code cannot complete a wait nobody reads.
func (w *Waiter) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.waits, id)
}

// Pending reports whether a wait is outstanding for the channel.
func (w *Waiter) Pending(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.waits[id]
	return ok
}

// complete delivers err and retires the wait. The channel is buffered, so
// delivery never blocks even if the waiter already gave up.
func (w *Waiter) complete(id string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.waits[id]
	if !ok {
		return
	}
	delete(w.waits, id)
	ch <- err
}
