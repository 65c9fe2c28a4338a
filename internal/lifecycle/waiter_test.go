package lifecycle

import (
	"errors"
	"testing"
	"time"
)

func TestWaiterResolve(t *testing.T) {
	w := NewWaiter()
	ch, err := w.Begin("acme")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	w.Resolve("acme")
	select {
	case got := <-ch:
		if got != nil {
			t.Errorf("wait completed with %v, want nil", got)
		}
	case <-time.After(time.Second):
		t.Fatal("wait never completed")
	}
	if w.Pending("acme") {
		t.Error("wait still pending after Resolve")
	}
}

func TestWaiterReject(t *testing.T) {
	w := NewWaiter()
	ch, _ := w.Begin("acme")
	w.Reject("acme", ErrPairingEncode)
	select {
	case got := <-ch:
		if !errors.Is(got, ErrPairingEncode) {
			t.Errorf("wait completed with %v, want ErrPairingEncode", got)
		}
	case <-time.After(time.Second):
		t.Fatal("wait never completed")
	}
}

func TestWaiterDuplicateBegin(t *testing.T) {
	w := NewWaiter()
	if _, err := w.Begin("acme"); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if _, err := w.Begin("acme"); !errors.Is(err, ErrAlreadyWaiting) {
		t.Fatalf("second Begin err = %v, want ErrAlreadyWaiting", err)
	}
	// A different id is unaffected.
	if _, err := w.Begin("other"); err != nil {
		t.Fatalf("Begin for other id: %v", err)
	}
}

func TestWaiterForget(t *testing.T) {
	w := NewWaiter()
	ch, _ := w.Begin("acme")
	w.Forget("acme")

	// A late resolve must not deliver anything.
	w.Resolve("acme")
	select {
	case got := <-ch:
		t.Fatalf("forgotten wait received %v", got)
	case <-time.After(50 * time.Millisecond):
	}

	// The id is reusable immediately.
	if _, err := w.Begin("acme"); err != nil {
		t.Fatalf("Begin after Forget: %v", err)
	}
}

func TestWaiterCompleteWithoutWait(t *testing.T) {
	w := NewWaiter()
	// Must not panic or block.
	w.Resolve("ghost")
	w.Reject("ghost", errors.New("x"))
	w.Forget("ghost")
}

func TestWaiterOneShot(t *testing.T) {
	w := NewWaiter()
	ch, _ := w.Begin("acme")
	w.Resolve("acme")
	w.Resolve("acme") // second resolve is a no-op

	<-ch
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("wait delivered twice")
		}
	case <-time.After(50 * time.Millisecond):
	}
}
