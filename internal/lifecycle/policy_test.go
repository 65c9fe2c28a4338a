package lifecycle

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/provider"
)

func TestDecideBackoffSchedule(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		48 * time.Second,
	}
	for prior, wantDelay := range want {
		d := p.Decide(provider.CauseConnectionLost, prior)
		if !d.Reconnect {
			t.Fatalf("attempts=%d: Reconnect = false, want true", prior)
		}
		if d.Attempt != prior+1 {
			t.Errorf("attempts=%d: Attempt = %d, want %d", prior, d.Attempt, prior+1)
		}
		if d.Delay != wantDelay {
			t.Errorf("attempts=%d: Delay = %v, want %v", prior, d.Delay, wantDelay)
		}
	}
}

func TestDecideExhaustedBudget(t *testing.T) {
	p := DefaultPolicy()
	d := p.Decide(provider.CauseConnectionLost, 5)
	if d.Reconnect {
		t.Error("Reconnect = true after budget exhausted, want false")
	}
	if d.LoggedOut {
		t.Error("LoggedOut = true for connection-lost close")
	}
}

func TestDecideLogoutNeverReconnects(t *testing.T) {
	p := DefaultPolicy()
	for _, attempts := range []int{0, 2, 5} {
		d := p.Decide(provider.CauseLoggedOut, attempts)
		if d.Reconnect {
			t.Errorf("attempts=%d: Reconnect = true for logout", attempts)
		}
		if !d.LoggedOut {
			t.Errorf("attempts=%d: LoggedOut = false for logout", attempts)
		}
	}
}

func TestDecideDelayCap(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 3 * time.Second, MaxDelay: 60 * time.Second}
	// Attempt 6 would be 96s uncapped.
	d := p.Decide(provider.CauseStreamReplaced, 5)
	if d.Delay != 60*time.Second {
		t.Errorf("Delay = %v, want 60s cap", d.Delay)
	}
	d = p.Decide(provider.CauseStreamReplaced, 9)
	if d.Delay != 60*time.Second {
		t.Errorf("Delay = %v, want 60s cap", d.Delay)
	}
}

func TestDecideOtherCausesReconnect(t *testing.T) {
	p := DefaultPolicy()
	for _, cause := range []provider.CloseCause{
		provider.CauseConnectionLost,
		provider.CauseStreamReplaced,
		provider.CauseClientOutdated,
		provider.CauseUnknown,
	} {
		d := p.Decide(cause, 0)
		if !d.Reconnect {
			t.Errorf("cause=%s: Reconnect = false, want true", cause)
		}
	}
}
