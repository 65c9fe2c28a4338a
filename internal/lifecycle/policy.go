package lifecycle

import (
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/provider"
)

// Policy decides whether and when a closed channel reconnects. The zero
// value is unusable; use DefaultPolicy or fill every field.
type Policy struct {
	// MaxAttempts is the reconnect budget per outage. Once a channel has
	// burned through it, the channel parks in FAILED until regenerated.
	MaxAttempts int
	// BaseDelay is the delay before the first reconnect attempt. Each
	// further attempt doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the doubled delay.
	MaxDelay time.Duration
}

// DefaultPolicy matches the production schedule: 3s, 6s, 12s, 24s, 48s,
// then give up.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   3 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// Decision is the outcome of consulting the policy after a session closed.
type Decision struct {
	// Reconnect is true when a new attempt should be scheduled.
	Reconnect bool
	// LoggedOut is true when the close was an explicit logout. Implies
	// Reconnect == false.
	LoggedOut bool
	// Attempt is the 1-based number of the attempt being scheduled. Zero
	// when Reconnect is false.
	Attempt int
	// Delay is how long to wait before the attempt. Zero when Reconnect
	// is false.
	Delay time.Duration
}

// Decide consults the policy for a session that closed with the given cause
// after `attempts` prior reconnect attempts in the current outage. It is a
// pure function: scheduling and state changes are the caller's job.
func (p Policy) Decide(cause provider.CloseCause, attempts int) Decision {
	if cause.LoggedOut() {
		return Decision{LoggedOut: true}
	}
	if attempts >= p.MaxAttempts {
		return Decision{}
	}
	n := attempts + 1
	return Decision{
		Reconnect: true,
		Attempt:   n,
		Delay:     p.delay(n),
	}
}

// delay returns BaseDelay doubled per attempt after the first, capped at
// MaxDelay. Attempt numbers start at 1.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
