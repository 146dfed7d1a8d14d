package realtime

import (
	"time"
)

// ReconnectPolicy is a pure function of attempt count to delay, with a hard
// cap on both the delay and the number of attempts. Attempt counting and the
// single outstanding timer live with the caller (the channel run loop keeps
// at most one wait pending at a time).
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

// delay = min(base << attempt, maxDelay)
func (self *ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := self.MaxDelay
	// guard the shift. base<<attempt overflows past ~62 bits
	if attempt < 32 {
		d := self.BaseDelay << uint(attempt)
		if 0 < d && d < self.MaxDelay {
			delay = d
		}
	}
	return delay
}

// Exhausted reports whether the policy allows another attempt.
// Attempts are counted from zero.
func (self *ReconnectPolicy) Exhausted(attempt int) bool {
	return self.MaxAttempts <= attempt
}

// Reconnect measures a delay starting at creation, so that time spent on a
// failed dial counts against the wait.
type Reconnect struct {
	deadline time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		deadline: time.Now().Add(timeout),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(time.Until(self.deadline))
}
