package fanout

import (
	"time"
)

// DefaultQuietWindow is how long a recipient must have been inactive in a
// conversation before created-message emails go out again. Deployments used to
// disagree on this value (2h vs 4h); it is one configurable knob now, with the
// shorter historical value as the default.
const DefaultQuietWindow = 2 * time.Hour

// Policy decides whether email/push actually fire for a `created` event.
// It is pure: the answer is a function of recorded state (presence flag,
// last-activity timestamp, opt-in flag, self-send), never of incidental
// timing, so suppression decisions are reproducible and unit-testable.
type Policy struct {
	QuietWindow time.Duration
}

func NewPolicy(quietWindow time.Duration) Policy {
	if quietWindow <= 0 {
		quietWindow = DefaultQuietWindow
	}
	return Policy{QuietWindow: quietWindow}
}

// SuppressEmail reports whether the created-message email should NOT be sent.
// Emails are suppressed for the sender's own receipt, for recipients who are
// currently online, and for recipients who sent something in this conversation
// within the quiet window (they are clearly following it already).
// hasActivity is false when the recipient never sent in this conversation.
func (p Policy) SuppressEmail(selfSend, online bool, lastActivity time.Time, hasActivity bool, now time.Time) bool {
	if selfSend {
		return true
	}
	if online {
		return true
	}
	if hasActivity && now.Sub(lastActivity) < p.QuietWindow {
		return true
	}
	return false
}

// AllowPush reports whether a push notification should be sent. Push is
// independent of email suppression: it only needs the recipient's opt-in, and
// is never sent for the sender's own receipt.
func (p Policy) AllowPush(optedIn, selfSend bool) bool {
	return optedIn && !selfSend
}
