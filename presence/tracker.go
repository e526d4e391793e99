// Package presence tracks which participants currently have a live session.
// The fan-out layer asks it whether to bother a recipient with email: someone
// with an open connection sees the message arrive anyway.
package presence

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/talkbase/receiptsync/internal"
)

const DefaultTTL = 2 * time.Minute

// Tracker is a TTL set of user refs. Sessions heartbeat via Touch; a user
// whose entry expired is considered offline. Explicit disconnects remove the
// entry immediately rather than waiting out the TTL.
type Tracker struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](ttl),
	)
	go c.Start()
	return &Tracker{cache: c}
}

// Touch records a heartbeat, extending the user's online window.
func (t *Tracker) Touch(user internal.UserRef) {
	t.cache.Set(user.String(), struct{}{}, ttlcache.DefaultTTL)
}

// IsOnline reports whether the user heartbeated within the TTL. Checking does
// not extend the window; only Touch does.
func (t *Tracker) IsOnline(user internal.UserRef) bool {
	return t.cache.Has(user.String())
}

// Disconnect drops the user immediately, e.g when their last socket closes.
func (t *Tracker) Disconnect(user internal.UserRef) {
	t.cache.Delete(user.String())
}

func (t *Tracker) Stop() {
	t.cache.Stop()
}
