package waveline

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Incoming typing state
// ============================================================================

// TypingTracker holds the ephemeral "peer is typing" flags, keyed by peer
// id. A typing_start (re)arms a fixed expiry timer; typing_stop or expiry
// clears the flag. It lives outside the message store: typing state never
// touches messages.
type TypingTracker struct {
	mu     sync.Mutex
	expiry time.Duration
	timers map[UserID]*time.Timer
	active map[UserID]bool
}

// NewTypingTracker creates a tracker whose flags expire after the given
// duration of silence.
func NewTypingTracker(expiry time.Duration) *TypingTracker {
	return &TypingTracker{
		expiry: expiry,
		timers: make(map[UserID]*time.Timer),
		active: make(map[UserID]bool),
	}
}

// Start flags the peer as typing and (re)arms the expiry timer. onExpire is
// invoked if the flag times out without an explicit stop.
func (t *TypingTracker) Start(peer UserID, onExpire func(UserID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[peer] = true
	if timer, ok := t.timers[peer]; ok {
		timer.Stop()
	}
	t.timers[peer] = time.AfterFunc(t.expiry, func() {
		t.mu.Lock()
		delete(t.active, peer)
		delete(t.timers, peer)
		t.mu.Unlock()
		if onExpire != nil {
			onExpire(peer)
		}
	})
}

// Stop clears the typing flag for the peer.
func (t *TypingTracker) Stop(peer UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[peer]; ok {
		timer.Stop()
		delete(t.timers, peer)
	}
	delete(t.active, peer)
}

// IsTyping reports whether the peer is currently typing.
func (t *TypingTracker) IsTyping(peer UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[peer]
}

// Reset clears all flags and timers.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.active = make(map[UserID]bool)
}

// ============================================================================
// Outgoing typing debounce
// ============================================================================

// typingNotifier throttles the local user's typing_start to at most one per
// keystroke burst. Every keystroke re-arms the stop timer instead of
// emitting a stop; the burst ends after stopDelay of inactivity or when a
// message is sent.
type typingNotifier struct {
	mu        sync.Mutex
	stopDelay time.Duration
	active    bool
	stopTimer *time.Timer
}

func newTypingNotifier(stopDelay time.Duration) *typingNotifier {
	return &typingNotifier{stopDelay: stopDelay}
}

// touch is called on each keystroke. emitStart runs once at the beginning
// of a burst; emitStop runs when the burst expires.
func (n *typingNotifier) touch(emitStart, emitStop func()) {
	n.mu.Lock()
	start := !n.active
	n.active = true
	if n.stopTimer != nil {
		n.stopTimer.Stop()
	}
	n.stopTimer = time.AfterFunc(n.stopDelay, func() {
		n.mu.Lock()
		n.active = false
		n.stopTimer = nil
		n.mu.Unlock()
		emitStop()
	})
	n.mu.Unlock()

	if start {
		emitStart()
	}
}

// cancel ends the burst immediately. emitStop runs only if a burst was
// active.
func (n *typingNotifier) cancel(emitStop func()) {
	n.mu.Lock()
	wasActive := n.active
	n.active = false
	if n.stopTimer != nil {
		n.stopTimer.Stop()
		n.stopTimer = nil
	}
	n.mu.Unlock()

	if wasActive && emitStop != nil {
		emitStop()
	}
}

// ============================================================================
// Presence
// ============================================================================

// PresenceSet tracks which users are online, independent of any open
// conversation. The online_users_list event seeds it; user_online and
// user_offline mutate it.
type PresenceSet struct {
	mu     sync.Mutex
	online map[UserID]bool
}

// NewPresenceSet creates an empty presence set.
func NewPresenceSet() *PresenceSet {
	return &PresenceSet{online: make(map[UserID]bool)}
}

// Replace installs a full snapshot of online users.
func (p *PresenceSet) Replace(users []UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[UserID]bool, len(users))
	for _, u := range users {
		p.online[u] = true
	}
}

// Add marks a user online.
func (p *PresenceSet) Add(u UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[u] = true
}

// Remove marks a user offline.
func (p *PresenceSet) Remove(u UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, u)
}

// IsOnline reports whether the user is online.
func (p *PresenceSet) IsOnline(u UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[u]
}

// List returns the online user ids in ascending order.
func (p *PresenceSet) List() []UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UserID, 0, len(p.online))
	for u := range p.online {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
