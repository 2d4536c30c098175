package waveline

import "sort"

// Store is the authoritative in-memory ordered message collection for the
// active conversation. Ordering is always a function of message_id, never
// insertion order, so applying events is commutative regardless of arrival
// sequence. Confirmed messages sort ascending by id; optimistic messages
// (id 0, keyed by client tag) stay at the tail in creation order.
//
// Store is not goroutine-safe; the engine serializes access.
type Store struct {
	msgs  []Message
	index map[int64]int // confirmed id -> position in msgs
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{index: make(map[int64]int)}
}

// Len returns the number of messages, optimistic ones included.
func (s *Store) Len() int { return len(s.msgs) }

// Messages returns a copy of the ordered message sequence.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Get returns a copy of the message with the given server id.
func (s *Store) Get(id int64) (Message, bool) {
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.msgs[i], true
}

// Has reports whether a message with the given server id is present.
func (s *Store) Has(id int64) bool {
	_, ok := s.index[id]
	return ok
}

// ReplaceAll discards the current contents and installs msgs as the new
// baseline, sorted by id and deduplicated.
func (s *Store) ReplaceAll(msgs []Message) {
	s.msgs = s.msgs[:0]
	seen := make(map[int64]bool, len(msgs))
	for _, m := range msgs {
		if m.ID != 0 && seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.Status == "" {
			m.Status = StatusConfirmed
		}
		s.msgs = append(s.msgs, m)
	}
	s.normalize()
}

// Prepend merges a batch of older messages. Ids already present are dropped
// from the incoming batch, and the sequence stays sorted. Returns the count
// of genuinely new messages.
func (s *Store) Prepend(older []Message) int {
	added := 0
	for _, m := range older {
		if m.ID == 0 || s.Has(m.ID) {
			continue
		}
		if m.Status == "" {
			m.Status = StatusConfirmed
		}
		s.msgs = append(s.msgs, m)
		s.index[m.ID] = len(s.msgs) - 1 // provisional, fixed by normalize
		added++
	}
	if added > 0 {
		s.normalize()
	}
	return added
}

// Insert adds one live message at its id-ordered position. A late arrival
// older than the current tail lands where its id says, not at the end.
// Returns false if the id was already present.
func (s *Store) Insert(m Message) bool {
	if m.ID == 0 || s.Has(m.ID) {
		return false
	}
	if m.Status == "" {
		m.Status = StatusConfirmed
	}
	s.msgs = append(s.msgs, m)
	s.normalize()
	return true
}

// Patch applies fn to the message with the given id. Absent ids are a
// silent no-op: an update for a message not yet fetched into view is
// dropped, and a later full fetch carries the final state anyway.
func (s *Store) Patch(id int64, fn func(*Message)) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	fn(&s.msgs[i])
	return true
}

// PatchAll applies fn to every message matching pred.
func (s *Store) PatchAll(pred func(*Message) bool, fn func(*Message)) int {
	n := 0
	for i := range s.msgs {
		if pred(&s.msgs[i]) {
			fn(&s.msgs[i])
			n++
		}
	}
	return n
}

// AddPending appends an optimistic message keyed by its client tag.
func (s *Store) AddPending(m Message) {
	m.ID = 0
	m.Status = StatusPending
	s.msgs = append(s.msgs, m)
}

// Pending returns a copy of the optimistic message with the given tag.
func (s *Store) Pending(tag string) (Message, bool) {
	if i := s.pendingIndex(tag); i >= 0 {
		return s.msgs[i], true
	}
	return Message{}, false
}

// Promote atomically replaces the optimistic message with the authoritative
// server echo: the temporary entry is removed and the server message takes
// its id-ordered place. Returns false if no message carries the tag.
func (s *Store) Promote(tag string, server Message) bool {
	i := s.pendingIndex(tag)
	if i < 0 {
		return false
	}
	if server.ID != 0 && s.Has(server.ID) {
		// Echo already applied through another path; just drop the temp.
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
		s.normalize()
		return true
	}
	server.Status = StatusConfirmed
	s.msgs[i] = server
	s.normalize()
	return true
}

// MarkFailed flags the optimistic message with the given tag as failed. It
// stays visible so the user can retry.
func (s *Store) MarkFailed(tag string) bool {
	if i := s.pendingIndex(tag); i >= 0 {
		s.msgs[i].Status = StatusFailed
		return true
	}
	return false
}

// MarkPending returns a failed optimistic message to the pending state for
// a retry.
func (s *Store) MarkPending(tag string) bool {
	if i := s.pendingIndex(tag); i >= 0 {
		s.msgs[i].Status = StatusPending
		return true
	}
	return false
}

// PendingTagByContent returns the tag of the oldest pending optimistic
// message from sender with exactly the given content. It is the fallback
// correlation path for servers that do not echo client tags.
func (s *Store) PendingTagByContent(sender UserID, content string) (string, bool) {
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.ID == 0 && m.Status == StatusPending && m.SenderID == sender && m.Content == content {
			return m.ClientTag, true
		}
	}
	return "", false
}

// OldestPendingTag returns the tag of the oldest optimistic message still
// in the pending state.
func (s *Store) OldestPendingTag() (string, bool) {
	for i := range s.msgs {
		if s.msgs[i].ID == 0 && s.msgs[i].Status == StatusPending {
			return s.msgs[i].ClientTag, true
		}
	}
	return "", false
}

// RemoveOptimistic drops the optimistic message with the given tag.
func (s *Store) RemoveOptimistic(tag string) bool {
	if i := s.pendingIndex(tag); i >= 0 {
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
		return true
	}
	return false
}

// LastSeenOwnMessage returns the id of the newest confirmed message sent by
// self that the peer has seen, or 0 if there is none. This drives the
// single "Seen" marker.
func (s *Store) LastSeenOwnMessage(self UserID) int64 {
	for i := len(s.msgs) - 1; i >= 0; i-- {
		m := &s.msgs[i]
		if m.ID != 0 && m.SenderID == self && m.IsSeen {
			return m.ID
		}
	}
	return 0
}

// UnseenFrom returns the confirmed messages sent by peer that have not been
// seen yet, oldest first.
func (s *Store) UnseenFrom(peer UserID) []Message {
	var out []Message
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.ID != 0 && m.SenderID == peer && !m.IsSeen {
			out = append(out, *m)
		}
	}
	return out
}

// normalize restores the ordering invariant and rebuilds the id index.
// Confirmed messages sort by id; optimistic ones keep their relative order
// behind them.
func (s *Store) normalize() {
	sort.SliceStable(s.msgs, func(i, j int) bool {
		a, b := &s.msgs[i], &s.msgs[j]
		if a.ID != 0 && b.ID != 0 {
			return a.ID < b.ID
		}
		return a.ID != 0 && b.ID == 0
	})
	s.index = make(map[int64]int, len(s.msgs))
	for i := range s.msgs {
		if id := s.msgs[i].ID; id != 0 {
			s.index[id] = i
		}
	}
}

func (s *Store) pendingIndex(tag string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == 0 && s.msgs[i].ClientTag == tag {
			return i
		}
	}
	return -1
}
