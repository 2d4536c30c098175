package waveline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the Waveline API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// UserID identifies a user. The wire format is inconsistent about whether
// user identifiers are JSON numbers or strings, so it decodes from either.
type UserID int64

func (u *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*u = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*u = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("user id %q: %w", s, err)
		}
		*u = UserID(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*u = UserID(n)
	return nil
}

// ============================================================================
// Reactions
// ============================================================================

// ReactionKind is one of the closed set of supported message reactions.
type ReactionKind string

const (
	ReactionLike  ReactionKind = "like"
	ReactionLove  ReactionKind = "love"
	ReactionHaha  ReactionKind = "haha"
	ReactionWow   ReactionKind = "wow"
	ReactionSad   ReactionKind = "sad"
	ReactionAngry ReactionKind = "angry"
	ReactionOkay  ReactionKind = "okay"
)

// ValidReaction reports whether k is a supported reaction kind.
func ValidReaction(k ReactionKind) bool {
	switch k {
	case ReactionLike, ReactionLove, ReactionHaha, ReactionWow,
		ReactionSad, ReactionAngry, ReactionOkay:
		return true
	}
	return false
}

// Reactions maps a reaction kind to the users who reacted with it.
//
// The server stores reactions as serialized JSON text, so depending on the
// code path a payload may carry either the object itself or a JSON string
// containing the object. UnmarshalJSON accepts both; anything unparseable
// decodes as no reactions rather than failing the enclosing message.
type Reactions map[ReactionKind][]UserID

func (r *Reactions) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*r = nil
			return nil
		}
		b = []byte(s)
	}
	var m map[ReactionKind][]UserID
	if err := json.Unmarshal(b, &m); err != nil {
		*r = nil
		return nil
	}
	*r = m
	return nil
}

// Has reports whether user has reacted to the message with kind.
func (r Reactions) Has(kind ReactionKind, user UserID) bool {
	for _, u := range r[kind] {
		if u == user {
			return true
		}
	}
	return false
}

// Count returns the total number of reactions across all kinds.
func (r Reactions) Count() int {
	n := 0
	for _, users := range r {
		n += len(users)
	}
	return n
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery status of a message in the local store.
type MessageStatus string

const (
	// StatusConfirmed marks a message acknowledged by the server.
	StatusConfirmed MessageStatus = "confirmed"
	// StatusPending marks an optimistic local message awaiting its echo.
	StatusPending MessageStatus = "pending"
	// StatusFailed marks an optimistic message whose send timed out.
	StatusFailed MessageStatus = "failed"
)

// Message is a single chat message. ID is the server-issued identifier and
// the sole merge/dedup key; it is zero for optimistic messages, which are
// keyed by ClientTag until the server echo replaces them.
type Message struct {
	ID         int64  `json:"message_id"`
	SenderID   UserID `json:"sender_id"`
	ReceiverID UserID `json:"receiver_id"`
	Content    string `json:"content"`
	CreatedAt  string `json:"date_sent"`
	IsEdited   bool   `json:"is_edited,omitempty"`
	EditedAt   string `json:"edited_at,omitempty"`
	IsSeen     bool   `json:"is_seen"`

	Reactions Reactions `json:"reactions,omitempty"`

	// Reply preview, resolved server-side and cached; never re-fetched.
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	ReplySenderID    UserID `json:"reply_sender_id,omitempty"`
	ReplyContent     string `json:"reply_content,omitempty"`

	// ClientTag is the client-supplied correlation token for optimistic
	// sends. Servers that support it echo the tag on new_message.
	ClientTag string `json:"client_tag,omitempty"`

	Status MessageStatus `json:"-"`
}

// Own reports whether the message was sent by self.
func (m *Message) Own(self UserID) bool { return m.SenderID == self }

// ============================================================================
// Conversation summaries (unread/latest feed)
// ============================================================================

// ConversationSummary is one row of the latest-messages feed: the most
// recent message exchanged with a peer plus the running unread count. It is
// a separate server aggregate, eventually consistent with the per-room
// message state.
type ConversationSummary struct {
	MessageID   int64  `json:"message_id"`
	SenderID    UserID `json:"sender_id"`
	ReceiverID  UserID `json:"receiver_id"`
	Content     string `json:"content"`
	IsSeen      bool   `json:"is_seen"`
	DateSent    string `json:"date_sent"`
	PeerID      UserID `json:"other_user_id"`
	Username    string `json:"username,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	UnreadCount int    `json:"unread_count"`
}

// UserInfo is the public profile of a chat participant.
type UserInfo struct {
	UID       UserID `json:"uid"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}
