package waveline

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// ConvState is the lifecycle state of the active conversation.
type ConvState string

const (
	ConvIdle        ConvState = "idle"
	ConvLoading     ConvState = "loading"
	ConvReady       ConvState = "ready"
	ConvLoadingMore ConvState = "loading_more"
)

// EditState tracks a non-optimistic edit in flight.
type EditState string

const (
	// EditSaving means the edit command was emitted and the echo is pending.
	EditSaving EditState = "saving"
	// EditFailed means no echo arrived within the timeout; retryable.
	EditFailed EditState = "failed"
)

// HistoryFetcher loads pages of past messages for a conversation, newest
// first. Offset counts back from the newest message.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, peer UserID, limit, offset int) ([]Message, error)
}

// EngineConfig configures a sync engine.
type EngineConfig struct {
	SelfID          UserID
	PageSize        int
	SendTimeout     time.Duration
	EditTimeout     time.Duration
	TypingExpiry    time.Duration
	TypingStopDelay time.Duration
	Logger          zerolog.Logger
}

func (c *EngineConfig) defaults() {
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 8 * time.Second
	}
	if c.EditTimeout == 0 {
		c.EditTimeout = 8 * time.Second
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = 1500 * time.Millisecond
	}
	if c.TypingStopDelay == 0 {
		c.TypingStopDelay = 2 * time.Second
	}
}

// ============================================================================
// Read model
// ============================================================================

// Snapshot is the engine's derived read model, recomputed after every
// applied mutation and pushed to OnUpdate subscribers. Presentation layers
// consume snapshots; they never reach into the store.
type Snapshot struct {
	State  ConvState
	PeerID UserID

	Messages []Message

	// UnreadCount is the number of peer messages not yet seen locally.
	UnreadCount int
	// LastSeenMessageID is the newest own message the peer has seen; it
	// positions the single "Seen" marker. Zero when nothing is seen.
	LastSeenMessageID int64
	HasMoreHistory    bool

	PeerTyping bool
	// EditingID is the message the local user is currently editing, if any.
	EditingID int64
	// Edits holds the in-flight edit state per message id.
	Edits map[int64]EditState

	// LoadError is the retryable failure of the last history fetch.
	LoadError error

	OnlinePeers []UserID
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the conversation synchronization engine. It owns the message
// store for the active conversation, merges the history fetch, live channel
// events and optimistic local commands under id-ordered idempotent rules,
// and exposes the result as snapshots.
//
// All command and event processing is serialized under one mutex; inbound
// events are applied synchronously in arrival order. Final message order
// comes from identifiers, so reconciliation commutes with event order.
type Engine struct {
	cfg     EngineConfig
	ch      Channel
	fetcher HistoryFetcher
	log     zerolog.Logger

	rooms    *RoomManager
	typing   *TypingTracker
	notifier *typingNotifier
	presence *PresenceSet

	mu          sync.Mutex
	store       *Store
	state       ConvState
	peer        UserID
	epoch       int
	foreground  bool
	hasMore     bool
	offset      int
	loadErr     error
	editingID   int64
	edits       map[int64]EditState
	editTimers  map[int64]*time.Timer
	sendTimers  map[string]*time.Timer
	fetchCancel context.CancelFunc
	closed      bool

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int

	offs []func()
}

// NewEngine builds an engine on top of an injected channel and history
// fetcher. The channel is shared session state owned by the caller; the
// engine only subscribes to it and never owns more than one.
func NewEngine(ch Channel, fetcher HistoryFetcher, cfg EngineConfig) *Engine {
	cfg.defaults()
	e := &Engine{
		cfg:        cfg,
		ch:         ch,
		fetcher:    fetcher,
		log:        cfg.Logger.With().Str("component", "engine").Logger(),
		typing:     NewTypingTracker(cfg.TypingExpiry),
		notifier:   newTypingNotifier(cfg.TypingStopDelay),
		presence:   NewPresenceSet(),
		store:      NewStore(),
		state:      ConvIdle,
		foreground: true,
		edits:      make(map[int64]EditState),
		editTimers: make(map[int64]*time.Timer),
		sendTimers: make(map[string]*time.Timer),
		subs:       make(map[int]func(Snapshot)),
	}
	e.rooms = NewRoomManager(ch, cfg.Logger, e.handleRoomJoined)

	e.offs = []func(){
		ch.On(EventNewMessage, e.handleNewMessage),
		ch.On(EventMessageEdited, e.handleMessageEdited),
		ch.On(EventReactionUpdated, e.handleReactionUpdated),
		ch.On(EventMessageSeen, e.handleMessageSeen),
		ch.On(EventMessagesSeen, e.handleMessagesSeen),
		ch.On(EventTypingStart, e.handleTypingStart),
		ch.On(EventTypingStop, e.handleTypingStop),
		ch.On(EventUserOnline, e.handleUserOnline),
		ch.On(EventUserOffline, e.handleUserOffline),
		ch.On(EventOnlineUsers, e.handleOnlineUsers),
		ch.On(EventError, e.handleServerError),
	}
	return e
}

// Close tears the engine down: leaves the room, detaches every channel
// subscription and stops all timers.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if e.fetchCancel != nil {
		e.fetchCancel()
		e.fetchCancel = nil
	}
	e.stopTimersLocked()
	e.state = ConvIdle
	e.mu.Unlock()

	e.rooms.Teardown()
	for _, off := range e.offs {
		off()
	}
	e.typing.Reset()
	e.notifier.cancel(nil)
}

// OnUpdate subscribes to read-model snapshots. The returned disposer
// removes the subscription.
func (e *Engine) OnUpdate(fn func(Snapshot)) func() {
	e.subMu.Lock()
	e.nextSub++
	id := e.nextSub
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

// Snapshot returns the current read model.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// OnlineUsers returns the current presence set, independent of the active
// conversation.
func (e *Engine) OnlineUsers() []UserID { return e.presence.List() }

// ============================================================================
// Conversation lifecycle
// ============================================================================

// Open makes peer the active conversation: the previous room is left, the
// new one joined, the store reset and the initial history page fetched.
// Opening the already-active conversation is a no-op. Any in-flight fetch
// for the previous conversation is cancelled; a stale response that still
// lands is dropped by an epoch check before it can touch the new store.
func (e *Engine) Open(peer UserID) {
	e.mu.Lock()
	if e.closed || (e.peer == peer && e.state != ConvIdle) {
		e.mu.Unlock()
		return
	}
	if e.fetchCancel != nil {
		e.fetchCancel()
	}
	e.stopTimersLocked()

	e.peer = peer
	e.epoch++
	epoch := e.epoch
	e.store = NewStore()
	e.state = ConvLoading
	e.hasMore = true
	e.offset = 0
	e.loadErr = nil
	e.editingID = 0
	e.edits = make(map[int64]EditState)

	ctx, cancel := context.WithCancel(context.Background())
	e.fetchCancel = cancel
	e.mu.Unlock()

	e.typing.Reset()
	e.notifier.cancel(nil)
	e.rooms.SetActive(e.cfg.SelfID, peer)
	e.notify()

	go e.fetchInitial(ctx, peer, epoch)
}

// RetryLoad re-runs the failed history fetch for the active conversation.
func (e *Engine) RetryLoad() {
	e.mu.Lock()
	if e.closed || e.peer == 0 || e.loadErr == nil {
		e.mu.Unlock()
		return
	}
	e.loadErr = nil
	peer, epoch := e.peer, e.epoch
	// A failed pagination just clears the error; the next LoadOlder retries
	// it. A failed initial load re-runs the first page fetch.
	initial := e.store.Len() == 0
	var ctx context.Context
	if initial {
		e.state = ConvLoading
		ctx, e.fetchCancel = context.WithCancel(context.Background())
	}
	e.mu.Unlock()

	e.notify()
	if initial {
		go e.fetchInitial(ctx, peer, epoch)
	}
}

// LoadOlder fetches the next page of history. It is a no-op unless the
// conversation is Ready with more history available, so reaching the top of
// the scrollback cannot stack requests.
func (e *Engine) LoadOlder() {
	e.mu.Lock()
	if e.closed || e.state != ConvReady || !e.hasMore {
		e.mu.Unlock()
		return
	}
	e.state = ConvLoadingMore
	peer, epoch, offset := e.peer, e.epoch, e.offset
	ctx, cancel := context.WithCancel(context.Background())
	e.fetchCancel = cancel
	e.mu.Unlock()

	e.notify()
	go e.fetchOlder(ctx, peer, epoch, offset)
}

// SetForeground tells the engine whether the conversation view is the
// active foreground tab. Automatic read receipts are suppressed in the
// background and flushed when the view returns to the foreground.
func (e *Engine) SetForeground(fg bool) {
	e.mu.Lock()
	was := e.foreground
	e.foreground = fg
	var unseen []Message
	if fg && !was && e.peer != 0 {
		unseen = e.store.UnseenFrom(e.peer)
	}
	e.mu.Unlock()

	for _, m := range unseen {
		e.emitMessageSeen(m.ID)
	}
	if fg != was {
		e.notify()
	}
}

func (e *Engine) fetchInitial(ctx context.Context, peer UserID, epoch int) {
	page, err := e.fetcher.FetchMessages(ctx, peer, e.cfg.PageSize, 0)

	e.mu.Lock()
	if e.closed || e.epoch != epoch || e.peer != peer {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.loadErr = err
		e.state = ConvReady
		e.hasMore = true
		e.mu.Unlock()
		e.log.Warn().Err(err).Int64("peer", int64(peer)).Msg("history fetch failed")
		e.notify()
		return
	}

	msgs := reverseMessages(page)
	e.store.ReplaceAll(msgs)
	e.offset = len(page)
	e.hasMore = len(page) == e.cfg.PageSize
	e.state = ConvReady
	unseen := e.store.UnseenFrom(peer)
	fg := e.foreground
	e.mu.Unlock()

	// Receipts for messages that were unread at open time. The bulk
	// mark_as_seen rides on the join ack; these targeted receipts cover
	// updates the server applied before this page was installed.
	if fg {
		for _, m := range unseen {
			e.emitMessageSeen(m.ID)
		}
	}
	e.notify()
}

func (e *Engine) fetchOlder(ctx context.Context, peer UserID, epoch, offset int) {
	page, err := e.fetcher.FetchMessages(ctx, peer, e.cfg.PageSize, offset)

	e.mu.Lock()
	if e.closed || e.epoch != epoch || e.peer != peer {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.loadErr = err
		e.state = ConvReady
		e.mu.Unlock()
		e.log.Warn().Err(err).Int64("peer", int64(peer)).Msg("pagination fetch failed")
		e.notify()
		return
	}
	if len(page) == 0 {
		e.hasMore = false
		e.state = ConvReady
		e.mu.Unlock()
		e.notify()
		return
	}

	e.store.Prepend(reverseMessages(page))
	e.offset = offset + len(page)
	e.hasMore = len(page) == e.cfg.PageSize
	e.state = ConvReady
	e.mu.Unlock()
	e.notify()
}

// ============================================================================
// Outbound commands
// ============================================================================

type sendPayload struct {
	SenderID         UserID `json:"sender_id"`
	ReceiverID       UserID `json:"receiver_id"`
	Content          string `json:"content"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	ClientTag        string `json:"client_tag"`
}

type editPayload struct {
	MessageID  int64  `json:"message_id"`
	SenderID   UserID `json:"sender_id"`
	ReceiverID UserID `json:"receiver_id"`
	NewContent string `json:"new_content"`
}

type reactionPayload struct {
	MessageID    int64        `json:"message_id"`
	SenderID     UserID       `json:"sender_id"`
	ReceiverID   UserID       `json:"receiver_id"`
	ReactionType ReactionKind `json:"reaction_type"`
}

type markSeenPayload struct {
	MessageID int64  `json:"message_id"`
	ViewerID  UserID `json:"viewer_id"`
}

type bulkSeenPayload struct {
	SenderID   UserID `json:"sender_id"`
	ReceiverID UserID `json:"receiver_id"`
}

// SendMessage creates an optimistic message and emits the send command.
// The returned client tag identifies the pending send; the message shows
// as failed (retryable) if no echo arrives within the send timeout.
// replyTo, when non-zero, references the message being replied to.
func (e *Engine) SendMessage(content string, replyTo int64) string {
	content = strings.TrimSpace(content)

	e.mu.Lock()
	if e.closed || e.peer == 0 || content == "" {
		e.mu.Unlock()
		return ""
	}
	peer := e.peer
	tag := newClientTag()
	m := Message{
		SenderID:         e.cfg.SelfID,
		ReceiverID:       peer,
		Content:          content,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
		ReplyToMessageID: replyTo,
		ClientTag:        tag,
	}
	if replyTo != 0 {
		if target, ok := e.store.Get(replyTo); ok {
			m.ReplySenderID = target.SenderID
			m.ReplyContent = truncate(target.Content, 80)
		}
	}
	e.store.AddPending(m)
	e.armSendTimeoutLocked(tag)
	e.mu.Unlock()

	e.notifier.cancel(e.emitTypingStop)

	err := e.ch.Emit(CmdSendMessage, sendPayload{
		SenderID:         e.cfg.SelfID,
		ReceiverID:       peer,
		Content:          content,
		ReplyToMessageID: replyTo,
		ClientTag:        tag,
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("send emit failed")
		e.mu.Lock()
		e.store.MarkFailed(tag)
		e.stopSendTimerLocked(tag)
		e.mu.Unlock()
	}

	e.notify()
	return tag
}

// RetrySend re-issues a failed optimistic send under the same client tag.
func (e *Engine) RetrySend(tag string) {
	e.mu.Lock()
	m, ok := e.store.Pending(tag)
	if e.closed || !ok || m.Status != StatusFailed {
		e.mu.Unlock()
		return
	}
	e.store.MarkPending(tag)
	e.armSendTimeoutLocked(tag)
	peer := e.peer
	e.mu.Unlock()

	err := e.ch.Emit(CmdSendMessage, sendPayload{
		SenderID:         e.cfg.SelfID,
		ReceiverID:       peer,
		Content:          m.Content,
		ReplyToMessageID: m.ReplyToMessageID,
		ClientTag:        tag,
	})
	if err != nil {
		e.mu.Lock()
		e.store.MarkFailed(tag)
		e.stopSendTimerLocked(tag)
		e.mu.Unlock()
	}
	e.notify()
}

// DiscardFailed removes a failed optimistic send from the store.
func (e *Engine) DiscardFailed(tag string) {
	e.mu.Lock()
	m, ok := e.store.Pending(tag)
	if ok && m.Status == StatusFailed {
		e.store.RemoveOptimistic(tag)
	}
	e.mu.Unlock()
	if ok {
		e.notify()
	}
}

// BeginEdit marks the message the local user is editing. The state exists
// so a cross-device edit of the same message can abandon the local draft in
// favor of the server version.
func (e *Engine) BeginEdit(messageID int64) {
	e.mu.Lock()
	e.editingID = messageID
	e.mu.Unlock()
	e.notify()
}

// CancelEdit clears the local editing state.
func (e *Engine) CancelEdit() {
	e.mu.Lock()
	e.editingID = 0
	e.mu.Unlock()
	e.notify()
}

// EditMessage emits an edit command. Edits are deliberately not applied
// optimistically: the local store changes only when the message_edited echo
// arrives, and the snapshot reports a "saving" state meanwhile. A missing
// echo surfaces per-message as a retryable failed edit.
func (e *Engine) EditMessage(messageID int64, newContent string) {
	newContent = strings.TrimSpace(newContent)

	e.mu.Lock()
	if e.closed || e.peer == 0 || newContent == "" || !e.store.Has(messageID) {
		e.mu.Unlock()
		return
	}
	peer := e.peer
	e.edits[messageID] = EditSaving
	e.editingID = 0
	e.armEditTimeoutLocked(messageID)
	e.mu.Unlock()

	err := e.ch.Emit(CmdEditMessage, editPayload{
		MessageID:  messageID,
		SenderID:   e.cfg.SelfID,
		ReceiverID: peer,
		NewContent: newContent,
	})
	if err != nil {
		e.log.Warn().Err(err).Int64("message_id", messageID).Msg("edit emit failed")
		e.mu.Lock()
		e.edits[messageID] = EditFailed
		e.stopEditTimerLocked(messageID)
		e.mu.Unlock()
	}
	e.notify()
}

// AddReaction asks the server to set the given reaction for the local user.
// The server decides add versus toggle-off; no local reaction state is
// mutated until reaction_updated arrives.
func (e *Engine) AddReaction(messageID int64, kind ReactionKind) error {
	if !ValidReaction(kind) {
		return fmt.Errorf("invalid reaction kind %q", kind)
	}
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == 0 {
		return fmt.Errorf("no active conversation")
	}
	return e.ch.Emit(CmdAddReaction, reactionPayload{
		MessageID:    messageID,
		SenderID:     e.cfg.SelfID,
		ReceiverID:   peer,
		ReactionType: kind,
	})
}

// NotifyTyping signals a local keystroke. typing_start goes out at most
// once per burst; the matching typing_stop fires after the burst goes
// quiet or a message is sent.
func (e *Engine) NotifyTyping() {
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == 0 || e.ch.State() != StateConnected {
		return
	}
	e.notifier.touch(e.emitTypingStart, e.emitTypingStop)
}

func (e *Engine) emitTypingStart() {
	e.emitTyping(CmdTypingStart)
}

func (e *Engine) emitTypingStop() {
	e.emitTyping(CmdTypingStop)
}

func (e *Engine) emitTyping(cmd string) {
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == 0 {
		return
	}
	if err := e.ch.Emit(cmd, TypingPayload{SenderID: e.cfg.SelfID, ReceiverID: peer}); err != nil {
		e.log.Debug().Err(err).Str("cmd", cmd).Msg("typing emit dropped")
	}
}

func (e *Engine) emitMessageSeen(messageID int64) {
	err := e.ch.Emit(CmdMarkMessageSeen, markSeenPayload{
		MessageID: messageID,
		ViewerID:  e.cfg.SelfID,
	})
	if err != nil {
		e.log.Debug().Err(err).Int64("message_id", messageID).Msg("seen emit dropped")
	}
}

// ============================================================================
// Inbound events
// ============================================================================

// handleRoomJoined runs once the server acknowledges the join for the
// active room. Only then is the bulk mark-as-seen issued, so the receipts
// cannot race the subscription itself.
func (e *Engine) handleRoomJoined(string) {
	e.mu.Lock()
	peer := e.peer
	fg := e.foreground
	e.mu.Unlock()
	if peer == 0 || !fg {
		return
	}
	err := e.ch.Emit(CmdMarkAsSeen, bulkSeenPayload{SenderID: peer, ReceiverID: e.cfg.SelfID})
	if err != nil {
		e.log.Debug().Err(err).Msg("bulk seen emit dropped")
	}
}

func (e *Engine) handleNewMessage(_ string, data json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		e.log.Warn().Err(err).Msg("bad new_message payload")
		return
	}

	e.mu.Lock()
	self, peer := e.cfg.SelfID, e.peer
	if peer == 0 || !matchesPair(&msg, self, peer) {
		e.mu.Unlock()
		return
	}

	applied := false
	switch {
	case msg.ClientTag != "":
		if e.store.Promote(msg.ClientTag, msg) {
			e.stopSendTimerLocked(msg.ClientTag)
			applied = true
		}
	case msg.SenderID == self:
		// Servers that do not echo the tag: match the oldest pending send
		// with identical content.
		if tag, ok := e.store.PendingTagByContent(self, msg.Content); ok {
			e.store.Promote(tag, msg)
			e.stopSendTimerLocked(tag)
			applied = true
		}
	}
	if !applied {
		applied = e.store.Insert(msg)
	}

	autoSeen := applied && msg.SenderID == peer && !msg.IsSeen && e.foreground
	e.mu.Unlock()

	if autoSeen {
		e.emitMessageSeen(msg.ID)
	}
	if applied {
		e.notify()
	}
}

func (e *Engine) handleMessageEdited(_ string, data json.RawMessage) {
	var p MessageEditedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		e.log.Warn().Err(err).Msg("bad message_edited payload")
		return
	}

	e.mu.Lock()
	e.store.Patch(p.MessageID, func(m *Message) {
		m.Content = p.Content
		m.IsEdited = true
		m.EditedAt = p.EditedAt
	})
	delete(e.edits, p.MessageID)
	e.stopEditTimerLocked(p.MessageID)
	if e.editingID == p.MessageID {
		// Edited elsewhere while being edited here: the local draft loses.
		e.editingID = 0
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleReactionUpdated(_ string, data json.RawMessage) {
	var p ReactionUpdatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		e.log.Warn().Err(err).Msg("bad reaction_updated payload")
		return
	}
	if p.Reactions == nil {
		var probe struct {
			Reactions json.RawMessage `json:"reactions"`
		}
		if json.Unmarshal(data, &probe) == nil &&
			len(probe.Reactions) > 0 && !bytes.Equal(probe.Reactions, []byte("null")) {
			e.log.Warn().Int64("message_id", p.MessageID).
				Msg("unparseable reactions payload, treating as empty")
		}
	}

	e.mu.Lock()
	// Wholesale replacement: reactor sets are server-authoritative.
	e.store.Patch(p.MessageID, func(m *Message) {
		m.Reactions = p.Reactions
	})
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleMessageSeen(_ string, data json.RawMessage) {
	var p MessageSeenPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	e.mu.Lock()
	e.store.Patch(p.MessageID, func(m *Message) { m.IsSeen = true })
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleMessagesSeen(_ string, data json.RawMessage) {
	var p MessagesSeenPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	e.mu.Lock()
	e.store.PatchAll(
		func(m *Message) bool { return m.SenderID == p.SenderID && m.ReceiverID == p.ReceiverID },
		func(m *Message) { m.IsSeen = true },
	)
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleTypingStart(_ string, data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == 0 || p.SenderID != peer {
		return
	}
	e.typing.Start(peer, func(UserID) { e.notify() })
	e.notify()
}

func (e *Engine) handleTypingStop(_ string, data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == 0 || p.SenderID != peer {
		return
	}
	e.typing.Stop(peer)
	e.notify()
}

func (e *Engine) handleUserOnline(_ string, data json.RawMessage) {
	var p PresencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	e.presence.Add(p.UserID)
	e.notify()
}

func (e *Engine) handleUserOffline(_ string, data json.RawMessage) {
	var p PresencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	e.presence.Remove(p.UserID)
	e.notify()
}

// handleServerError fails the oldest pending send instead of waiting out
// its timeout. The payload carries no message correlation, but the server
// processes sends in order, so the oldest pending is the one it rejected.
func (e *Engine) handleServerError(_ string, data json.RawMessage) {
	var p ErrorPayload
	_ = json.Unmarshal(data, &p)

	e.mu.Lock()
	tag, ok := e.store.OldestPendingTag()
	if ok {
		e.store.MarkFailed(tag)
		e.stopSendTimerLocked(tag)
	}
	e.mu.Unlock()

	e.log.Warn().Str("message", p.Message).Str("error", p.Error).Msg("server rejected command")
	if ok {
		e.notify()
	}
}

func (e *Engine) handleOnlineUsers(_ string, data json.RawMessage) {
	var p OnlineUsersPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	e.presence.Replace(p.OnlineUsers)
	e.notify()
}

// ============================================================================
// Internals
// ============================================================================

func (e *Engine) snapshotLocked() Snapshot {
	edits := make(map[int64]EditState, len(e.edits))
	for id, st := range e.edits {
		edits[id] = st
	}
	return Snapshot{
		State:             e.state,
		PeerID:            e.peer,
		Messages:          e.store.Messages(),
		UnreadCount:       len(e.store.UnseenFrom(e.peer)),
		LastSeenMessageID: e.store.LastSeenOwnMessage(e.cfg.SelfID),
		HasMoreHistory:    e.hasMore,
		PeerTyping:        e.peer != 0 && e.typing.IsTyping(e.peer),
		EditingID:         e.editingID,
		Edits:             edits,
		LoadError:         e.loadErr,
		OnlinePeers:       e.presence.List(),
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (e *Engine) armSendTimeoutLocked(tag string) {
	e.stopSendTimerLocked(tag)
	e.sendTimers[tag] = time.AfterFunc(e.cfg.SendTimeout, func() {
		e.mu.Lock()
		failed := e.store.MarkFailed(tag)
		delete(e.sendTimers, tag)
		e.mu.Unlock()
		if failed {
			e.log.Warn().Str("client_tag", tag).Msg("send timed out")
			e.notify()
		}
	})
}

func (e *Engine) stopSendTimerLocked(tag string) {
	if t, ok := e.sendTimers[tag]; ok {
		t.Stop()
		delete(e.sendTimers, tag)
	}
}

func (e *Engine) armEditTimeoutLocked(id int64) {
	e.stopEditTimerLocked(id)
	e.editTimers[id] = time.AfterFunc(e.cfg.EditTimeout, func() {
		e.mu.Lock()
		failed := false
		if e.edits[id] == EditSaving {
			e.edits[id] = EditFailed
			failed = true
		}
		delete(e.editTimers, id)
		e.mu.Unlock()
		if failed {
			e.log.Warn().Int64("message_id", id).Msg("edit timed out")
			e.notify()
		}
	})
}

func (e *Engine) stopEditTimerLocked(id int64) {
	if t, ok := e.editTimers[id]; ok {
		t.Stop()
		delete(e.editTimers, id)
	}
}

func (e *Engine) stopTimersLocked() {
	for tag, t := range e.sendTimers {
		t.Stop()
		delete(e.sendTimers, tag)
	}
	for id, t := range e.editTimers {
		t.Stop()
		delete(e.editTimers, id)
	}
}

func matchesPair(m *Message, self, peer UserID) bool {
	return (m.SenderID == self && m.ReceiverID == peer) ||
		(m.SenderID == peer && m.ReceiverID == self)
}

func reverseMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// newClientTag returns a v4 UUID used as the optimistic-send correlation
// token. Client tags can never collide with server message ids, which are
// integers.
func newClientTag() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("tag-%d", time.Now().UnixNano())
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
