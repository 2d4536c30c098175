package waveline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type emittedCmd struct {
	event   string
	payload json.RawMessage
}

// fakeChannel is an in-memory Channel: emits are recorded, inbound events
// are pushed straight through a real dispatcher.
type fakeChannel struct {
	disp *dispatcher

	mu      sync.Mutex
	state   ConnState
	emitErr error
	sent    []emittedCmd
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{disp: newDispatcher(), state: StateConnected}
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return ErrNotConnected
	}
	if f.emitErr != nil {
		return f.emitErr
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, emittedCmd{event: event, payload: b})
	return nil
}

func (f *fakeChannel) On(event string, h EventHandler) func() { return f.disp.on(event, h) }
func (f *fakeChannel) OnConnect(h func()) func()              { return f.disp.onConnectFn(h) }
func (f *fakeChannel) OnDisconnect(h func(string)) func()     { return f.disp.onDisconnectFn(h) }

func (f *fakeChannel) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) setState(s ConnState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// connect flips the channel to connected and fires connect handlers.
func (f *fakeChannel) connect() {
	f.setState(StateConnected)
	f.disp.emitConnected()
}

// push delivers a server event to subscribers.
func (f *fakeChannel) push(t *testing.T, event string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	f.disp.dispatch(Envelope{Event: event, Data: b})
}

func (f *fakeChannel) sentOf(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, c := range f.sent {
		if c.event == event {
			out = append(out, c.payload)
		}
	}
	return out
}

func (f *fakeChannel) countOf(event string) int { return len(f.sentOf(event)) }

type fetchCall struct {
	peer   UserID
	limit  int
	offset int
}

// fakeFetcher is a programmable HistoryFetcher.
type fakeFetcher struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, peer UserID, limit, offset int) ([]Message, error)
	calls []fetchCall
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, peer UserID, limit, offset int) ([]Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{peer: peer, limit: limit, offset: offset})
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, peer, limit, offset)
}

// pages programs one page per offset, newest first, for any peer.
func (f *fakeFetcher) pages(pages map[int][]Message) {
	f.fn = func(_ context.Context, _ UserID, _, offset int) ([]Message, error) {
		return pages[offset], nil
	}
}

func newTestEngine(t *testing.T, ch *fakeChannel, fetcher *fakeFetcher, mod func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := EngineConfig{SelfID: 1}
	if mod != nil {
		mod(&cfg)
	}
	eng := NewEngine(ch, fetcher, cfg)
	t.Cleanup(eng.Close)
	return eng
}

// waitSnap polls until the snapshot satisfies cond.
func waitSnap(t *testing.T, eng *Engine, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := eng.Snapshot()
		if cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return Snapshot{}
}

func waitReady(t *testing.T, eng *Engine) Snapshot {
	t.Helper()
	return waitSnap(t, eng, "conversation ready", func(s Snapshot) bool {
		return s.State == ConvReady
	})
}

func seenMsg(id int64, sender, receiver UserID, content string) Message {
	m := msg(id, sender, receiver, content)
	m.IsSeen = true
	return m
}

// ============================================================================
// Lifecycle and history
// ============================================================================

func TestEngineOpenLoadsHistory(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{
		0: {seenMsg(2, 2, 1, "world"), seenMsg(1, 1, 2, "hello")},
	})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	s := waitReady(t, eng)

	assert.Equal(t, []int64{1, 2}, ids(s.Messages))
	assert.Equal(t, UserID(2), s.PeerID)
	assert.False(t, s.HasMoreHistory)

	joins := ch.sentOf(CmdJoinRoom)
	require.Len(t, joins, 1)
	assert.JSONEq(t, `{"user1":1,"user2":2}`, string(joins[0]))
}

func TestEngineOpenSamePeerIsNoop(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: {seenMsg(1, 2, 1, "a")}})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)
	eng.Open(2)
	time.Sleep(20 * time.Millisecond)

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Len(t, fetcher.calls, 1)
}

func TestEngineBulkSeenAfterJoinAck(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: {seenMsg(1, 2, 1, "a")}})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)
	assert.Equal(t, 0, ch.countOf(CmdMarkAsSeen))

	ch.push(t, EventJoinedRoom, JoinedRoomPayload{Room: RoomKey(1, 2)})

	bulk := ch.sentOf(CmdMarkAsSeen)
	require.Len(t, bulk, 1)
	assert.JSONEq(t, `{"sender_id":2,"receiver_id":1}`, string(bulk[0]))
}

func TestEngineInitialLoadFailureIsRetryable(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	boom := errors.New("backend down")
	fetcher.fn = func(context.Context, UserID, int, int) ([]Message, error) {
		return nil, boom
	}
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	s := waitSnap(t, eng, "load error", func(s Snapshot) bool { return s.LoadError != nil })
	assert.ErrorIs(t, s.LoadError, boom)
	assert.Empty(t, s.Messages)

	fetcher.pages(map[int][]Message{0: {seenMsg(1, 2, 1, "a")}})
	eng.RetryLoad()

	s = waitSnap(t, eng, "retry success", func(s Snapshot) bool {
		return s.LoadError == nil && len(s.Messages) == 1
	})
	assert.Equal(t, ConvReady, s.State)
}

func TestEngineLoadOlderPagination(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{
		0: {seenMsg(4, 2, 1, "d"), seenMsg(3, 1, 2, "c")},
		// Overlap on id 3: the server shifted under us; dedup absorbs it.
		2: {seenMsg(3, 1, 2, "c"), seenMsg(2, 2, 1, "b")},
		4: {},
	})
	eng := newTestEngine(t, ch, fetcher, func(c *EngineConfig) { c.PageSize = 2 })

	eng.Open(2)
	s := waitReady(t, eng)
	assert.Equal(t, []int64{3, 4}, ids(s.Messages))
	assert.True(t, s.HasMoreHistory)

	eng.LoadOlder()
	s = waitSnap(t, eng, "older page", func(s Snapshot) bool {
		return s.State == ConvReady && len(s.Messages) == 3
	})
	assert.Equal(t, []int64{2, 3, 4}, ids(s.Messages))
	assert.True(t, s.HasMoreHistory)

	eng.LoadOlder()
	s = waitSnap(t, eng, "end of history", func(s Snapshot) bool {
		return s.State == ConvReady && !s.HasMoreHistory
	})
	assert.Equal(t, []int64{2, 3, 4}, ids(s.Messages))

	// Nothing more to load; no extra fetch happens.
	eng.LoadOlder()
	time.Sleep(20 * time.Millisecond)
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Len(t, fetcher.calls, 3)
}

func TestEngineSwitchDropsStaleFetch(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	release := make(chan struct{})
	fetcher.fn = func(ctx context.Context, peer UserID, _, _ int) ([]Message, error) {
		if peer == 2 {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return []Message{seenMsg(1, 2, 1, "stale")}, nil
		}
		return []Message{seenMsg(50, 3, 1, "fresh")}, nil
	}
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	eng.Open(3)
	s := waitReady(t, eng)
	assert.Equal(t, []int64{50}, ids(s.Messages))

	close(release)
	time.Sleep(50 * time.Millisecond)

	s = eng.Snapshot()
	assert.Equal(t, UserID(3), s.PeerID)
	assert.Equal(t, []int64{50}, ids(s.Messages))
}

// ============================================================================
// Live messages
// ============================================================================

func TestEngineNewMessageAppendsAndAcks(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{
		0: {seenMsg(2, 2, 1, "b"), seenMsg(1, 1, 2, "a")},
	})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	ch.push(t, EventNewMessage, msg(3, 2, 1, "c"))

	s := eng.Snapshot()
	assert.Equal(t, []int64{1, 2, 3}, ids(s.Messages))
	assert.Equal(t, 1, s.UnreadCount)

	acks := ch.sentOf(CmdMarkMessageSeen)
	require.Len(t, acks, 1)
	assert.JSONEq(t, `{"message_id":3,"viewer_id":1}`, string(acks[0]))
}

func TestEngineNoAckInBackground(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)
	eng.SetForeground(false)

	ch.push(t, EventNewMessage, msg(3, 2, 1, "c"))
	assert.Equal(t, 0, ch.countOf(CmdMarkMessageSeen))
	assert.Len(t, eng.Snapshot().Messages, 1)

	// Returning to the foreground flushes the receipt.
	eng.SetForeground(true)
	acks := ch.sentOf(CmdMarkMessageSeen)
	require.Len(t, acks, 1)
	assert.JSONEq(t, `{"message_id":3,"viewer_id":1}`, string(acks[0]))
}

func TestEngineIgnoresOtherConversations(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	ch.push(t, EventNewMessage, msg(9, 5, 6, "not ours"))
	ch.push(t, EventNewMessage, msg(10, 5, 1, "different peer"))

	assert.Empty(t, eng.Snapshot().Messages)
}

func TestEngineDuplicateDeliveryIsIdempotent(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	m := seenMsg(3, 2, 1, "c")
	ch.push(t, EventNewMessage, m)
	ch.push(t, EventNewMessage, m)

	assert.Equal(t, []int64{3}, ids(eng.Snapshot().Messages))
}

// ============================================================================
// Optimistic sends
// ============================================================================

func TestEngineSendPromotesOnEcho(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: {seenMsg(1, 1, 2, "a")}})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	tag := eng.SendMessage("  hi there  ", 0)
	require.NotEmpty(t, tag)

	s := eng.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, StatusPending, s.Messages[1].Status)
	assert.Equal(t, "hi there", s.Messages[1].Content)

	sends := ch.sentOf(CmdSendMessage)
	require.Len(t, sends, 1)
	var sent sendPayload
	require.NoError(t, json.Unmarshal(sends[0], &sent))
	assert.Equal(t, tag, sent.ClientTag)
	assert.Equal(t, "hi there", sent.Content)

	echo := msg(7, 1, 2, "hi there")
	echo.ClientTag = tag
	ch.push(t, EventNewMessage, echo)

	s = eng.Snapshot()
	assert.Equal(t, []int64{1, 7}, ids(s.Messages))
	assert.Equal(t, StatusConfirmed, s.Messages[1].Status)
}

func TestEngineSendFallbackMatchWithoutTag(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	eng.SendMessage("ping", 0)
	// Echo from a server that does not carry tags through.
	ch.push(t, EventNewMessage, msg(4, 1, 2, "ping"))

	s := eng.Snapshot()
	assert.Equal(t, []int64{4}, ids(s.Messages))
	assert.Equal(t, StatusConfirmed, s.Messages[0].Status)
}

func TestEngineSendTimeoutThenRetry(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, func(c *EngineConfig) {
		c.SendTimeout = 30 * time.Millisecond
	})

	eng.Open(2)
	waitReady(t, eng)

	tag := eng.SendMessage("hi", 0)
	waitSnap(t, eng, "send failure", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == StatusFailed
	})

	eng.RetrySend(tag)
	assert.Equal(t, 2, ch.countOf(CmdSendMessage))
	assert.Equal(t, StatusPending, eng.Snapshot().Messages[0].Status)

	echo := msg(9, 1, 2, "hi")
	echo.ClientTag = tag
	ch.push(t, EventNewMessage, echo)
	assert.Equal(t, StatusConfirmed, eng.Snapshot().Messages[0].Status)
}

func TestEngineSendEmitFailureFailsImmediately(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)
	ch.mu.Lock()
	ch.emitErr = errors.New("socket gone")
	ch.mu.Unlock()

	eng.SendMessage("hi", 0)
	s := eng.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, StatusFailed, s.Messages[0].Status)
}

func TestEngineDiscardFailed(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, func(c *EngineConfig) {
		c.SendTimeout = 20 * time.Millisecond
	})

	eng.Open(2)
	waitReady(t, eng)

	tag := eng.SendMessage("oops", 0)

	// Still pending: discard refuses.
	eng.DiscardFailed(tag)
	assert.Len(t, eng.Snapshot().Messages, 1)

	waitSnap(t, eng, "send failure", func(s Snapshot) bool {
		return s.Messages[0].Status == StatusFailed
	})
	eng.DiscardFailed(tag)
	assert.Empty(t, eng.Snapshot().Messages)
}

func TestEngineSendCarriesReplyPreview(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: {seenMsg(5, 2, 1, "lunch?")}})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	eng.SendMessage("sure", 5)

	s := eng.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, int64(5), s.Messages[1].ReplyToMessageID)
	assert.Equal(t, UserID(2), s.Messages[1].ReplySenderID)
	assert.Equal(t, "lunch?", s.Messages[1].ReplyContent)

	var sent sendPayload
	require.NoError(t, json.Unmarshal(ch.sentOf(CmdSendMessage)[0], &sent))
	assert.Equal(t, int64(5), sent.ReplyToMessageID)
}

func TestEngineServerErrorFailsOldestPending(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	first := eng.SendMessage("one", 0)
	eng.SendMessage("two", 0)

	ch.push(t, EventError, ErrorPayload{Message: "message too long"})

	s := eng.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, StatusFailed, s.Messages[0].Status)
	assert.Equal(t, first, s.Messages[0].ClientTag)
	assert.Equal(t, StatusPending, s.Messages[1].Status)
}

// ============================================================================
// Edits
// ============================================================================

func TestEngineEditIsNotOptimistic(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: {seenMsg(3, 1, 2, "typo")}})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	eng.EditMessage(3, "fixed")

	s := eng.Snapshot()
	assert.Equal(t, "typo", s.Messages[0].Content)
	assert.Equal(t, EditSaving, s.Edits[3])

	ch.push(t, EventMessageEdited, MessageEditedPayload{
		MessageID: 3, SenderID: 1, ReceiverID: 2,
		Content: "fixed", IsEdited: true, EditedAt: "2026-03-01T00:00:00Z",
	})

	s = eng.Snapshot()
	assert.Equal(t, "fixed", s.Messages[0].Content)
	assert.True(t, s.Messages[0].IsEdited)
	assert.NotContains(t, s.Edits, int64(3))
}

func TestEngineEditTimeout(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: {seenMsg(3, 1, 2, "typo")}})
	eng := newTestEngine(t, ch, fetcher, func(c *EngineConfig) {
		c.EditTimeout = 30 * time.Millisecond
	})

	eng.Open(2)
	waitReady(t, eng)

	eng.EditMessage(3, "fixed")
	s := waitSnap(t, eng, "edit failure", func(s Snapshot) bool {
		return s.Edits[3] == EditFailed
	})
	assert.Equal(t, "typo", s.Messages[0].Content)
}

func TestEngineRemoteEditAbandonsLocalDraft(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: {seenMsg(3, 1, 2, "typo")}})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	eng.BeginEdit(3)
	assert.Equal(t, int64(3), eng.Snapshot().EditingID)

	ch.push(t, EventMessageEdited, MessageEditedPayload{
		MessageID: 3, Content: "fixed elsewhere", IsEdited: true,
	})

	s := eng.Snapshot()
	assert.Equal(t, int64(0), s.EditingID)
	assert.Equal(t, "fixed elsewhere", s.Messages[0].Content)
}

// ============================================================================
// Reactions and receipts
// ============================================================================

func TestEngineReactionWholesaleReplace(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	m := seenMsg(3, 2, 1, "hey")
	m.Reactions = Reactions{ReactionLike: {1}}
	fetcher.pages(map[int][]Message{0: {m}})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	// Object form.
	ch.push(t, EventReactionUpdated, map[string]any{
		"message_id": 3,
		"reactions":  map[string][]int64{"love": {2}},
	})
	assert.Equal(t, Reactions{ReactionLove: {2}}, eng.Snapshot().Messages[0].Reactions)

	// String-wrapped form.
	ch.push(t, EventReactionUpdated, map[string]any{
		"message_id": 3,
		"reactions":  `{"wow":[1,2]}`,
	})
	assert.Equal(t, Reactions{ReactionWow: {1, 2}}, eng.Snapshot().Messages[0].Reactions)

	// Malformed decodes to no reactions instead of poisoning the store.
	ch.push(t, EventReactionUpdated, map[string]any{
		"message_id": 3,
		"reactions":  "{{nope",
	})
	assert.Nil(t, eng.Snapshot().Messages[0].Reactions)
}

func TestEngineAddReactionValidatesKind(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: {seenMsg(3, 2, 1, "hey")}})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	require.Error(t, eng.AddReaction(3, "nonsense"))
	assert.Equal(t, 0, ch.countOf(CmdAddReaction))

	require.NoError(t, eng.AddReaction(3, ReactionHaha))
	payloads := ch.sentOf(CmdAddReaction)
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"message_id":3,"sender_id":1,"receiver_id":2,"reaction_type":"haha"}`, string(payloads[0]))

	// No local mutation until the server broadcast arrives.
	assert.Nil(t, eng.Snapshot().Messages[0].Reactions)
}

func TestEngineSeenEvents(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{
		0: {msg(3, 1, 2, "c"), msg(2, 1, 2, "b"), seenMsg(1, 2, 1, "a")},
	})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	s := waitReady(t, eng)
	assert.Equal(t, int64(0), s.LastSeenMessageID)

	ch.push(t, EventMessageSeen, MessageSeenPayload{MessageID: 2, IsSeen: true})
	assert.Equal(t, int64(2), eng.Snapshot().LastSeenMessageID)

	// Bulk receipt covers every own message to the peer.
	ch.push(t, EventMessagesSeen, MessagesSeenPayload{SenderID: 1, ReceiverID: 2})
	s = eng.Snapshot()
	assert.Equal(t, int64(3), s.LastSeenMessageID)
	for _, m := range s.Messages {
		assert.True(t, m.IsSeen)
	}
}

func TestEngineSeenForUnknownMessageIsNoop(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	ch.push(t, EventMessageSeen, MessageSeenPayload{MessageID: 404, IsSeen: true})
	assert.Empty(t, eng.Snapshot().Messages)
}

// Patches commute: the same pair of updates applied in either order
// converges to the same message.
func TestEnginePatchOrderCommutes(t *testing.T) {
	edited := MessageEditedPayload{MessageID: 3, Content: "new", IsEdited: true, EditedAt: "2026-03-01T00:00:00Z"}
	reacted := map[string]any{"message_id": 3, "reactions": map[string][]int64{"like": {2}}}

	run := func(first func(*fakeChannel, *testing.T), second func(*fakeChannel, *testing.T)) Message {
		ch := newFakeChannel()
		fetcher := &fakeFetcher{}
		fetcher.pages(map[int][]Message{0: {seenMsg(3, 1, 2, "old")}})
		eng := newTestEngine(t, ch, fetcher, nil)
		eng.Open(2)
		waitReady(t, eng)
		first(ch, t)
		second(ch, t)
		return eng.Snapshot().Messages[0]
	}

	pushEdit := func(ch *fakeChannel, t *testing.T) { ch.push(t, EventMessageEdited, edited) }
	pushReact := func(ch *fakeChannel, t *testing.T) { ch.push(t, EventReactionUpdated, reacted) }

	a := run(pushEdit, pushReact)
	b := run(pushReact, pushEdit)
	assert.Equal(t, a, b)
	assert.Equal(t, "new", a.Content)
	assert.Equal(t, Reactions{ReactionLike: {2}}, a.Reactions)
}

// ============================================================================
// Typing and presence
// ============================================================================

func TestEngineTypingExpiry(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, func(c *EngineConfig) {
		c.TypingExpiry = 30 * time.Millisecond
	})

	eng.Open(2)
	waitReady(t, eng)

	ch.push(t, EventTypingStart, TypingPayload{SenderID: 2, ReceiverID: 1})
	assert.True(t, eng.Snapshot().PeerTyping)

	waitSnap(t, eng, "typing expiry", func(s Snapshot) bool { return !s.PeerTyping })
}

func TestEngineTypingStopClearsFlag(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	ch.push(t, EventTypingStart, TypingPayload{SenderID: 2, ReceiverID: 1})
	assert.True(t, eng.Snapshot().PeerTyping)
	ch.push(t, EventTypingStop, TypingPayload{SenderID: 2, ReceiverID: 1})
	assert.False(t, eng.Snapshot().PeerTyping)
}

func TestEngineTypingFromOthersIgnored(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	ch.push(t, EventTypingStart, TypingPayload{SenderID: 9, ReceiverID: 1})
	assert.False(t, eng.Snapshot().PeerTyping)
}

func TestEngineNotifyTypingDebounce(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, func(c *EngineConfig) {
		c.TypingStopDelay = 40 * time.Millisecond
	})

	eng.Open(2)
	waitReady(t, eng)

	eng.NotifyTyping()
	eng.NotifyTyping()
	eng.NotifyTyping()
	assert.Equal(t, 1, ch.countOf(CmdTypingStart))
	assert.Equal(t, 0, ch.countOf(CmdTypingStop))

	require.Eventually(t, func() bool { return ch.countOf(CmdTypingStop) == 1 },
		time.Second, 5*time.Millisecond)
}

func TestEngineSendEndsTypingBurst(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	eng.NotifyTyping()
	eng.SendMessage("done", 0)
	assert.Equal(t, 1, ch.countOf(CmdTypingStop))
}

func TestEnginePresence(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)

	ch.push(t, EventOnlineUsers, OnlineUsersPayload{OnlineUsers: []UserID{2, 3}})
	assert.Equal(t, []UserID{2, 3}, eng.Snapshot().OnlinePeers)

	ch.push(t, EventUserOffline, PresencePayload{UserID: 3})
	ch.push(t, EventUserOnline, PresencePayload{UserID: 4})
	assert.Equal(t, []UserID{2, 4}, eng.Snapshot().OnlinePeers)
	assert.True(t, eng.OnlineUsers() != nil)
}

// ============================================================================
// Subscriptions
// ============================================================================

func TestEngineOnUpdateDisposer(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	var mu sync.Mutex
	count := 0
	off := eng.OnUpdate(func(Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	eng.Open(2)
	waitReady(t, eng)

	mu.Lock()
	seen := count
	mu.Unlock()
	require.Greater(t, seen, 0)

	off()
	ch.push(t, EventNewMessage, msg(3, 2, 1, "c"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, seen, count)
}

func TestEngineRoomSwitchLeavesOldRoom(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{}
	fetcher.pages(map[int][]Message{0: nil})
	eng := newTestEngine(t, ch, fetcher, nil)

	eng.Open(2)
	waitReady(t, eng)
	ch.push(t, EventJoinedRoom, JoinedRoomPayload{Room: RoomKey(1, 2)})

	eng.Open(3)
	waitSnap(t, eng, "peer switch", func(s Snapshot) bool { return s.PeerID == 3 })

	leaves := ch.sentOf(CmdLeaveRoom)
	require.Len(t, leaves, 1)
	assert.JSONEq(t, `{"user1":1,"user2":2}`, string(leaves[0]))
	assert.Equal(t, 2, ch.countOf(CmdJoinRoom))
}
