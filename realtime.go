package waveline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is the first event on a freshly opened connection.
type AuthenticatedPayload struct {
	UserID   UserID `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// MessageEditedPayload is sent when a message's content changes.
type MessageEditedPayload struct {
	MessageID  int64  `json:"message_id"`
	SenderID   UserID `json:"sender_id"`
	ReceiverID UserID `json:"receiver_id"`
	Content    string `json:"content"`
	IsEdited   bool   `json:"is_edited"`
	EditedAt   string `json:"edited_at"`
}

// ReactionUpdatedPayload carries the full replacement reaction state for one
// message. Reactions are server-authoritative and always replaced wholesale.
type ReactionUpdatedPayload struct {
	MessageID  int64        `json:"message_id"`
	SenderID   UserID       `json:"sender_id"`
	ReceiverID UserID       `json:"receiver_id"`
	Reactions  Reactions    `json:"reactions"`
	UpdatedBy  UserID       `json:"updated_by,omitempty"`
	Kind       ReactionKind `json:"reaction_type,omitempty"`
}

// MessageSeenPayload is the targeted read receipt for a single message.
type MessageSeenPayload struct {
	MessageID  int64  `json:"message_id"`
	SenderID   UserID `json:"sender_id"`
	ReceiverID UserID `json:"receiver_id"`
	IsSeen     bool   `json:"is_seen"`
}

// MessagesSeenPayload is the bulk receipt: every unseen message from
// SenderID to ReceiverID was marked seen at once.
type MessagesSeenPayload struct {
	SenderID     UserID `json:"sender_id"`
	ReceiverID   UserID `json:"receiver_id"`
	UpdatedCount int    `json:"updated_count,omitempty"`
}

// TypingPayload is sent on typing_start / typing_stop.
type TypingPayload struct {
	SenderID   UserID `json:"sender_id"`
	ReceiverID UserID `json:"receiver_id"`
}

// PresencePayload is sent on user_online / user_offline.
type PresencePayload struct {
	UserID UserID `json:"user_id"`
}

// OnlineUsersPayload seeds the presence set after connecting.
type OnlineUsersPayload struct {
	OnlineUsers []UserID `json:"online_users"`
}

// JoinedRoomPayload acknowledges a join_private command.
type JoinedRoomPayload struct {
	Room string `json:"room"`
}

// ErrorPayload is sent when a server-side error occurs.
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Envelope is the wire format for every channel event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	EventAuthenticated   = "authenticated"
	EventNewMessage      = "new_message"
	EventMessageEdited   = "message_edited"
	EventReactionUpdated = "reaction_updated"
	EventMessageSeen     = "message_seen_update"
	EventMessagesSeen    = "messages_seen"
	EventTypingStart     = "typing_start"
	EventTypingStop      = "typing_stop"
	EventUserOnline      = "user_online"
	EventUserOffline     = "user_offline"
	EventOnlineUsers     = "online_users_list"
	EventJoinedRoom      = "joined_room"
	EventError           = "message_error"
)

// Outbound command names.
const (
	CmdSendMessage     = "send_message"
	CmdEditMessage     = "edit_message"
	CmdAddReaction     = "add_reaction"
	CmdMarkMessageSeen = "mark_message_seen"
	CmdMarkAsSeen      = "mark_as_seen"
	CmdJoinRoom        = "join_private"
	CmdLeaveRoom       = "leave_private"
	CmdTypingStart     = "typing_start"
	CmdTypingStop      = "typing_stop"
)

// ============================================================================
// Channel interface
// ============================================================================

// ConnState represents the connection state of a channel.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ErrNotConnected is returned by Emit when the channel has no live
// connection to carry the command.
var ErrNotConnected = fmt.Errorf("channel not connected")

// EventHandler receives a raw inbound event.
type EventHandler func(event string, data json.RawMessage)

// Channel is the persistent bidirectional event channel the sync engine is
// built on. The production implementation is RealtimeClient; tests inject
// fakes. Subscriptions return a disposer so teardown is deterministic.
type Channel interface {
	// Emit sends a named command to the server.
	Emit(event string, payload any) error
	// On registers a handler for a named inbound event.
	On(event string, h EventHandler) (off func())
	// OnConnect fires after every successful (re)connect.
	OnConnect(h func()) (off func())
	// OnDisconnect fires when the connection drops.
	OnDisconnect(h func(reason string)) (off func())
	// State reports the current connection state.
	State() ConnState
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handlers run synchronously in arrival order: two events for the same
// message may arrive in either order after a reconnect replay, and the
// store relies on events not racing each other on top of that.
type dispatcher struct {
	mu           sync.Mutex
	nextID       int
	handlers     map[string]map[int]EventHandler
	onConnect    map[int]func()
	onDisconnect map[int]func(string)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers:     make(map[string]map[int]EventHandler),
		onConnect:    make(map[int]func()),
		onDisconnect: make(map[int]func(string)),
	}
}

func (d *dispatcher) on(event string, h EventHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[int]EventHandler)
	}
	d.handlers[event][id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[event], id)
	}
}

func (d *dispatcher) onConnectFn(h func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.onConnect[id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.onConnect, id)
	}
}

func (d *dispatcher) onDisconnectFn(h func(string)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.onDisconnect[id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.onDisconnect, id)
	}
}

func (d *dispatcher) dispatch(env Envelope) {
	d.mu.Lock()
	hs := make([]EventHandler, 0, len(d.handlers[env.Event]))
	for _, h := range d.handlers[env.Event] {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		h(env.Event, env.Data)
	}
}

func (d *dispatcher) emitConnected() {
	d.mu.Lock()
	hs := make([]func(), 0, len(d.onConnect))
	for _, h := range d.onConnect {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

func (d *dispatcher) emitDisconnected(reason string) {
	d.mu.Lock()
	hs := make([]func(string), 0, len(d.onDisconnect))
	for _, h := range d.onDisconnect {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		h(reason)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeConfig
// ============================================================================

// RealtimeConfig configures the websocket channel.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               zerolog.Logger
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the production websocket Channel, with auto-reconnect
// and heartbeat. One instance is shared per authenticated session.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	log     zerolog.Logger
	disp    *dispatcher
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc

	pingCounter  int
	pendingPings map[string]chan struct{}
	pendingMu    sync.Mutex
}

// NewRealtime creates a websocket channel for the given API base URL.
// Call Connect to establish the connection.
func NewRealtime(baseURL string, cfg *RealtimeConfig) *RealtimeClient {
	c := *cfg
	c.defaults()
	return &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &c,
		log:          c.Logger.With().Str("component", "realtime").Logger(),
		disp:         newDispatcher(),
		recon:        newReconnector(&c),
		state:        StateDisconnected,
		pendingPings: make(map[string]chan struct{}),
	}
}

// On implements Channel.
func (ws *RealtimeClient) On(event string, h EventHandler) func() {
	return ws.disp.on(event, h)
}

// OnConnect implements Channel.
func (ws *RealtimeClient) OnConnect(h func()) func() {
	return ws.disp.onConnectFn(h)
}

// OnDisconnect implements Channel.
func (ws *RealtimeClient) OnDisconnect(h func(string)) func() {
	return ws.disp.onDisconnectFn(h)
}

// State implements Channel.
func (ws *RealtimeClient) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the websocket connection and performs the
// authentication handshake. The first server frame must be "authenticated".
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ws.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected %q handshake, got %q", EventAuthenticated, env.Event)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.log.Debug().Msg("connected")

	ws.disp.dispatch(env)
	ws.disp.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection and suppresses reconnection.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		ws.disp.emitDisconnected("client disconnect")
		return err
	}
	return nil
}

// Emit implements Channel.
func (ws *RealtimeClient) Emit(event string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// Ping sends a ping and waits for the matching pong.
func (ws *RealtimeClient) Ping(ctx context.Context) error {
	ws.pendingMu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ch := make(chan struct{}, 1)
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	drop := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	if err := ws.Emit("ping", map[string]string{"request_id": requestID}); err != nil {
		drop()
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		drop()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return ctx.Err()
	}
}

func (ws *RealtimeClient) readLoop(ctx context.Context) {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.log.Warn().Err(err).Msg("connection lost")
			ws.disp.emitDisconnected(err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.reconnectLoop()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Event == "pong" {
			var p struct {
				RequestID string `json:"request_id"`
			}
			if json.Unmarshal(env.Data, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- struct{}{}
				}
			}
			continue
		}

		ws.disp.dispatch(env)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				ws.log.Warn().Err(err).Msg("heartbeat failed, closing connection")
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeClient) reconnectLoop() {
	for ws.config.AutoReconnect && ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.log.Info().Dur("delay", delay).Int("attempt", ws.recon.attempt).Msg("reconnecting")

		time.Sleep(delay)

		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		// Connect refuses to run while state is reconnecting.
		ws.state = StateDisconnected
		ws.mu.Unlock()

		if err := ws.Connect(context.Background()); err == nil {
			return
		}
	}
	ws.setState(StateDisconnected)
}

func (ws *RealtimeClient) setState(s ConnState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
