package waveline

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// RoomKey returns the canonical room name for an unordered pair of users.
// The transport addresses rooms by a single string, so the pair is sorted.
func RoomKey(a, b UserID) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("room_%d_%d", a, b)
}

type roomPayload struct {
	User1 UserID `json:"user1"`
	User2 UserID `json:"user2"`
}

// RoomManager tracks which conversation room is subscribed and keeps at
// most one active room per engine instance. Joins are queued while the
// channel is down and re-sent on every reconnect, since the server does
// not keep room membership across a reconnect. Join and leave are
// fire-and-forget: failures are logged, never surfaced.
type RoomManager struct {
	ch  Channel
	log zerolog.Logger

	mu          sync.Mutex
	selfID      UserID
	peerID      UserID
	joined      bool
	pendingJoin bool
	onJoined    func(room string)

	offConnect func()
	offAck     func()
}

// NewRoomManager wires a room manager onto the channel. onJoined fires when
// the server acknowledges a join for the currently active room.
func NewRoomManager(ch Channel, log zerolog.Logger, onJoined func(room string)) *RoomManager {
	rm := &RoomManager{
		ch:       ch,
		log:      log.With().Str("component", "rooms").Logger(),
		onJoined: onJoined,
	}
	rm.offConnect = ch.OnConnect(rm.handleConnect)
	rm.offAck = ch.On(EventJoinedRoom, rm.handleJoinedRoom)
	return rm
}

// SetActive makes (self, peer) the joined room. Idempotent: if the pair is
// already active it is a no-op. Otherwise the previous room is left and the
// new one joined, or queued until the channel connects.
func (rm *RoomManager) SetActive(self, peer UserID) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.selfID == self && rm.peerID == peer && (rm.joined || rm.pendingJoin) {
		return
	}

	if rm.joined {
		rm.emitLeave(rm.selfID, rm.peerID)
		rm.joined = false
	}

	rm.selfID, rm.peerID = self, peer
	rm.pendingJoin = true
	rm.tryJoin()
}

// Active returns the current pair, or ok=false when no room is active.
func (rm *RoomManager) Active() (self, peer UserID, ok bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.selfID == 0 && rm.peerID == 0 {
		return 0, 0, false
	}
	return rm.selfID, rm.peerID, true
}

// Joined reports whether the server has acknowledged the active room.
func (rm *RoomManager) Joined() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.joined
}

// Teardown leaves the current room and detaches from the channel.
func (rm *RoomManager) Teardown() {
	rm.mu.Lock()
	if rm.joined {
		rm.emitLeave(rm.selfID, rm.peerID)
	}
	rm.selfID, rm.peerID = 0, 0
	rm.joined = false
	rm.pendingJoin = false
	rm.mu.Unlock()

	rm.offConnect()
	rm.offAck()
}

// handleConnect re-joins the active room after every (re)connect.
func (rm *RoomManager) handleConnect() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.selfID == 0 && rm.peerID == 0 {
		return
	}
	rm.joined = false
	rm.pendingJoin = true
	rm.tryJoin()
}

func (rm *RoomManager) handleJoinedRoom(_ string, data json.RawMessage) {
	var p JoinedRoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	rm.mu.Lock()
	current := RoomKey(rm.selfID, rm.peerID)
	relevant := rm.pendingJoin && p.Room == current
	if relevant {
		rm.pendingJoin = false
		rm.joined = true
	}
	cb := rm.onJoined
	rm.mu.Unlock()

	// A stale ack for a room we already left is dropped.
	if relevant && cb != nil {
		cb(p.Room)
	}
}

// tryJoin is called with the lock held.
func (rm *RoomManager) tryJoin() {
	if rm.ch.State() != StateConnected {
		rm.log.Debug().
			Str("room", RoomKey(rm.selfID, rm.peerID)).
			Msg("channel down, join queued")
		return
	}
	if err := rm.ch.Emit(CmdJoinRoom, roomPayload{User1: rm.selfID, User2: rm.peerID}); err != nil {
		rm.log.Warn().Err(err).
			Str("room", RoomKey(rm.selfID, rm.peerID)).
			Msg("join emit failed")
	}
}

// emitLeave is called with the lock held.
func (rm *RoomManager) emitLeave(self, peer UserID) {
	if rm.ch.State() != StateConnected {
		return
	}
	if err := rm.ch.Emit(CmdLeaveRoom, roomPayload{User1: self, User2: peer}); err != nil {
		rm.log.Warn().Err(err).Str("room", RoomKey(self, peer)).Msg("leave emit failed")
	}
}
