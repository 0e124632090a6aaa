// Package membership keeps a view's room subscription on the server in step
// with the transport's connectivity.
package membership

import (
	"chatsync/internal/models"
	"chatsync/internal/ws"
	"errors"
	"log/slog"
)

var ErrEmptyRoom = errors.New("room id is empty")

type State int

const (
	Idle State = iota
	AwaitingConnection
	Joined
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingConnection:
		return "awaiting_connection"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

type Emitter interface {
	Emit(event string, payload any, ack ws.AckFunc) error
}

// Counts is the number of join and leave emits for one room.
type Counts struct {
	Joins  int
	Leaves int
}

// Manager is not safe for concurrent use; it is driven from a single event loop.
type Manager struct {
	emitter Emitter
	roomID  string
	state   State
	// owed is set while a joinChat for roomID has not been paired with a leaveChat.
	owed   bool
	ledger map[string]Counts
}

func New(emitter Emitter) *Manager {
	return &Manager{
		emitter: emitter,
		ledger:  make(map[string]Counts),
	}
}

func (m *Manager) State() State {
	return m.state
}

func (m *Manager) RoomID() string {
	return m.roomID
}

// Ledger returns a copy of the per-room emit counts.
func (m *Manager) Ledger() map[string]Counts {
	out := make(map[string]Counts, len(m.ledger))
	for k, v := range m.ledger {
		out[k] = v
	}
	return out
}

// Mount starts tracking roomID. If the manager already tracks another room,
// that room is left first. Mounting the current room again does nothing.
func (m *Manager) Mount(roomID string, connected bool) error {
	if roomID == "" {
		return ErrEmptyRoom
	}
	if m.state != Idle {
		if m.roomID == roomID {
			return nil
		}
		m.Unmount()
	}

	m.roomID = roomID
	m.state = AwaitingConnection
	if connected {
		m.join()
	}
	return nil
}

// Connected handles a transport connect. It is also how a join that failed on
// a live connection is retried.
func (m *Manager) Connected() {
	if m.state != AwaitingConnection {
		return
	}
	if m.owed {
		// The join from the previous connection was dropped by the server
		// together with that connection. Pair it before joining again.
		m.leave()
	}
	m.join()
}

// Disconnected handles a transport disconnect.
func (m *Manager) Disconnected() {
	if m.state == Joined {
		m.state = AwaitingConnection
	}
}

// Unmount stops tracking the current room, leaving it if a join is unpaired.
func (m *Manager) Unmount() {
	if m.state == Idle {
		return
	}
	if m.owed {
		m.leave()
	}
	m.roomID = ""
	m.state = Idle
}

func (m *Manager) join() {
	err := m.emitter.Emit(models.EventJoinChat, models.ChatPayload{ChatID: m.roomID}, nil)
	if err != nil {
		// Stays awaiting. The owner retries on the next connect, or calls
		// Connected again while the transport is still up.
		slog.Info("join deferred", "chat_id", m.roomID, "error", err)
		return
	}
	m.owed = true
	m.state = Joined
	c := m.ledger[m.roomID]
	c.Joins++
	m.ledger[m.roomID] = c
}

func (m *Manager) leave() {
	err := m.emitter.Emit(models.EventLeaveChat, models.ChatPayload{ChatID: m.roomID}, nil)
	if err != nil {
		slog.Debug("leave not delivered", "chat_id", m.roomID, "error", err)
	}
	m.owed = false
	c := m.ledger[m.roomID]
	c.Leaves++
	m.ledger[m.roomID] = c
}
