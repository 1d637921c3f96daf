// Package room pairs an agent session with a client session under a
// shared room id and merges their transcripts.
package room

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/livescribe/pkg/errorsx"
	"github.com/harunnryd/livescribe/pkg/logging"
)

// Role identifies a participant's side of the conversation.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleClient Role = "client"
)

// Status follows participant count: 0 closed, 1 waiting, 2 active.
type Status string

const (
	StatusClosed  Status = "closed"
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
)

var (
	ErrRoomFull    = errors.New("room already has two participants")
	ErrInvalidRole = errors.New("role must be agent or client")
	ErrNotInRoom   = errors.New("session is not in this room")
)

type room struct {
	agent       string // session id, empty when vacant
	client      string
	transcripts map[Role]string
}

func (r *room) participants() int {
	n := 0
	if r.agent != "" {
		n++
	}
	if r.client != "" {
		n++
	}
	return n
}

func (r *room) status() Status {
	switch r.participants() {
	case 2:
		return StatusActive
	case 1:
		return StatusWaiting
	default:
		return StatusClosed
	}
}

func (r *room) roleOf(sessionID string) (Role, bool) {
	switch sessionID {
	case "":
		return "", false
	case r.agent:
		return RoleAgent, true
	case r.client:
		return RoleClient, true
	}
	return "", false
}

// Manager owns all rooms. Rooms are created on first join and deleted
// the moment they empty out.
type Manager struct {
	mu     sync.Mutex
	rooms  map[string]*room
	logger *slog.Logger
}

func NewManager() *Manager {
	return &Manager{
		rooms:  make(map[string]*room),
		logger: logging.NewComponentLogger(slog.Default(), "room"),
	}
}

// Join adds sessionID to the room under role, creating the room if it
// does not exist. A role slot already held by another session is taken
// over with a warning; a room with both slots filled rejects the join.
// Returns the room status after the join.
func (m *Manager) Join(roomID, sessionID string, role Role) (Status, error) {
	if role != RoleAgent && role != RoleClient {
		return "", errorsx.Wrap(fmt.Errorf("%w: %q", ErrInvalidRole, role), errorsx.ReasonRoomInvalidRole)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rooms[roomID]
	if r == nil {
		r = &room{transcripts: make(map[Role]string)}
		m.rooms[roomID] = r
	}
	if _, already := r.roleOf(sessionID); !already && r.participants() >= 2 {
		return "", errorsx.Wrap(ErrRoomFull, errorsx.ReasonRoomFull)
	}

	slot := &r.agent
	if role == RoleClient {
		slot = &r.client
	}
	if *slot != "" && *slot != sessionID {
		m.logger.Warn("room_role_taken_over",
			"room_id", roomID,
			"role", string(role),
			"previous_session_id", *slot,
			"session_id", sessionID,
		)
	}
	*slot = sessionID

	status := r.status()
	m.logger.Info("room_joined",
		"room_id", roomID,
		"role", string(role),
		"session_id", sessionID,
		"status", string(status),
	)
	return status, nil
}

// Leave removes sessionID from the room and clears its role slot. An
// emptied room is deleted immediately. Returns the room status after
// the leave (StatusClosed once deleted).
func (m *Manager) Leave(roomID, sessionID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rooms[roomID]
	if r == nil {
		return StatusClosed
	}
	if r.agent == sessionID {
		r.agent = ""
	}
	if r.client == sessionID {
		r.client = ""
	}
	if r.participants() == 0 {
		delete(m.rooms, roomID)
		return StatusClosed
	}
	return r.status()
}

// UpdateTranscript stores text under the caller's role in the room.
func (m *Manager) UpdateTranscript(roomID, sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rooms[roomID]
	if r == nil {
		return ErrNotInRoom
	}
	role, ok := r.roleOf(sessionID)
	if !ok {
		return ErrNotInRoom
	}
	r.transcripts[role] = text
	return nil
}

// CombinedTranscript renders both roles' transcripts with role labels.
func (m *Manager) CombinedTranscript(roomID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rooms[roomID]
	if r == nil {
		return ""
	}
	var parts []string
	for _, role := range []Role{RoleAgent, RoleClient} {
		if text := r.transcripts[role]; text != "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", role, text))
		}
	}
	return strings.Join(parts, "\n")
}

// Status reports the room's current status.
func (m *Manager) Status(roomID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.rooms[roomID]; r != nil {
		return r.status()
	}
	return StatusClosed
}

// Count reports the number of live rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
