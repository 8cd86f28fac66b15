// README: Session registry mapping (role, id) to a live websocket connection.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ridedispatch/internal/types"
)

// ErrNoSession means the identity has no live connection on this instance.
var ErrNoSession = errors.New("no live session")

type Role string

const (
	RoleDriver Role = "driver"
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleDriver, RoleUser, RoleAdmin:
		return Role(s), true
	}
	return "", false
}

type Identity struct {
	Role Role
	ID   types.ID
}

func Driver(id types.ID) Identity { return Identity{Role: RoleDriver, ID: id} }
func User(id types.ID) Identity   { return Identity{Role: RoleUser, ID: id} }

func (i Identity) key() string {
	return string(i.Role) + ":" + string(i.ID)
}

// Conn is the part of *websocket.Conn the hub writes through.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Envelope is the wire frame for every outbound event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Session serialises writes to a single connection.
type Session struct {
	mu   sync.Mutex
	conn Conn
}

func (s *Session) write(v any, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return s.conn.WriteJSON(v)
}

// Hub stores all active sessions keyed by role and id. A newer connection for
// the same identity replaces and closes the older one.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	writeTimeout time.Duration
	log          zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		sessions:     make(map[string]*Session),
		writeTimeout: 5 * time.Second,
		log:          log.With().Str("module", "realtime").Logger(),
	}
}

func (h *Hub) Register(id Identity, conn Conn) *Session {
	s := &Session{conn: conn}
	h.mu.Lock()
	old, ok := h.sessions[id.key()]
	h.sessions[id.key()] = s
	h.mu.Unlock()
	if ok {
		_ = old.conn.Close()
	}
	h.log.Info().Str("identity", id.key()).Msg("session registered")
	return s
}

// Unregister removes the session only if it is still the current one for id.
func (h *Hub) Unregister(id Identity, s *Session) {
	h.mu.Lock()
	cur, ok := h.sessions[id.key()]
	if ok && cur == s {
		delete(h.sessions, id.key())
	}
	h.mu.Unlock()
	if ok && cur == s {
		_ = s.conn.Close()
		h.log.Info().Str("identity", id.key()).Msg("session removed")
	}
}

func (h *Hub) Lookup(id Identity) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id.key()]
	return s, ok
}

// Send writes one event to the identity's session. It returns ErrNoSession
// when the identity is not connected. A failed write drops the session.
func (h *Hub) Send(id Identity, event string, data any) error {
	s, ok := h.Lookup(id)
	if !ok {
		return ErrNoSession
	}
	if err := s.write(Envelope{Event: event, Data: data}, h.writeTimeout); err != nil {
		h.Unregister(id, s)
		return err
	}
	return nil
}

// Connected returns the number of live sessions.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
