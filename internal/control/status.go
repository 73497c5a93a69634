package control

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/NodePath81/netbeat/internal/protocol"
)

// SessionEntry is the public view of one running session.
type SessionEntry struct {
	ID        string `json:"id"`
	Client    string `json:"client"`
	Phase     string `json:"phase"`
	Pings     uint64 `json:"pings"`
	BytesUp   uint64 `json:"bytes_up"`
	BytesDown uint64 `json:"bytes_down"`
	// Started is Unix milliseconds; Age is seconds since Started.
	Started int64 `json:"started"`
	Age     int64 `json:"age"`
}

type sessionEntry struct {
	id        string
	client    string
	phase     string
	pings     uint64
	bytesUp   uint64
	bytesDown uint64
	started   time.Time
}

// StatusStore tracks running sessions for the control plane and forwards
// lifecycle events to the hub. All methods are safe for concurrent use.
type StatusStore struct {
	mu        sync.Mutex
	sessions  map[string]*sessionEntry
	completed uint64
	failed    uint64
	hub       *StatusHub
}

// NewStatusStore returns a store publishing to hub. hub may be nil.
func NewStatusStore(hub *StatusHub) *StatusStore {
	return &StatusStore{
		sessions: make(map[string]*sessionEntry),
		hub:      hub,
	}
}

func (s *StatusStore) Add(id, client string) {
	now := time.Now()
	s.mu.Lock()
	entry := &sessionEntry{id: id, client: client, phase: protocol.PhaseConnect.String(), started: now}
	s.sessions[id] = entry
	view := entry.view(now)
	s.mu.Unlock()
	s.broadcast("session_start", &view, "")
}

func (s *StatusStore) SetPhase(id, phase string) {
	now := time.Now()
	s.mu.Lock()
	entry, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry.phase = phase
	view := entry.view(now)
	s.mu.Unlock()
	s.broadcast("phase", &view, "")
}

// AddPings and AddBytes update counters without emitting events.
func (s *StatusStore) AddPings(id string, n uint64) {
	s.mu.Lock()
	if entry, ok := s.sessions[id]; ok {
		entry.pings += n
	}
	s.mu.Unlock()
}

func (s *StatusStore) AddBytes(id string, up, down uint64) {
	s.mu.Lock()
	if entry, ok := s.sessions[id]; ok {
		entry.bytesUp += up
		entry.bytesDown += down
	}
	s.mu.Unlock()
}

// Remove drops the session and records its outcome.
func (s *StatusStore) Remove(id string, sessionErr error) {
	now := time.Now()
	s.mu.Lock()
	entry, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	if sessionErr != nil {
		s.failed++
	} else {
		s.completed++
	}
	view := entry.view(now)
	s.mu.Unlock()

	errMsg := ""
	if sessionErr != nil {
		errMsg = sessionErr.Error()
	}
	s.broadcast("session_end", &view, errMsg)
}

// Snapshot returns running sessions, oldest first.
func (s *StatusStore) Snapshot() []SessionEntry {
	now := time.Now()
	s.mu.Lock()
	out := make([]SessionEntry, 0, len(s.sessions))
	for _, entry := range s.sessions {
		out = append(out, entry.view(now))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started == out[j].Started {
			return out[i].ID < out[j].ID
		}
		return out[i].Started < out[j].Started
	})
	return out
}

// Totals returns the number of finished sessions by outcome.
func (s *StatusStore) Totals() (completed, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.failed
}

func (s *StatusStore) broadcast(kind string, entry *SessionEntry, errMsg string) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(statusMessage{
		SchemaVersion: 1,
		Type:          kind,
		Timestamp:     time.Now().UnixMilli(),
		Session:       entry,
		Error:         errMsg,
	})
}

func (e *sessionEntry) view(now time.Time) SessionEntry {
	return SessionEntry{
		ID:        e.id,
		Client:    e.client,
		Phase:     e.phase,
		Pings:     e.pings,
		BytesUp:   e.bytesUp,
		BytesDown: e.bytesDown,
		Started:   e.started.UnixMilli(),
		Age:       int64(now.Sub(e.started).Seconds()),
	}
}

type statusMessage struct {
	SchemaVersion int            `json:"schema_version"`
	Type          string         `json:"type"`
	Timestamp     int64          `json:"timestamp"`
	Session       *SessionEntry  `json:"session,omitempty"`
	Sessions      []SessionEntry `json:"sessions,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// StatusHub fans status messages out to websocket subscribers. Slow
// subscribers miss messages rather than block the sessions.
type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Subscribers returns the number of registered clients.
func (h *StatusHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
