package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/highlight"
)

const renderSendBufferSize = 64

// Render event kinds pushed to connected document viewers.
const (
	RenderEventHighlightApply  = "highlight.apply"
	RenderEventHighlightRemove = "highlight.remove"
	RenderEventProgress        = "batch.progress"
)

// RenderEvent is one mutation delivered to the rendering surface. The
// viewer applies it in place; nothing here triggers a full re-render.
type RenderEvent struct {
	Type      string                     `json:"type"`
	Highlight *highlight.Descriptor      `json:"highlight,omitempty"`
	SessionID string                     `json:"session_id,omitempty"`
	Key       string                     `json:"key,omitempty"`
	Progress  *dto.BatchProgressResponse `json:"progress,omitempty"`
	SentAt    time.Time                  `json:"sent_at"`
}

// RenderConnectionOptions wraps metadata extracted during the HTTP upgrade.
type RenderConnectionOptions struct {
	UserID       string
	AssignmentID uint
	Context      context.Context
}

// RenderService fans annotation and progress events out to the document
// viewers watching an assignment. It implements highlight.Surface so
// grading sessions can stay ignorant of websockets.
type RenderService interface {
	highlight.Surface
	ServeConnection(conn *websocket.Conn, opts RenderConnectionOptions)
	Register(sessionID string, assignmentID uint)
	Release(sessionID string)
	BroadcastProgress(assignmentID uint, progress dto.BatchProgressResponse)
}

type renderService struct {
	logger zerolog.Logger
	hub    *renderHub

	mu       sync.RWMutex
	sessions map[string]uint
}

// renderHub keeps track of connected viewers per assignment room.
type renderHub struct {
	mu    sync.RWMutex
	rooms map[string]map[*renderClient]struct{}
	log   zerolog.Logger
}

type renderClient struct {
	conn    *websocket.Conn
	send    chan RenderEvent
	options RenderConnectionOptions
	service *renderService
	closed  chan struct{}
	once    sync.Once
}

// NewRenderService creates the websocket rendering surface.
func NewRenderService(logger zerolog.Logger) RenderService {
	return &renderService{
		logger: logger.With().Str("component", "render_service").Logger(),
		hub: &renderHub{
			rooms: make(map[string]map[*renderClient]struct{}),
			log:   logger.With().Str("component", "render_hub").Logger(),
		},
		sessions: make(map[string]uint),
	}
}

// Register binds a grading session to the assignment room its highlights
// should reach.
func (s *renderService) Register(sessionID string, assignmentID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = assignmentID
}

// Release forgets a settled session.
func (s *renderService) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *renderService) roomFor(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assignmentID, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	return roomName(assignmentID), true
}

// ApplyHighlight implements highlight.Surface.
func (s *renderService) ApplyHighlight(descriptor highlight.Descriptor) {
	room, ok := s.roomFor(descriptor.SessionID)
	if !ok {
		s.logger.Debug().Str("session_id", descriptor.SessionID).Msg("highlight for unregistered session dropped")
		return
	}

	s.hub.broadcast(room, RenderEvent{
		Type:      RenderEventHighlightApply,
		Highlight: &descriptor,
		SessionID: descriptor.SessionID,
		Key:       descriptor.Key,
		SentAt:    time.Now().UTC(),
	})
}

// RemoveHighlight implements highlight.Surface.
func (s *renderService) RemoveHighlight(sessionID, key string) {
	room, ok := s.roomFor(sessionID)
	if !ok {
		return
	}

	s.hub.broadcast(room, RenderEvent{
		Type:      RenderEventHighlightRemove,
		SessionID: sessionID,
		Key:       key,
		SentAt:    time.Now().UTC(),
	})
}

// BroadcastProgress pushes a batch progress snapshot to every viewer of the
// assignment.
func (s *renderService) BroadcastProgress(assignmentID uint, progress dto.BatchProgressResponse) {
	s.hub.broadcast(roomName(assignmentID), RenderEvent{
		Type:     RenderEventProgress,
		Progress: &progress,
		SentAt:   time.Now().UTC(),
	})
}

// ServeConnection runs the read/write pumps for one viewer until it leaves.
func (s *renderService) ServeConnection(conn *websocket.Conn, opts RenderConnectionOptions) {
	client := &renderClient{
		conn:    conn,
		send:    make(chan RenderEvent, renderSendBufferSize),
		options: opts,
		service: s,
		closed:  make(chan struct{}),
	}

	s.hub.register(client)

	go client.writer()
	client.reader()
}

func roomName(assignmentID uint) string {
	return "assignment:" + strconv.FormatUint(uint64(assignmentID), 10)
}

func (h *renderHub) register(client *renderClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := roomName(client.options.AssignmentID)
	if _, exists := h.rooms[room]; !exists {
		h.rooms[room] = make(map[*renderClient]struct{})
	}
	h.rooms[room][client] = struct{}{}
	h.log.Debug().Str("room", room).Str("user_id", client.options.UserID).Msg("viewer connected")
}

func (h *renderHub) unregister(client *renderClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := roomName(client.options.AssignmentID)
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	h.log.Debug().Str("room", room).Str("user_id", client.options.UserID).Msg("viewer disconnected")
}

func (h *renderHub) broadcast(room string, event RenderEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[room] {
		select {
		case client.send <- event:
		default:
			h.log.Warn().Str("room", room).Str("user_id", client.options.UserID).Msg("dropping render event for slow viewer")
		}
	}
}

// reader drains the connection; viewers only listen, so incoming frames are
// discarded until the peer goes away.
func (c *renderClient) reader() {
	defer c.close()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.service.logger.Debug().Err(err).Msg("render read loop ended")
			return
		}
	}
}

func (c *renderClient) writer() {
	defer c.close()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.service.logger.Debug().Err(err).Msg("render write loop terminated")
				return
			}
		case <-time.After(30 * time.Second):
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("render ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *renderClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.service.hub.unregister(c)
		_ = c.conn.Close()
	})
}
