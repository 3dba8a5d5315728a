package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	pingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Outgoing message types
const (
	MsgViewUpdate         = "view_update"
	MsgGeolocationRequest = "geolocation_request"
	MsgError              = "error"
)

// Geolocation failure codes sent by the device
const (
	GeoPermissionDenied    = "permission_denied"
	GeoPositionUnavailable = "position_unavailable"
	GeoTimeout             = "timeout"
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	PhotoID   string      `json:"photo_id,omitempty"`
	Latitude  *float64    `json:"latitude,omitempty"`
	Longitude *float64    `json:"longitude,omitempty"`
	Query     string      `json:"query,omitempty"`
	Index     *int        `json:"index,omitempty"`
	Zoom      *int        `json:"zoom,omitempty"`
	MarkerKey string      `json:"marker_key,omitempty"`
	Error     string      `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

var errSurfaceClosed = errors.New("surface closed")

type locateReply struct {
	lat, lon float64
	err      error
}

// Surface is one connected map UI. It renders view updates and acts as the
// device locator for its session.
type Surface struct {
	conn   *websocket.Conn
	userID string

	send      chan []byte
	refreshes chan struct{}

	mu      sync.Mutex
	closed  bool
	pending map[string]chan locateReply
}

// Render queues a view update for the connection
func (s *Surface) Render(update ViewUpdate) {
	if err := s.Send(WSMessage{Type: MsgViewUpdate, Data: update}); err != nil {
		log.Debug().Err(err).Str("user_id", s.userID).Msg("Dropped view update")
	}
}

// Send queues a message. A connection that cannot keep up is closed.
func (s *Surface) Send(message WSMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSurfaceClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		log.Warn().Str("user_id", s.userID).Msg("WebSocket send buffer full, closing connection")
		s.closeLocked()
		return errSurfaceClosed
	}
}

// Refreshes delivers a signal whenever another surface of the same user
// changed photos
func (s *Surface) Refreshes() <-chan struct{} {
	return s.refreshes
}

func (s *Surface) requestRefresh() {
	select {
	case s.refreshes <- struct{}{}:
	default:
	}
}

// Locate asks the browser for the device position and waits for the reply
func (s *Surface) Locate(ctx context.Context, opts LocateOptions) (float64, float64, error) {
	requestID := uuid.New().String()
	reply := make(chan locateReply, 1)

	s.mu.Lock()
	s.pending[requestID] = reply
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	if err := s.Send(WSMessage{Type: MsgGeolocationRequest, RequestID: requestID, Data: opts}); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrPositionUnavailable, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, 0, ErrLocateTimeout
		}
		return 0, 0, ctx.Err()
	case r := <-reply:
		return r.lat, r.lon, r.err
	}
}

// ResolveLocation delivers the browser's answer to a geolocation request
func (s *Surface) ResolveLocation(msg WSMessage) error {
	s.mu.Lock()
	reply, ok := s.pending[msg.RequestID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown geolocation request %q", msg.RequestID)
	}

	var r locateReply
	switch {
	case msg.Error == GeoPermissionDenied:
		r.err = ErrPermissionDenied
	case msg.Error == GeoTimeout:
		r.err = ErrLocateTimeout
	case msg.Error != "" || msg.Latitude == nil || msg.Longitude == nil:
		r.err = ErrPositionUnavailable
	default:
		r.lat, r.lon = *msg.Latitude, *msg.Longitude
	}

	select {
	case reply <- r:
	default:
	}
	return nil
}

// WritePump writes queued messages and keeps the connection alive with pings
func (s *Surface) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("user_id", s.userID).Msg("WebSocket write failed")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Surface) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// ViewHub tracks the connected surfaces of every user
type ViewHub struct {
	mu       sync.RWMutex
	surfaces map[string]map[*Surface]struct{}
}

// NewViewHub creates a new WebSocket hub
func NewViewHub() *ViewHub {
	return &ViewHub{
		surfaces: make(map[string]map[*Surface]struct{}),
	}
}

// Register adds a connection for a user
func (h *ViewHub) Register(userID string, conn *websocket.Conn) *Surface {
	s := &Surface{
		conn:      conn,
		userID:    userID,
		send:      make(chan []byte, sendBuffer),
		refreshes: make(chan struct{}, 1),
		pending:   make(map[string]chan locateReply),
	}

	h.mu.Lock()
	if h.surfaces[userID] == nil {
		h.surfaces[userID] = make(map[*Surface]struct{})
	}
	h.surfaces[userID][s] = struct{}{}
	count := len(h.surfaces[userID])
	h.mu.Unlock()

	log.Info().Str("user_id", userID).Int("connections", count).Msg("WebSocket connection registered")
	return s
}

// Unregister removes a surface and stops its write pump
func (h *ViewHub) Unregister(s *Surface) {
	h.mu.Lock()
	if surfaces, ok := h.surfaces[s.userID]; ok {
		delete(surfaces, s)
		if len(surfaces) == 0 {
			delete(h.surfaces, s.userID)
		}
	}
	h.mu.Unlock()

	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()

	log.Info().Str("user_id", s.userID).Msg("WebSocket connection unregistered")
}

// NotifyUser asks every surface of the user except the origin to reconcile
// with storage
func (h *ViewHub) NotifyUser(userID string, origin *Surface) {
	h.mu.RLock()
	targets := make([]*Surface, 0, len(h.surfaces[userID]))
	for s := range h.surfaces[userID] {
		if s != origin {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.requestRefresh()
	}
}

// IsOnline checks if a user has a connected surface
func (h *ViewHub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.surfaces[userID]) > 0
}
