package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"geo-photo-backend/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for MVP
	},
}

// Incoming message types
const (
	msgSelectPhoto       = "select_photo"
	msgCancel            = "cancel"
	msgSetCandidate      = "set_candidate"
	msgMapClick          = "map_click"
	msgMarkerDragEnd     = "marker_drag_end"
	msgSearch            = "search"
	msgPickSearchResult  = "pick_search_result"
	msgLocateDevice      = "locate_device"
	msgGeolocationResult = "geolocation_result"
	msgConfirm           = "confirm"
	msgDeletePhoto       = "delete_photo"
	msgOpenDetail        = "open_detail"
	msgCloseDetail       = "close_detail"
	msgSetZoom           = "set_zoom"
	msgRefresh           = "refresh"
)

var errMissingField = errors.New("missing required field")

// WebSocketHandler serves the map surface. Every connection gets its own
// catalog mirror, assignment session, marker synchronizer and view coordinator.
type WebSocketHandler struct {
	hub          *services.ViewHub
	userService  *services.UserService
	photoService *services.PhotoService
	addresses    *services.AddressResolver
	places       *services.PlaceSearchService
	sessionOpts  services.SessionOptions
	clusterZoom  int
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *services.ViewHub,
	userService *services.UserService,
	photoService *services.PhotoService,
	addresses *services.AddressResolver,
	places *services.PlaceSearchService,
	sessionOpts services.SessionOptions,
	clusterZoom int,
) *WebSocketHandler {
	return &WebSocketHandler{
		hub:          hub,
		userService:  userService,
		photoService: photoService,
		addresses:    addresses,
		places:       places,
		sessionOpts:  sessionOpts,
		clusterZoom:  clusterZoom,
	}
}

// engine is the per-connection assignment engine
type engine struct {
	userID  string
	surface *services.Surface

	catalog *services.PhotoCatalog
	session *services.AssignmentSession
	markers *services.MarkerSynchronizer
	view    *services.ViewCoordinator

	unsubs []func()
}

func (h *WebSocketHandler) newEngine(userID string, surface *services.Surface) *engine {
	catalog := services.NewPhotoCatalog(services.NewUserPhotoStore(h.photoService, userID))
	session := services.NewAssignmentSession(catalog, h.addresses, h.places, h.sessionOpts)
	markers := services.NewMarkerSynchronizer(session)
	view := services.NewViewCoordinator(catalog, session, markers, h.addresses, h.clusterZoom)

	e := &engine{
		userID:  userID,
		surface: surface,
		catalog: catalog,
		session: session,
		markers: markers,
		view:    view,
	}
	e.unsubs = append(e.unsubs,
		view.AddSurface(surface),
		catalog.Subscribe(notifyPeers(h.hub, userID, surface)),
	)
	return e
}

// notifyPeers returns a catalog subscriber that tells the user's connections
// other than origin to reconcile after a local mutation
func notifyPeers(hub *services.ViewHub, userID string, origin *services.Surface) func(services.CatalogChange) {
	return func(change services.CatalogChange) {
		switch change.Kind {
		case services.ChangeCommit, services.ChangeDelete, services.ChangeCreate:
			hub.NotifyUser(userID, origin)
		}
	}
}

func (e *engine) close() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.view.Close()
	e.session.Close()
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Get token from query parameter
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, "token required", http.StatusUnauthorized)
		return
	}

	userID, err := h.userService.ValidateJWT(token)
	if err != nil {
		respondError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	surface := h.hub.Register(userID, conn)
	defer h.hub.Unregister(surface)
	go surface.WritePump()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	e := h.newEngine(userID, surface)
	defer e.close()

	if err := e.catalog.Refresh(ctx); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to load photos")
		e.view.Render(services.ReasonInitial)
	}
	go e.refreshOnRequest(ctx)

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")

	conn.SetReadLimit(services.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(services.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(services.PongWait))
		return nil
	})

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("user_id", userID).Msg("WebSocket error")
			}
			break
		}

		var msg services.WSMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to parse WebSocket message")
			e.sendError("Invalid message format")
			continue
		}

		if err := e.handleMessage(ctx, msg); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Str("type", msg.Type).Msg("Failed to handle message")
			e.sendError(err.Error())
		}
	}
}

func (e *engine) refreshOnRequest(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.surface.Refreshes():
			if err := e.catalog.Refresh(ctx); err != nil {
				log.Warn().Err(err).Str("user_id", e.userID).Msg("Failed to refresh photos")
			}
		}
	}
}

// handleMessage processes incoming WebSocket messages
func (e *engine) handleMessage(ctx context.Context, msg services.WSMessage) error {
	switch msg.Type {
	case msgSelectPhoto:
		if msg.PhotoID == "" {
			return fmt.Errorf("%w: photo_id", errMissingField)
		}
		return e.session.SelectPhoto(msg.PhotoID)
	case msgCancel:
		e.session.Cancel()
		return nil
	case msgSetCandidate:
		lat, lon, err := coordinates(msg)
		if err != nil {
			return err
		}
		return e.session.SetCandidate(lat, lon, services.SourceManualEntry)
	case msgMapClick:
		lat, lon, err := coordinates(msg)
		if err != nil {
			return err
		}
		return e.markers.MapClick(lat, lon)
	case msgMarkerDragEnd:
		lat, lon, err := coordinates(msg)
		if err != nil {
			return err
		}
		return e.markers.DragEnd(msg.MarkerKey, lat, lon)
	case msgSearch:
		return e.session.Search(msg.Query)
	case msgPickSearchResult:
		if msg.Index == nil {
			return fmt.Errorf("%w: index", errMissingField)
		}
		return e.session.PickSearchResult(*msg.Index)
	case msgLocateDevice:
		return e.session.UseDeviceLocation(e.surface)
	case msgGeolocationResult:
		return e.surface.ResolveLocation(msg)
	case msgConfirm:
		return e.session.Confirm(ctx)
	case msgDeletePhoto:
		if msg.PhotoID == "" {
			return fmt.Errorf("%w: photo_id", errMissingField)
		}
		go e.deletePhoto(ctx, msg.PhotoID)
		return nil
	case msgOpenDetail:
		if msg.PhotoID == "" {
			return fmt.Errorf("%w: photo_id", errMissingField)
		}
		return e.view.OpenDetail(msg.PhotoID)
	case msgCloseDetail:
		e.view.CloseDetail(msg.PhotoID)
		return nil
	case msgSetZoom:
		if msg.Zoom == nil {
			return fmt.Errorf("%w: zoom", errMissingField)
		}
		e.view.SetZoom(*msg.Zoom)
		return nil
	case msgRefresh:
		go func() {
			if err := e.catalog.Refresh(ctx); err != nil {
				e.sendError("Failed to refresh photos")
			}
		}()
		return nil
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (e *engine) deletePhoto(ctx context.Context, photoID string) {
	if err := e.catalog.Delete(ctx, photoID); err != nil {
		log.Warn().Err(err).Str("user_id", e.userID).Str("photo_id", photoID).Msg("Failed to delete photo")
		e.sendError(fmt.Sprintf("Failed to delete photo: %v", err))
	}
}

func coordinates(msg services.WSMessage) (float64, float64, error) {
	if msg.Latitude == nil || msg.Longitude == nil {
		return 0, 0, fmt.Errorf("%w: latitude and longitude", errMissingField)
	}
	return *msg.Latitude, *msg.Longitude, nil
}

// sendError sends an error message to the WebSocket connection
func (e *engine) sendError(message string) {
	msg := services.WSMessage{
		Type:    services.MsgError,
		Message: message,
	}
	if err := e.surface.Send(msg); err != nil {
		log.Debug().Err(err).Str("user_id", e.userID).Msg("Failed to send error message")
	}
}
