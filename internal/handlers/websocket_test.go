package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"geo-photo-backend/internal/models"
	"geo-photo-backend/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noPlaces struct{}

func (noPlaces) Search(ctx context.Context, query string, limit int) ([]models.PlaceResult, error) {
	return nil, nil
}

type viewRecorder struct {
	mu      sync.Mutex
	updates []services.ViewUpdate
}

func (v *viewRecorder) Render(update services.ViewUpdate) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.updates = append(v.updates, update)
}

func (v *viewRecorder) last() services.ViewUpdate {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.updates) == 0 {
		return services.ViewUpdate{}
	}
	return v.updates[len(v.updates)-1]
}

type testConnection struct {
	engine  *engine
	store   *memoryPhotos
	surface *services.Surface
	peer    *services.Surface
	view    *viewRecorder
}

func newTestConnection(t *testing.T, photos ...*models.Photo) *testConnection {
	t.Helper()

	store := newMemoryPhotos(photos...)
	hub := services.NewViewHub()
	h := NewWebSocketHandler(
		hub,
		nil,
		services.NewPhotoService(store, discardObjects{}),
		services.NewAddressResolver(namedPlaces{}),
		services.NewPlaceSearchService(noPlaces{}, 5),
		services.SessionOptions{GeolocationTimeout: time.Second},
		10,
	)

	c := &testConnection{
		store:   store,
		surface: hub.Register("user-1", nil),
		peer:    hub.Register("user-1", nil),
		view:    &viewRecorder{},
	}
	c.engine = h.newEngine("user-1", c.surface)
	c.engine.view.AddSurface(c.view)
	require.NoError(t, c.engine.catalog.Refresh(context.Background()))

	t.Cleanup(func() {
		c.engine.close()
		c.engine.session.Wait()
		c.engine.view.Wait()
		hub.Unregister(c.surface)
		hub.Unregister(c.peer)
	})
	return c
}

func (c *testConnection) send(t *testing.T, msg services.WSMessage) error {
	t.Helper()
	return c.engine.handleMessage(context.Background(), msg)
}

func coords(lat, lon float64) (*float64, *float64) {
	return &lat, &lon
}

func TestEngine_AssignLocationOverSocket(t *testing.T) {
	c := newTestConnection(t, testPhoto("42", "user-1"), testPhoto("7", "user-1", 48.8584, 2.2945))
	session := c.engine.session

	require.NoError(t, c.send(t, services.WSMessage{Type: msgSelectPhoto, PhotoID: "42"}))
	assert.Equal(t, services.PhaseSelecting, session.Snapshot().Phase)

	lat, lon := coords(21.0285, 105.8542)
	require.NoError(t, c.send(t, services.WSMessage{Type: msgMapClick, Latitude: lat, Longitude: lon}))
	snap := session.Snapshot()
	require.NotNil(t, snap.Candidate)
	assert.Equal(t, services.SourceMapClick, snap.Candidate.Source)

	marker := c.engine.markers.Candidate()
	require.NotNil(t, marker)
	lat, lon = coords(21.03, 105.85)
	require.NoError(t, c.send(t, services.WSMessage{Type: msgMarkerDragEnd, MarkerKey: marker.Key, Latitude: lat, Longitude: lon}))
	assert.Equal(t, services.SourceMarkerDrag, session.Snapshot().Candidate.Source)

	require.NoError(t, c.send(t, services.WSMessage{Type: msgConfirm}))
	session.Wait()

	assert.Equal(t, services.PhaseIdle, session.Snapshot().Phase)
	stored, err := c.store.GetByID(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, stored.HasLocation())
	assert.Equal(t, 21.03, *stored.Latitude)

	c.engine.view.Wait()
	update := c.view.last()
	assert.Empty(t, update.Worklist)
	assert.Equal(t, 2, update.Stats.Located)

	assert.Len(t, c.peer.Refreshes(), 1)
	assert.Len(t, c.surface.Refreshes(), 0)
}

func TestEngine_DeletePhotoOverSocket(t *testing.T) {
	c := newTestConnection(t, testPhoto("42", "user-1"), testPhoto("7", "user-1", 48.8584, 2.2945))

	require.NoError(t, c.send(t, services.WSMessage{Type: msgSelectPhoto, PhotoID: "42"}))
	require.NoError(t, c.send(t, services.WSMessage{Type: msgDeletePhoto, PhotoID: "42"}))

	// Peers are notified after the session and view saw the delete.
	require.Eventually(t, func() bool {
		return len(c.peer.Refreshes()) == 1
	}, time.Second, 5*time.Millisecond)

	_, ok := c.engine.catalog.Get("42")
	assert.False(t, ok)
	assert.Equal(t, services.PhaseIdle, c.engine.session.Snapshot().Phase)
	_, err := c.store.GetByID(context.Background(), "42")
	assert.Error(t, err)
}

func TestEngine_RejectsMalformedMessages(t *testing.T) {
	c := newTestConnection(t, testPhoto("42", "user-1"))

	tests := []struct {
		name    string
		msg     services.WSMessage
		wantErr error
	}{
		{name: "select without photo", msg: services.WSMessage{Type: msgSelectPhoto}, wantErr: errMissingField},
		{name: "click without coordinates", msg: services.WSMessage{Type: msgMapClick}, wantErr: errMissingField},
		{name: "delete without photo", msg: services.WSMessage{Type: msgDeletePhoto}, wantErr: errMissingField},
		{name: "confirm without target", msg: services.WSMessage{Type: msgConfirm}, wantErr: services.ErrNoTarget},
		{name: "select unknown photo", msg: services.WSMessage{Type: msgSelectPhoto, PhotoID: "zzz"}, wantErr: services.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, c.send(t, tt.msg), tt.wantErr)
		})
	}

	assert.Error(t, c.send(t, services.WSMessage{Type: "teleport"}))
	assert.Equal(t, services.PhaseIdle, c.engine.session.Snapshot().Phase)
}
