package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"geo-photo-backend/internal/models"
	"geo-photo-backend/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecords struct {
	mu     sync.Mutex
	photos map[string]*models.Photo
	err    error
}

func newFakeRecords(photos ...*models.Photo) *fakeRecords {
	r := &fakeRecords{photos: make(map[string]*models.Photo)}
	for _, p := range photos {
		r.photos[p.ID] = p.Clone()
	}
	return r
}

func (r *fakeRecords) Create(ctx context.Context, photo *models.Photo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.photos[photo.ID] = photo.Clone()
	return nil
}

func (r *fakeRecords) GetByID(ctx context.Context, id string) (*models.Photo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	p, ok := r.photos[id]
	if !ok {
		return nil, repository.ErrPhotoNotFound
	}
	return p.Clone(), nil
}

func (r *fakeRecords) list(userID string, keep func(*models.Photo) bool) ([]*models.Photo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []*models.Photo
	for _, p := range r.photos {
		if p.UserID == userID && keep(p) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (r *fakeRecords) ListByUser(ctx context.Context, userID string) ([]*models.Photo, error) {
	return r.list(userID, func(*models.Photo) bool { return true })
}

func (r *fakeRecords) ListWithLocation(ctx context.Context, userID string) ([]*models.Photo, error) {
	return r.list(userID, (*models.Photo).HasLocation)
}

func (r *fakeRecords) ListWithoutLocation(ctx context.Context, userID string) ([]*models.Photo, error) {
	return r.list(userID, func(p *models.Photo) bool { return !p.HasLocation() })
}

func (r *fakeRecords) UpdateLocation(ctx context.Context, id string, lat, lon float64) (*models.Photo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.photos[id]
	if !ok {
		return nil, repository.ErrPhotoNotFound
	}
	p.Latitude, p.Longitude = &lat, &lon
	return p.Clone(), nil
}

func (r *fakeRecords) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.photos[id]; !ok {
		return repository.ErrPhotoNotFound
	}
	delete(r.photos, id)
	return nil
}

type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	types     map[string]string
	deleteErr error
	deleted   []string
	putErrs   map[string]error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (o *fakeObjects) Put(ctx context.Context, key, contentType string, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for suffix, err := range o.putErrs {
		if strings.HasSuffix(key, suffix) {
			return err
		}
	}
	o.objects[key] = data
	o.types[key] = contentType
	return nil
}

func (o *fakeObjects) Delete(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, key)
	if o.deleteErr != nil {
		return o.deleteErr
	}
	delete(o.objects, key)
	return nil
}

func (o *fakeObjects) URL(key string) string {
	return "https://cdn.example.com/" + key
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPhotoService_Create(t *testing.T) {
	ctx := context.Background()
	records := newFakeRecords()
	objects := newFakeObjects()
	svc := NewPhotoService(records, objects)
	svc.now = func() time.Time { return baseTime }

	photo, err := svc.Create(ctx, "user-1", models.PhotoUpload{
		FileName:    "Sunset.PNG",
		ContentType: "image/png",
		Data:        pngImage(t, 600, 400),
		Description: "sunset",
	})
	require.NoError(t, err)

	assert.Equal(t, "user-1", photo.UserID)
	assert.Equal(t, baseTime, photo.UploadedAt)
	assert.False(t, photo.HasLocation())
	require.NotNil(t, photo.Description)
	assert.Equal(t, "sunset", *photo.Description)
	assert.Equal(t, "https://cdn.example.com/user-1/"+photo.ID+".png", photo.URL)
	require.NotNil(t, photo.ThumbnailURL)
	assert.Equal(t, "https://cdn.example.com/user-1/"+photo.ID+"_thumb.jpg", *photo.ThumbnailURL)

	thumbKey := "user-1/" + photo.ID + "_thumb.jpg"
	assert.Equal(t, "image/jpeg", objects.types[thumbKey])
	cfg, _, err := image.DecodeConfig(bytes.NewReader(objects.objects[thumbKey]))
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Width)
	assert.Equal(t, 200, cfg.Height)

	stored, err := records.GetByID(ctx, photo.ID)
	require.NoError(t, err)
	assert.Equal(t, photo.URL, stored.URL)
}

func TestPhotoService_CreateRejectsInvalidUploads(t *testing.T) {
	svc := NewPhotoService(newFakeRecords(), newFakeObjects())

	_, err := svc.Create(context.Background(), "user-1", models.PhotoUpload{FileName: "a.jpg", ContentType: "image/jpeg"})
	assert.ErrorIs(t, err, ErrInvalidUpload)

	_, err = svc.Create(context.Background(), "user-1", models.PhotoUpload{FileName: "a.txt", ContentType: "text/plain", Data: []byte("hi")})
	assert.ErrorIs(t, err, ErrInvalidUpload)
}

func TestPhotoService_CreateCleansUpOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(records *fakeRecords, objects *fakeObjects)
		wantErr error
		deleted int
	}{
		{
			name:    "record insert fails",
			setup:   func(r *fakeRecords, _ *fakeObjects) { r.err = errors.New("db down") },
			wantErr: ErrServer,
			deleted: 2,
		},
		{
			name: "thumbnail upload fails",
			setup: func(_ *fakeRecords, o *fakeObjects) {
				o.putErrs = map[string]error{"_thumb.jpg": errors.New("slow down")}
			},
			wantErr: ErrServer,
			deleted: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := newFakeRecords()
			objects := newFakeObjects()
			tt.setup(records, objects)
			svc := NewPhotoService(records, objects)

			_, err := svc.Create(context.Background(), "user-1", models.PhotoUpload{
				FileName:    "a.png",
				ContentType: "image/png",
				Data:        pngImage(t, 40, 30),
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, objects.objects)
			assert.Len(t, objects.deleted, tt.deleted)
			assert.Empty(t, records.photos)
		})
	}
}

func TestPhotoService_Ownership(t *testing.T) {
	ctx := context.Background()
	svc := NewPhotoService(newFakeRecords(newPhoto("a")), newFakeObjects())

	_, err := svc.Get(ctx, "user-2", "a")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.SetLocation(ctx, "user-2", "a", 1, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, svc.Delete(ctx, "user-2", "a"), ErrUnauthorized)

	_, err = svc.Get(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPhotoService_SetLocation(t *testing.T) {
	ctx := context.Background()
	svc := NewPhotoService(newFakeRecords(newPhoto("a"), newPhoto("b", 1, 1)), newFakeObjects())

	_, err := svc.SetLocation(ctx, "user-1", "a", 100, 0)
	assert.ErrorIs(t, err, ErrInvalidLocation)

	photo, err := svc.SetLocation(ctx, "user-1", "a", 21.0285, 105.8542)
	require.NoError(t, err)
	assert.True(t, photo.HasLocation())

	located, err := svc.ListWithLocation(ctx, "user-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(located))

	unlocated, err := svc.ListUnlocated(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, unlocated)
}

func TestPhotoService_DeleteRemovesObjects(t *testing.T) {
	ctx := context.Background()
	records := newFakeRecords(newPhoto("a"))
	objects := newFakeObjects()
	objects.deleteErr = errors.New("access denied")
	svc := NewPhotoService(records, objects)

	require.NoError(t, svc.Delete(ctx, "user-1", "a"))
	assert.Equal(t, []string{"user-1/a.jpg", "user-1/a_thumb.jpg"}, objects.deleted)

	_, err := records.GetByID(ctx, "a")
	assert.ErrorIs(t, err, repository.ErrPhotoNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "user-1", "a"), ErrNotFound)
}

func TestPhotoService_StorageErrors(t *testing.T) {
	records := newFakeRecords()
	records.err = errors.New("connection reset")
	svc := NewPhotoService(records, newFakeObjects())

	_, err := svc.List(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrServer)
}

func TestUserPhotoStore(t *testing.T) {
	ctx := context.Background()
	other := newPhoto("theirs")
	other.UserID = "user-2"
	svc := NewPhotoService(newFakeRecords(newPhoto("mine"), other), newFakeObjects())
	store := NewUserPhotoStore(svc, "user-1")

	photos, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, ids(photos))

	_, err = store.SetLocation(ctx, "theirs", 1, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestValidateCoordinates(t *testing.T) {
	tests := []struct {
		lat, lon float64
		valid    bool
	}{
		{0, 0, true},
		{90, 180, true},
		{-90, -180, true},
		{90.0001, 0, false},
		{0, -180.5, false},
	}
	for _, tt := range tests {
		err := ValidateCoordinates(tt.lat, tt.lon)
		if tt.valid {
			assert.NoError(t, err, "%v,%v", tt.lat, tt.lon)
		} else {
			assert.ErrorIs(t, err, ErrInvalidLocation, "%v,%v", tt.lat, tt.lon)
		}
	}
}
