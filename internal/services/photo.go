package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"
	"path"
	"strings"
	"time"

	"geo-photo-backend/internal/models"
	"geo-photo-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
	"github.com/rwcarlsen/goexif/exif"
)

const thumbnailSize = 300

// photoRecords is the persistence the photo service needs
type photoRecords interface {
	Create(ctx context.Context, photo *models.Photo) error
	GetByID(ctx context.Context, id string) (*models.Photo, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Photo, error)
	ListWithLocation(ctx context.Context, userID string) ([]*models.Photo, error)
	ListWithoutLocation(ctx context.Context, userID string) ([]*models.Photo, error)
	UpdateLocation(ctx context.Context, id string, lat, lon float64) (*models.Photo, error)
	Delete(ctx context.Context, id string) error
}

// PhotoService handles photo storage: records, objects and upload metadata
type PhotoService struct {
	photoRepo photoRecords
	objects   ObjectStore
	now       func() time.Time
}

// NewPhotoService creates a new photo service
func NewPhotoService(photoRepo photoRecords, objects ObjectStore) *PhotoService {
	return &PhotoService{
		photoRepo: photoRepo,
		objects:   objects,
		now:       time.Now,
	}
}

func storageError(err error) error {
	if errors.Is(err, repository.ErrPhotoNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %w", ErrServer, err)
}

// List retrieves all photos of a user
func (s *PhotoService) List(ctx context.Context, userID string) ([]*models.Photo, error) {
	photos, err := s.photoRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, storageError(err)
	}
	return photos, nil
}

// ListWithLocation retrieves the user's photos carrying GPS coordinates
func (s *PhotoService) ListWithLocation(ctx context.Context, userID string) ([]*models.Photo, error) {
	photos, err := s.photoRepo.ListWithLocation(ctx, userID)
	if err != nil {
		return nil, storageError(err)
	}
	return photos, nil
}

// ListUnlocated retrieves the user's photos missing GPS coordinates
func (s *PhotoService) ListUnlocated(ctx context.Context, userID string) ([]*models.Photo, error) {
	photos, err := s.photoRepo.ListWithoutLocation(ctx, userID)
	if err != nil {
		return nil, storageError(err)
	}
	return photos, nil
}

// Get retrieves one photo owned by the user
func (s *PhotoService) Get(ctx context.Context, userID, photoID string) (*models.Photo, error) {
	photo, err := s.photoRepo.GetByID(ctx, photoID)
	if err != nil {
		return nil, storageError(err)
	}
	if photo.UserID != userID {
		return nil, ErrUnauthorized
	}
	return photo, nil
}

// SetLocation assigns coordinates to a photo owned by the user
func (s *PhotoService) SetLocation(ctx context.Context, userID, photoID string, lat, lon float64) (*models.Photo, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, userID, photoID); err != nil {
		return nil, err
	}

	photo, err := s.photoRepo.UpdateLocation(ctx, photoID, lat, lon)
	if err != nil {
		return nil, storageError(err)
	}

	log.Info().
		Str("user_id", userID).
		Str("photo_id", photoID).
		Float64("latitude", lat).
		Float64("longitude", lon).
		Msg("Photo location updated")

	return photo, nil
}

// Delete removes a photo record and its stored objects
func (s *PhotoService) Delete(ctx context.Context, userID, photoID string) error {
	photo, err := s.Get(ctx, userID, photoID)
	if err != nil {
		return err
	}

	if err := s.photoRepo.Delete(ctx, photoID); err != nil {
		return storageError(err)
	}

	// Object removal is best effort once the record is gone.
	s.removeObjects(ctx, photoID, []string{originalKey(photo), thumbnailKey(photo)})

	log.Info().Str("user_id", userID).Str("photo_id", photoID).Msg("Photo deleted")
	return nil
}

// Create stores a new photo, extracting GPS coordinates and capture time from EXIF
// when the image carries them
func (s *PhotoService) Create(ctx context.Context, userID string, upload models.PhotoUpload) (*models.Photo, error) {
	if len(upload.Data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidUpload)
	}
	if !strings.HasPrefix(upload.ContentType, "image/") {
		return nil, fmt.Errorf("%w: only image files are accepted, got %q", ErrInvalidUpload, upload.ContentType)
	}

	photo := &models.Photo{
		ID:         uuid.New().String(),
		UserID:     userID,
		FileName:   upload.FileName,
		UploadedAt: s.now(),
	}
	if upload.Description != "" {
		desc := upload.Description
		photo.Description = &desc
	}

	applyExif(photo, upload.Data)

	key := originalKey(photo)
	if err := s.objects.Put(ctx, key, upload.ContentType, upload.Data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}
	written := []string{key}
	photo.URL = s.objects.URL(key)

	thumb, err := makeThumbnail(upload.Data)
	if err != nil {
		log.Warn().Err(err).Str("photo_id", photo.ID).Msg("Failed to create thumbnail, using original")
		photo.ThumbnailURL = &photo.URL
	} else {
		tkey := thumbnailKey(photo)
		if err := s.objects.Put(ctx, tkey, "image/jpeg", thumb); err != nil {
			s.removeObjects(ctx, photo.ID, written)
			return nil, fmt.Errorf("%w: %w", ErrServer, err)
		}
		written = append(written, tkey)
		turl := s.objects.URL(tkey)
		photo.ThumbnailURL = &turl
	}

	if err := s.photoRepo.Create(ctx, photo); err != nil {
		s.removeObjects(ctx, photo.ID, written)
		return nil, storageError(err)
	}

	log.Info().
		Str("user_id", userID).
		Str("photo_id", photo.ID).
		Bool("has_location", photo.HasLocation()).
		Msg("Photo uploaded")

	return photo, nil
}

func applyExif(photo *models.Photo, data []byte) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Str("file_name", photo.FileName).Msg("No EXIF metadata")
		return
	}

	if lat, lon, err := x.LatLong(); err == nil && ValidateCoordinates(lat, lon) == nil {
		photo.Latitude = &lat
		photo.Longitude = &lon
	}
	if taken, err := x.DateTime(); err == nil {
		photo.TakenAt = &taken
	}
}

func (s *PhotoService) removeObjects(ctx context.Context, photoID string, keys []string) {
	for _, key := range keys {
		if err := s.objects.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("photo_id", photoID).Str("key", key).Msg("Failed to delete photo object")
		}
	}
}

func makeThumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	thumb := resize.Thumbnail(thumbnailSize, thumbnailSize, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// originalKey is {user_id}/{photo_id}{ext}
func originalKey(photo *models.Photo) string {
	return fmt.Sprintf("%s/%s%s", photo.UserID, photo.ID, strings.ToLower(path.Ext(photo.FileName)))
}

func thumbnailKey(photo *models.Photo) string {
	return fmt.Sprintf("%s/%s_thumb.jpg", photo.UserID, photo.ID)
}

// ValidateCoordinates rejects latitudes outside [-90, 90] and longitudes outside
// [-180, 180]
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return ErrInvalidLocation
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrInvalidLocation
	}
	return nil
}

// UserPhotoStore exposes the photo service as a PhotoStore scoped to one user
type UserPhotoStore struct {
	svc    *PhotoService
	userID string
}

// NewUserPhotoStore creates a store for the user's photos
func NewUserPhotoStore(svc *PhotoService, userID string) *UserPhotoStore {
	return &UserPhotoStore{svc: svc, userID: userID}
}

// List returns all photos of the user
func (s *UserPhotoStore) List(ctx context.Context) ([]*models.Photo, error) {
	return s.svc.List(ctx, s.userID)
}

// ListUnlocated returns the user's photos without coordinates
func (s *UserPhotoStore) ListUnlocated(ctx context.Context) ([]*models.Photo, error) {
	return s.svc.ListUnlocated(ctx, s.userID)
}

// SetLocation assigns coordinates to a photo
func (s *UserPhotoStore) SetLocation(ctx context.Context, id string, lat, lon float64) (*models.Photo, error) {
	return s.svc.SetLocation(ctx, s.userID, id, lat, lon)
}

// Delete removes a photo
func (s *UserPhotoStore) Delete(ctx context.Context, id string) error {
	return s.svc.Delete(ctx, s.userID, id)
}

// Create uploads a new photo
func (s *UserPhotoStore) Create(ctx context.Context, upload models.PhotoUpload) (*models.Photo, error) {
	return s.svc.Create(ctx, s.userID, upload)
}
