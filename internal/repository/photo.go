package repository

import (
	"context"
	"errors"
	"fmt"

	"geo-photo-backend/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPhotoNotFound is returned when no photo row matches
var ErrPhotoNotFound = errors.New("photo not found")

const photoColumns = `id, user_id, file_name, url, thumbnail_url, latitude, longitude,
		taken_at, description, uploaded_at`

// PhotoRepository handles database operations for photos
type PhotoRepository struct {
	db *pgxpool.Pool
}

// NewPhotoRepository creates a new photo repository
func NewPhotoRepository(db *pgxpool.Pool) *PhotoRepository {
	return &PhotoRepository{db: db}
}

func scanPhoto(row pgx.Row) (*models.Photo, error) {
	var photo models.Photo
	err := row.Scan(
		&photo.ID, &photo.UserID, &photo.FileName, &photo.URL, &photo.ThumbnailURL,
		&photo.Latitude, &photo.Longitude, &photo.TakenAt, &photo.Description, &photo.UploadedAt,
	)
	if err != nil {
		return nil, err
	}
	return &photo, nil
}

// Create inserts a new photo
func (r *PhotoRepository) Create(ctx context.Context, photo *models.Photo) error {
	query := `
		INSERT INTO photos (` + photoColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query,
		photo.ID, photo.UserID, photo.FileName, photo.URL, photo.ThumbnailURL,
		photo.Latitude, photo.Longitude, photo.TakenAt, photo.Description, photo.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create photo: %w", err)
	}
	return nil
}

// GetByID retrieves a photo by ID
func (r *PhotoRepository) GetByID(ctx context.Context, id string) (*models.Photo, error) {
	query := `SELECT ` + photoColumns + ` FROM photos WHERE id = $1`
	photo, err := scanPhoto(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPhotoNotFound
		}
		return nil, fmt.Errorf("failed to get photo: %w", err)
	}
	return photo, nil
}

// ListByUser retrieves every photo of a user, newest upload first
func (r *PhotoRepository) ListByUser(ctx context.Context, userID string) ([]*models.Photo, error) {
	return r.list(ctx, `SELECT `+photoColumns+` FROM photos
		WHERE user_id = $1
		ORDER BY uploaded_at DESC`, userID)
}

// ListWithLocation retrieves the user's photos carrying coordinates
func (r *PhotoRepository) ListWithLocation(ctx context.Context, userID string) ([]*models.Photo, error) {
	return r.list(ctx, `SELECT `+photoColumns+` FROM photos
		WHERE user_id = $1 AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY uploaded_at DESC`, userID)
}

// ListWithoutLocation retrieves the user's photos missing coordinates
func (r *PhotoRepository) ListWithoutLocation(ctx context.Context, userID string) ([]*models.Photo, error) {
	return r.list(ctx, `SELECT `+photoColumns+` FROM photos
		WHERE user_id = $1 AND (latitude IS NULL OR longitude IS NULL)
		ORDER BY uploaded_at DESC`, userID)
}

func (r *PhotoRepository) list(ctx context.Context, query string, args ...any) ([]*models.Photo, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list photos: %w", err)
	}
	defer rows.Close()

	photos := make([]*models.Photo, 0)
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		photos = append(photos, photo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating photos: %w", err)
	}

	return photos, nil
}

// UpdateLocation sets both coordinates of a photo in one statement and returns the
// updated row
func (r *PhotoRepository) UpdateLocation(ctx context.Context, id string, lat, lon float64) (*models.Photo, error) {
	query := `UPDATE photos SET latitude = $1, longitude = $2 WHERE id = $3
		RETURNING ` + photoColumns
	photo, err := scanPhoto(r.db.QueryRow(ctx, query, lat, lon, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPhotoNotFound
		}
		return nil, fmt.Errorf("failed to update photo location: %w", err)
	}
	return photo, nil
}

// Delete deletes a photo by ID
func (r *PhotoRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM photos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrPhotoNotFound
	}
	return nil
}
