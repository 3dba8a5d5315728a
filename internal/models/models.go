package models

import "time"

// User represents an account owning photos
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Photo represents an uploaded photograph. Latitude and Longitude are either both
// set or both nil.
type Photo struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	FileName     string     `json:"file_name"`
	URL          string     `json:"url"`
	ThumbnailURL *string    `json:"thumbnail_url,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	TakenAt      *time.Time `json:"taken_at,omitempty"`
	Description  *string    `json:"description,omitempty"`
	UploadedAt   time.Time  `json:"uploaded_at"`
}

// HasLocation reports whether the photo carries a full coordinate pair
func (p *Photo) HasLocation() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Clone returns a deep copy so callers never share pointers with the catalog
func (p *Photo) Clone() *Photo {
	c := *p
	if p.ThumbnailURL != nil {
		v := *p.ThumbnailURL
		c.ThumbnailURL = &v
	}
	if p.Latitude != nil {
		v := *p.Latitude
		c.Latitude = &v
	}
	if p.Longitude != nil {
		v := *p.Longitude
		c.Longitude = &v
	}
	if p.TakenAt != nil {
		v := *p.TakenAt
		c.TakenAt = &v
	}
	if p.Description != nil {
		v := *p.Description
		c.Description = &v
	}
	return &c
}

// Candidate is an unpersisted coordinate pair under consideration for a photo
type Candidate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Source    string  `json:"source"`
}

// PlaceResult is one forward geocoding match
type PlaceResult struct {
	Label     string  `json:"label"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PhotoUpload carries a new photo's content and metadata to storage
type PhotoUpload struct {
	FileName    string
	ContentType string
	Data        []byte
	Description string
}
