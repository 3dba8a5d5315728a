package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"geo-photo-backend/internal/middleware"
	"geo-photo-backend/internal/models"
	"geo-photo-backend/internal/services"

	"github.com/go-chi/chi/v5"
)

const maxUploadSize = 32 << 20

// PhotoHandler handles photo-related HTTP requests
type PhotoHandler struct {
	photoService *services.PhotoService
	addresses    *services.AddressResolver
	hub          *services.ViewHub
}

// NewPhotoHandler creates a new photo handler
func NewPhotoHandler(photoService *services.PhotoService, addresses *services.AddressResolver, hub *services.ViewHub) *PhotoHandler {
	return &PhotoHandler{
		photoService: photoService,
		addresses:    addresses,
		hub:          hub,
	}
}

// PhotoListResponse is returned by the list endpoints
type PhotoListResponse struct {
	Photos []*models.Photo `json:"photos"`
	Total  int             `json:"total"`
}

// PhotoDetailResponse is returned by GET /api/v1/photos/{photo_id}
type PhotoDetailResponse struct {
	Photo   *models.Photo `json:"photo"`
	Address string        `json:"address,omitempty"`
}

// LocationRequest is the body of PUT /api/v1/photos/{photo_id}/location
type LocationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// GetPhotos handles GET /api/v1/photos
func (h *PhotoHandler) GetPhotos(w http.ResponseWriter, r *http.Request) {
	photos, err := h.photoService.List(r.Context(), middleware.GetUserID(r.Context()))
	h.respondList(w, photos, err)
}

// GetPhotosWithLocation handles GET /api/v1/photos/with-gps
func (h *PhotoHandler) GetPhotosWithLocation(w http.ResponseWriter, r *http.Request) {
	photos, err := h.photoService.ListWithLocation(r.Context(), middleware.GetUserID(r.Context()))
	h.respondList(w, photos, err)
}

// GetPhotosWithoutLocation handles GET /api/v1/photos/without-gps
func (h *PhotoHandler) GetPhotosWithoutLocation(w http.ResponseWriter, r *http.Request) {
	photos, err := h.photoService.ListUnlocated(r.Context(), middleware.GetUserID(r.Context()))
	h.respondList(w, photos, err)
}

func (h *PhotoHandler) respondList(w http.ResponseWriter, photos []*models.Photo, err error) {
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if photos == nil {
		photos = []*models.Photo{}
	}
	respondJSON(w, http.StatusOK, PhotoListResponse{Photos: photos, Total: len(photos)})
}

// GetPhoto handles GET /api/v1/photos/{photo_id}
func (h *PhotoHandler) GetPhoto(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	photo, err := h.photoService.Get(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "photo_id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	resp := PhotoDetailResponse{Photo: photo}
	if photo.HasLocation() {
		resp.Address, _ = h.addresses.Resolve(ctx, *photo.Latitude, *photo.Longitude)
	}
	respondJSON(w, http.StatusOK, resp)
}

// UploadPhoto handles POST /api/v1/photos
func (h *PhotoHandler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("photo")
	if err != nil {
		respondError(w, "photo file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, fmt.Sprintf("failed to read upload: %v", err), http.StatusBadRequest)
		return
	}

	// Live surfaces pick the new photo up through the create notification.
	catalog := services.NewPhotoCatalog(services.NewUserPhotoStore(h.photoService, userID))
	unsubscribe := catalog.Subscribe(notifyPeers(h.hub, userID, nil))
	defer unsubscribe()

	photo, err := catalog.Upload(ctx, models.PhotoUpload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
		Description: r.FormValue("description"),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, photo)
}

// SetLocation handles PUT /api/v1/photos/{photo_id}/location
func (h *PhotoHandler) SetLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req LocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		respondError(w, "latitude and longitude are required", http.StatusBadRequest)
		return
	}

	photo, err := h.photoService.SetLocation(ctx, userID, chi.URLParam(r, "photo_id"), *req.Latitude, *req.Longitude)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	h.hub.NotifyUser(userID, nil)
	respondJSON(w, http.StatusOK, photo)
}

// DeletePhoto handles DELETE /api/v1/photos/{photo_id}
func (h *PhotoHandler) DeletePhoto(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	if err := h.photoService.Delete(ctx, userID, chi.URLParam(r, "photo_id")); err != nil {
		respondServiceError(w, err)
		return
	}

	h.hub.NotifyUser(userID, nil)
	w.WriteHeader(http.StatusNoContent)
}
