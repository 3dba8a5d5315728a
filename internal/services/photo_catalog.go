package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"geo-photo-backend/internal/models"

	"github.com/rs/zerolog/log"
)

// PhotoStore is the authoritative photo storage the catalog mirrors
type PhotoStore interface {
	List(ctx context.Context) ([]*models.Photo, error)
	ListUnlocated(ctx context.Context) ([]*models.Photo, error)
	SetLocation(ctx context.Context, id string, lat, lon float64) (*models.Photo, error)
	Delete(ctx context.Context, id string) error
	Create(ctx context.Context, upload models.PhotoUpload) (*models.Photo, error)
}

// ChangeKind names a catalog mutation
type ChangeKind string

const (
	ChangeCommit   ChangeKind = "commit"
	ChangeDelete   ChangeKind = "delete"
	ChangeCreate   ChangeKind = "create"
	ChangeReplace  ChangeKind = "replace"
	ChangeDegraded ChangeKind = "degraded"
)

// CatalogChange is delivered to subscribers after a mutation is visible
type CatalogChange struct {
	Kind     ChangeKind
	PhotoIDs []string
}

// Affects reports whether the change names the photo. Replace and degraded
// changes affect every photo.
func (c CatalogChange) Affects(photoID string) bool {
	if c.Kind == ChangeReplace || c.Kind == ChangeDegraded {
		return true
	}
	for _, id := range c.PhotoIDs {
		if id == photoID {
			return true
		}
	}
	return false
}

// CatalogStats summarizes the partitions. Degraded is set while the last
// reconciliation with storage failed and counts reflect the local set only.
type CatalogStats struct {
	Total     int  `json:"total"`
	Located   int  `json:"located"`
	Unlocated int  `json:"unlocated"`
	Degraded  bool `json:"degraded"`
}

// PhotoCatalog is the in-memory set of a user's photos. The located and
// unlocated partitions are derived from HasLocation on every read.
//
// Subscribers are called synchronously after each mutation and must not mutate
// the catalog from inside the callback.
type PhotoCatalog struct {
	store PhotoStore

	// notifyMu serializes mutate-then-publish so subscribers observe changes in
	// the order they were applied.
	notifyMu sync.Mutex

	mu       sync.RWMutex
	photos   map[string]*models.Photo
	version  uint64
	degraded bool

	subMu       sync.Mutex
	subscribers map[int]func(CatalogChange)
	nextSubID   int
}

// NewPhotoCatalog creates an empty catalog backed by store
func NewPhotoCatalog(store PhotoStore) *PhotoCatalog {
	return &PhotoCatalog{
		store:       store,
		photos:      make(map[string]*models.Photo),
		subscribers: make(map[int]func(CatalogChange)),
	}
}

// Subscribe registers fn for change notifications and returns a function that
// removes it
func (c *PhotoCatalog) Subscribe(fn func(CatalogChange)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *PhotoCatalog) publish(change CatalogChange) {
	c.subMu.Lock()
	ids := make([]int, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(CatalogChange), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subscribers[id])
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// mutate applies fn under the write lock and publishes its change
func (c *PhotoCatalog) mutate(fn func() (CatalogChange, bool)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	change, changed := fn()
	if changed {
		c.version++
	}
	c.mu.Unlock()

	if changed {
		c.publish(change)
	}
}

// normalize copies p and drops a half-present coordinate pair
func normalize(p *models.Photo) *models.Photo {
	cp := p.Clone()
	if !cp.HasLocation() {
		cp.Latitude = nil
		cp.Longitude = nil
	}
	return cp
}

// Get returns a copy of the photo
func (c *PhotoCatalog) Get(id string) (*models.Photo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.photos[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Located returns the photos with coordinates, newest upload first
func (c *PhotoCatalog) Located() []*models.Photo {
	return c.partition(true)
}

// Unlocated returns the photos without coordinates, newest upload first
func (c *PhotoCatalog) Unlocated() []*models.Photo {
	return c.partition(false)
}

func (c *PhotoCatalog) partition(located bool) []*models.Photo {
	c.mu.RLock()
	out := make([]*models.Photo, 0, len(c.photos))
	for _, p := range c.photos {
		if p.HasLocation() == located {
			out = append(out, p.Clone())
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats counts both partitions from a single read of the set
func (c *PhotoCatalog) Stats() CatalogStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CatalogStats{Total: len(c.photos), Degraded: c.degraded}
	for _, p := range c.photos {
		if p.HasLocation() {
			stats.Located++
		} else {
			stats.Unlocated++
		}
	}
	return stats
}

// ReplaceAll swaps the whole set
func (c *PhotoCatalog) ReplaceAll(photos []*models.Photo) {
	c.mutate(func() (CatalogChange, bool) {
		c.replaceLocked(photos)
		return CatalogChange{Kind: ChangeReplace}, true
	})
}

func (c *PhotoCatalog) replaceLocked(photos []*models.Photo) {
	next := make(map[string]*models.Photo, len(photos))
	for _, p := range photos {
		if p == nil || p.ID == "" {
			continue
		}
		next[p.ID] = normalize(p)
	}
	c.photos = next
	c.degraded = false
}

// Refresh reconciles the catalog with storage. A listing that started before a
// newer local mutation is discarded; that mutation schedules its own refresh.
func (c *PhotoCatalog) Refresh(ctx context.Context) error {
	c.mu.RLock()
	started := c.version
	c.mu.RUnlock()

	photos, err := c.store.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to reconcile photo catalog")
		c.mutate(func() (CatalogChange, bool) {
			if c.degraded {
				return CatalogChange{}, false
			}
			c.degraded = true
			return CatalogChange{Kind: ChangeDegraded}, true
		})
		return fmt.Errorf("failed to list photos: %w", err)
	}

	c.mutate(func() (CatalogChange, bool) {
		if c.version != started {
			return CatalogChange{}, false
		}
		c.replaceLocked(photos)
		return CatalogChange{Kind: ChangeReplace}, true
	})
	return nil
}

// CommitLocation persists coordinates for a photo and moves it to the located
// partition
func (c *PhotoCatalog) CommitLocation(ctx context.Context, id string, lat, lon float64) (*models.Photo, error) {
	if _, ok := c.Get(id); !ok {
		return nil, ErrNotFound
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}

	updated, err := c.store.SetLocation(ctx, id, lat, lon)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.remove(id)
		}
		return nil, err
	}
	if updated == nil {
		local, ok := c.Get(id)
		if !ok {
			return nil, ErrNotFound
		}
		local.Latitude, local.Longitude = &lat, &lon
		updated = local
	}

	result := normalize(updated)
	applied := false
	c.mutate(func() (CatalogChange, bool) {
		if _, ok := c.photos[id]; !ok {
			return CatalogChange{}, false
		}
		c.photos[id] = result
		applied = true
		return CatalogChange{Kind: ChangeCommit, PhotoIDs: []string{id}}, true
	})
	if !applied {
		// Deleted while the request was in flight.
		return nil, ErrNotFound
	}

	c.reconcile(ctx)
	return result.Clone(), nil
}

// Delete removes a photo from storage and from both partitions
func (c *PhotoCatalog) Delete(ctx context.Context, id string) error {
	if _, ok := c.Get(id); !ok {
		return ErrNotFound
	}

	if err := c.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.remove(id)
		}
		return err
	}

	c.remove(id)
	c.reconcile(ctx)
	return nil
}

func (c *PhotoCatalog) remove(id string) {
	c.mutate(func() (CatalogChange, bool) {
		if _, ok := c.photos[id]; !ok {
			return CatalogChange{}, false
		}
		delete(c.photos, id)
		return CatalogChange{Kind: ChangeDelete, PhotoIDs: []string{id}}, true
	})
}

// Upload creates a photo in storage and adds it to the catalog
func (c *PhotoCatalog) Upload(ctx context.Context, upload models.PhotoUpload) (*models.Photo, error) {
	created, err := c.store.Create(ctx, upload)
	if err != nil {
		return nil, err
	}

	result := normalize(created)
	c.mutate(func() (CatalogChange, bool) {
		c.photos[result.ID] = result
		return CatalogChange{Kind: ChangeCreate, PhotoIDs: []string{result.ID}}, true
	})
	return result.Clone(), nil
}

func (c *PhotoCatalog) reconcile(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		log.Debug().Err(err).Msg("Catalog kept optimistic state")
	}
}
