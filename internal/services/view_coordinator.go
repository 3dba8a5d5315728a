package services

import (
	"context"
	"sort"
	"sync"

	"geo-photo-backend/internal/models"
)

// Render reasons besides catalog change kinds
const (
	ReasonInitial = "initial"
	ReasonSession = "session"
	ReasonDetail  = "detail"
	ReasonZoom    = "zoom"
)

// DetailView is an open photo detail surface
type DetailView struct {
	Photo          *models.Photo `json:"photo"`
	Address        string        `json:"address,omitempty"`
	AddressPending bool          `json:"address_pending,omitempty"`
}

// BoundingBox encloses the rendered markers
type BoundingBox struct {
	MinLatitude  float64 `json:"min_latitude"`
	MinLongitude float64 `json:"min_longitude"`
	MaxLatitude  float64 `json:"max_latitude"`
	MaxLongitude float64 `json:"max_longitude"`
}

// ViewUpdate is everything a surface needs to redraw after a change
type ViewUpdate struct {
	Reason        string          `json:"reason"`
	Markers       MarkerDiff      `json:"markers"`
	Clusters      []Cluster       `json:"clusters"`
	Bounds        *BoundingBox    `json:"bounds,omitempty"`
	Worklist      []*models.Photo `json:"worklist"`
	Stats         CatalogStats    `json:"stats"`
	Session       SessionSnapshot `json:"session"`
	Details       []DetailView    `json:"details,omitempty"`
	ClosedDetails []string        `json:"closed_details,omitempty"`
	Notice        *Notice         `json:"notice,omitempty"`
}

// ViewSurface receives view updates. Render must not block.
type ViewSurface interface {
	Render(update ViewUpdate)
}

type detailState struct {
	lat, lon *float64
	address  string
	pending  bool
	gen      uint64
}

// ViewCoordinator turns catalog changes and session events into view updates
// for its surfaces. It only reads the catalog and the session.
type ViewCoordinator struct {
	catalog  *PhotoCatalog
	session  *AssignmentSession
	markers  *MarkerSynchronizer
	resolver *AddressResolver

	mu          sync.Mutex
	surfaces    map[int]ViewSurface
	nextSurface int
	details     map[string]*detailState
	detailGen   uint64
	zoom        int

	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
	wg     sync.WaitGroup
}

// NewViewCoordinator subscribes a coordinator to catalog and session changes
func NewViewCoordinator(catalog *PhotoCatalog, session *AssignmentSession, markers *MarkerSynchronizer, resolver *AddressResolver, zoom int) *ViewCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	v := &ViewCoordinator{
		catalog:  catalog,
		session:  session,
		markers:  markers,
		resolver: resolver,
		surfaces: make(map[int]ViewSurface),
		details:  make(map[string]*detailState),
		zoom:     zoom,
		ctx:      ctx,
		cancel:   cancel,
	}
	v.unsubs = append(v.unsubs,
		catalog.Subscribe(v.onCatalogChange),
		session.Subscribe(v.onSessionEvent),
	)
	return v
}

// AddSurface registers a surface and returns a function that removes it
func (v *ViewCoordinator) AddSurface(surface ViewSurface) func() {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextSurface
	v.nextSurface++
	v.surfaces[id] = surface

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.surfaces, id)
	}
}

func (v *ViewCoordinator) onCatalogChange(change CatalogChange) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.renderLocked(string(change.Kind), &change, nil)
}

func (v *ViewCoordinator) onSessionEvent(event SessionEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.renderLocked(ReasonSession, nil, event.Notice)
}

// Render publishes the current state to every surface
func (v *ViewCoordinator) Render(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.renderLocked(reason, nil, nil)
}

// SetZoom changes the zoom used for marker clusters
func (v *ViewCoordinator) SetZoom(zoom int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if zoom < 0 || zoom > 22 || zoom == v.zoom {
		return
	}
	v.zoom = zoom
	v.renderLocked(ReasonZoom, nil, nil)
}

// OpenDetail opens the detail surface of a photo. Located photos get their
// address resolved in the background.
func (v *ViewCoordinator) OpenDetail(photoID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	photo, ok := v.catalog.Get(photoID)
	if !ok {
		return ErrNotFound
	}

	state := &detailState{}
	v.details[photoID] = state
	v.refreshDetailLocked(photoID, state, photo)

	v.renderLocked(ReasonDetail, &CatalogChange{PhotoIDs: []string{photoID}}, nil)
	return nil
}

// CloseDetail closes the detail surface of a photo
func (v *ViewCoordinator) CloseDetail(photoID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.details, photoID)
}

// refreshDetailLocked restarts the address lookup when the photo's
// coordinates differ from the ones last resolved
func (v *ViewCoordinator) refreshDetailLocked(photoID string, state *detailState, photo *models.Photo) {
	if state.gen != 0 && sameCoordinate(state.lat, photo.Latitude) && sameCoordinate(state.lon, photo.Longitude) {
		return
	}

	v.detailGen++
	state.gen = v.detailGen
	state.lat, state.lon = photo.Latitude, photo.Longitude
	state.address = ""
	state.pending = false

	if !photo.HasLocation() {
		return
	}
	state.pending = true

	gen := state.gen
	lat, lon := *photo.Latitude, *photo.Longitude
	v.wg.Add(1)
	go v.resolveDetail(photoID, gen, lat, lon)
}

func (v *ViewCoordinator) resolveDetail(photoID string, gen uint64, lat, lon float64) {
	defer v.wg.Done()

	address, err := v.resolver.Resolve(v.ctx, lat, lon)
	if err != nil && v.ctx.Err() != nil {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	state, ok := v.details[photoID]
	if !ok || state.gen != gen {
		return
	}
	state.address = address
	state.pending = false
	v.renderLocked(ReasonDetail, &CatalogChange{PhotoIDs: []string{photoID}}, nil)
}

func sameCoordinate(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// renderLocked builds an update from fresh reads and fans it out. Detail
// surfaces are included only when change names their photo.
func (v *ViewCoordinator) renderLocked(reason string, change *CatalogChange, notice *Notice) {
	snap := v.session.Snapshot()
	located := v.catalog.Located()

	update := ViewUpdate{
		Reason:   reason,
		Markers:  v.markers.Sync(located, snap),
		Clusters: v.markers.Clusters(v.zoom),
		Worklist: v.catalog.Unlocated(),
		Stats:    v.catalog.Stats(),
		Session:  snap,
		Notice:   notice,
	}
	if bound, ok := v.markers.Bounds(); ok {
		update.Bounds = &BoundingBox{
			MinLatitude:  bound.Min.Lat(),
			MinLongitude: bound.Min.Lon(),
			MaxLatitude:  bound.Max.Lat(),
			MaxLongitude: bound.Max.Lon(),
		}
	}

	if change != nil {
		ids := make([]string, 0, len(v.details))
		for id := range v.details {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			if !change.Affects(id) {
				continue
			}
			photo, ok := v.catalog.Get(id)
			if !ok {
				delete(v.details, id)
				update.ClosedDetails = append(update.ClosedDetails, id)
				continue
			}
			state := v.details[id]
			v.refreshDetailLocked(id, state, photo)
			update.Details = append(update.Details, DetailView{
				Photo:          photo,
				Address:        state.address,
				AddressPending: state.pending,
			})
		}
	}

	ids := make([]int, 0, len(v.surfaces))
	for id := range v.surfaces {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		v.surfaces[id].Render(update)
	}
}

// Wait blocks until background address lookups finished
func (v *ViewCoordinator) Wait() {
	v.wg.Wait()
}

// Close stops listening for changes
func (v *ViewCoordinator) Close() {
	for _, unsub := range v.unsubs {
		unsub()
	}
	v.cancel()
}
