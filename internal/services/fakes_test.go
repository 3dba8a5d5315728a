package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"geo-photo-backend/internal/models"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// newPhoto builds a photo; pass lat and lon to give it a location
func newPhoto(id string, coords ...float64) *models.Photo {
	p := &models.Photo{
		ID:         id,
		UserID:     "user-1",
		FileName:   id + ".jpg",
		URL:        "https://cdn.example.com/" + id + ".jpg",
		UploadedAt: baseTime,
	}
	if len(coords) == 2 {
		lat, lon := coords[0], coords[1]
		p.Latitude, p.Longitude = &lat, &lon
	}
	return p
}

type fakeStore struct {
	mu        sync.Mutex
	photos    map[string]*models.Photo
	listErr   error
	setErr    error
	deleteErr error
	setCalls  int

	setStarted chan struct{}
	setGate    chan struct{}
}

func newFakeStore(photos ...*models.Photo) *fakeStore {
	s := &fakeStore{photos: make(map[string]*models.Photo)}
	for _, p := range photos {
		s.photos[p.ID] = p.Clone()
	}
	return s
}

// holdSetLocation makes SetLocation block until release is called. started
// receives once a call is waiting.
func (s *fakeStore) holdSetLocation() (started <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setStarted = make(chan struct{}, 1)
	s.setGate = make(chan struct{})
	gate := s.setGate
	return s.setStarted, func() { close(gate) }
}

func (s *fakeStore) failList(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *fakeStore) failSetLocation(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr = err
}

func (s *fakeStore) setLocationCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCalls
}

func (s *fakeStore) List(ctx context.Context) ([]*models.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]*models.Photo, 0, len(s.photos))
	for _, p := range s.photos {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) ListUnlocated(ctx context.Context) ([]*models.Photo, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if !p.HasLocation() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) SetLocation(ctx context.Context, id string, lat, lon float64) (*models.Photo, error) {
	s.mu.Lock()
	s.setCalls++
	gate, started := s.setGate, s.setStarted
	s.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setErr != nil {
		return nil, s.setErr
	}
	p, ok := s.photos[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.Latitude, p.Longitude = &lat, &lon
	return p.Clone(), nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.photos[id]; !ok {
		return ErrNotFound
	}
	delete(s.photos, id)
	return nil
}

func (s *fakeStore) Create(ctx context.Context, upload models.PhotoUpload) (*models.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := newPhoto(fmt.Sprintf("new-%d", len(s.photos)+1))
	p.FileName = upload.FileName
	s.photos[p.ID] = p
	return p.Clone(), nil
}

type fakeGeocoder struct {
	mu    sync.Mutex
	calls int
	err   error
	gate  chan struct{}
	holds map[float64]chan struct{}
}

// hold blocks lookups at latitude lat until release is called
func (g *fakeGeocoder) hold(lat float64) (release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holds == nil {
		g.holds = make(map[float64]chan struct{})
	}
	gate := make(chan struct{})
	g.holds[lat] = gate
	return func() { close(gate) }
}

func (g *fakeGeocoder) Reverse(ctx context.Context, lat, lon float64) (string, error) {
	g.mu.Lock()
	g.calls++
	gate, held, err := g.gate, g.holds[lat], g.err
	g.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if held != nil {
		<-held
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Place %.4f,%.4f", lat, lon), nil
}

func (g *fakeGeocoder) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	results map[string][]models.PlaceResult
	gates   map[string]chan struct{}
	err     error
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{
		results: map[string][]models.PlaceResult{
			"Hanoi":  {{Label: "Hanoi, Vietnam", Latitude: 21.0285, Longitude: 105.8542}},
			"Saigon": {{Label: "Ho Chi Minh City, Vietnam", Latitude: 10.7769, Longitude: 106.7009}},
		},
		gates: make(map[string]chan struct{}),
	}
}

func (f *fakeSearcher) hold(query string) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	gate := make(chan struct{})
	f.gates[query] = gate
	return func() { close(gate) }
}

func (f *fakeSearcher) Search(ctx context.Context, query string, limit int) ([]models.PlaceResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	gate, err := f.gates[query], f.err
	results := f.results[query]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (f *fakeSearcher) queryLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type fakeLocator struct {
	lat, lon float64
	err      error
	block    bool
}

func (l *fakeLocator) Locate(ctx context.Context, opts LocateOptions) (float64, float64, error) {
	if l.block {
		<-ctx.Done()
		return 0, 0, ctx.Err()
	}
	return l.lat, l.lon, l.err
}

type eventRecorder struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (r *eventRecorder) record(e SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) all() []SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionEvent(nil), r.events...)
}

func (r *eventRecorder) notices() []Notice {
	var out []Notice
	for _, e := range r.all() {
		if e.Notice != nil {
			out = append(out, *e.Notice)
		}
	}
	return out
}

type testEngine struct {
	store    *fakeStore
	geocoder *fakeGeocoder
	searcher *fakeSearcher
	catalog  *PhotoCatalog
	session  *AssignmentSession
	events   *eventRecorder
}

func newTestEngine(t *testing.T, photos ...*models.Photo) *testEngine {
	t.Helper()

	e := &testEngine{
		store:    newFakeStore(photos...),
		geocoder: &fakeGeocoder{},
		searcher: newFakeSearcher(),
		events:   &eventRecorder{},
	}
	e.catalog = NewPhotoCatalog(e.store)
	require.NoError(t, e.catalog.Refresh(context.Background()))

	e.session = NewAssignmentSession(
		e.catalog,
		NewAddressResolver(e.geocoder),
		NewPlaceSearchService(e.searcher, 5),
		SessionOptions{GeolocationTimeout: time.Second},
	)
	e.session.Subscribe(e.events.record)
	t.Cleanup(func() {
		e.session.Close()
		e.session.Wait()
	})
	return e
}

// assertPartitions checks that located and unlocated agree with HasLocation
// and never overlap
func assertPartitions(t *testing.T, c *PhotoCatalog) {
	t.Helper()

	seen := make(map[string]bool)
	for _, p := range c.Located() {
		require.True(t, p.HasLocation(), "photo %s in located without coordinates", p.ID)
		seen[p.ID] = true
	}
	for _, p := range c.Unlocated() {
		require.False(t, p.HasLocation(), "photo %s in unlocated with coordinates", p.ID)
		require.False(t, seen[p.ID], "photo %s in both partitions", p.ID)
		seen[p.ID] = true
	}
	stats := c.Stats()
	require.Equal(t, stats.Total, len(seen))
	require.Equal(t, stats.Total, stats.Located+stats.Unlocated)
}

func ids(photos []*models.Photo) []string {
	out := make([]string, 0, len(photos))
	for _, p := range photos {
		out = append(out, p.ID)
	}
	return out
}
