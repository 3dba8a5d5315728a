package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"geo-photo-backend/internal/models"

	"github.com/rs/zerolog/log"
)

// Phase is the assignment session state
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSelecting  Phase = "selecting"
	PhaseCommitting Phase = "committing"
)

// SearchStatus tells an empty result list apart from a failed search
type SearchStatus string

const (
	SearchNone    SearchStatus = ""
	SearchPending SearchStatus = "pending"
	SearchOK      SearchStatus = "ok"
	SearchEmpty   SearchStatus = "empty"
	SearchFailed  SearchStatus = "failed"
)

// NoticeKind classifies user-facing session messages
type NoticeKind string

const (
	NoticeTransient  NoticeKind = "transient"
	NoticeValidation NoticeKind = "validation"
	NoticePermission NoticeKind = "permission"
	NoticeNotFound   NoticeKind = "not_found"
	NoticeSuccess    NoticeKind = "success"
)

// Candidate sources
const (
	SourceMapClick       = "map click"
	SourceMarkerDrag     = "marker drag"
	SourceDeviceLocation = "current device location"
	SourceManualEntry    = "manual entry"
	searchSourcePrefix   = "search:"
)

// Notice is a dismissible message raised by a session transition
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable,omitempty"`
}

// SearchState is the latest applied place search
type SearchState struct {
	Query   string               `json:"query"`
	Status  SearchStatus         `json:"status,omitempty"`
	Results []models.PlaceResult `json:"results,omitempty"`
	Message string               `json:"message,omitempty"`
}

// SessionSnapshot is a copy of the session state
type SessionSnapshot struct {
	Phase            Phase             `json:"phase"`
	PhotoID          string            `json:"photo_id,omitempty"`
	Candidate        *models.Candidate `json:"candidate,omitempty"`
	CandidateVersion uint64            `json:"candidate_version"`
	Address          string            `json:"address,omitempty"`
	AddressPending   bool              `json:"address_pending,omitempty"`
	Search           SearchState       `json:"search"`
	Locating         bool              `json:"locating,omitempty"`
}

// SessionEvent is published after every visible session change
type SessionEvent struct {
	Snapshot SessionSnapshot
	Notice   *Notice
}

// SessionOptions configures device geolocation
type SessionOptions struct {
	GeolocationTimeout time.Duration
	HighAccuracy       bool
}

// AssignmentSession tracks the photo being located and its candidate
// coordinates. Asynchronous lookups carry the generation they were started
// with and are applied only if it is still current.
type AssignmentSession struct {
	catalog  *PhotoCatalog
	resolver *AddressResolver
	places   *PlaceSearchService
	opts     SessionOptions

	// notifyMu keeps change-then-emit in order across goroutines
	notifyMu sync.Mutex

	mu               sync.Mutex
	phase            Phase
	photoID          string
	candidate        *models.Candidate
	candidateVersion uint64
	address          string
	addressPending   bool
	search           SearchState
	locating         bool

	addressGen uint64
	searchGen  uint64
	locateGen  uint64
	epoch      uint64

	baseCtx      context.Context
	closeBase    context.CancelFunc
	lookupCtx    context.Context
	cancelLookup context.CancelFunc

	subMu       sync.Mutex
	subscribers map[int]func(SessionEvent)
	nextSubID   int

	unsubscribe func()
	wg          sync.WaitGroup
}

// NewAssignmentSession creates an idle session and subscribes it to catalog
// changes so a deleted target ends the session
func NewAssignmentSession(catalog *PhotoCatalog, resolver *AddressResolver, places *PlaceSearchService, opts SessionOptions) *AssignmentSession {
	baseCtx, closeBase := context.WithCancel(context.Background())
	lookupCtx, cancelLookup := context.WithCancel(baseCtx)

	s := &AssignmentSession{
		catalog:      catalog,
		resolver:     resolver,
		places:       places,
		opts:         opts,
		phase:        PhaseIdle,
		baseCtx:      baseCtx,
		closeBase:    closeBase,
		lookupCtx:    lookupCtx,
		cancelLookup: cancelLookup,
		subscribers:  make(map[int]func(SessionEvent)),
	}
	s.unsubscribe = catalog.Subscribe(s.onCatalogChange)
	return s
}

// Subscribe registers fn for session events and returns a function that
// removes it
func (s *AssignmentSession) Subscribe(fn func(SessionEvent)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *AssignmentSession) emit(event SessionEvent) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(SessionEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subscribers[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// apply runs fn under the session lock and emits the resulting snapshot when
// fn changed state or raised a notice
func (s *AssignmentSession) apply(fn func() (bool, *Notice, error)) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed, notice, err := fn()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if changed || notice != nil {
		s.emit(SessionEvent{Snapshot: snapshot, Notice: notice})
	}
	return err
}

// Snapshot returns a copy of the current state
func (s *AssignmentSession) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *AssignmentSession) snapshotLocked() SessionSnapshot {
	snap := SessionSnapshot{
		Phase:            s.phase,
		PhotoID:          s.photoID,
		CandidateVersion: s.candidateVersion,
		Address:          s.address,
		AddressPending:   s.addressPending,
		Search:           s.search,
		Locating:         s.locating,
	}
	if s.candidate != nil {
		c := *s.candidate
		snap.Candidate = &c
	}
	if s.search.Results != nil {
		snap.Search.Results = append([]models.PlaceResult(nil), s.search.Results...)
	}
	return snap
}

// resetLocked returns to idle and abandons every outstanding request
func (s *AssignmentSession) resetLocked() {
	s.phase = PhaseIdle
	s.photoID = ""
	s.candidate = nil
	s.address = ""
	s.addressPending = false
	s.search = SearchState{}
	s.locating = false

	s.addressGen++
	s.searchGen++
	s.locateGen++
	s.epoch++

	s.cancelLookup()
	s.lookupCtx, s.cancelLookup = context.WithCancel(s.baseCtx)
}

// SelectPhoto starts a session for an unlocated photo, discarding any previous
// session. It is rejected while a commit is in flight.
func (s *AssignmentSession) SelectPhoto(photoID string) error {
	return s.apply(func() (bool, *Notice, error) {
		if s.phase == PhaseCommitting {
			return false, &Notice{Kind: NoticeValidation, Message: "Saving the current location, try again in a moment."}, ErrCommitting
		}

		photo, ok := s.catalog.Get(photoID)
		if !ok {
			return false, &Notice{Kind: NoticeNotFound, Message: "This photo no longer exists."}, ErrNotFound
		}
		if photo.HasLocation() {
			return false, &Notice{Kind: NoticeValidation, Message: "This photo already has a location."}, ErrAlreadyLocated
		}

		s.resetLocked()
		s.phase = PhaseSelecting
		s.photoID = photoID
		return true, nil, nil
	})
}

// SetCandidate replaces the candidate location and starts an address lookup
// for it. Calls while committing are ignored.
func (s *AssignmentSession) SetCandidate(lat, lon float64, source string) error {
	return s.apply(func() (bool, *Notice, error) {
		switch s.phase {
		case PhaseCommitting:
			return false, nil, nil
		case PhaseIdle:
			return false, nil, ErrNoTarget
		}
		if err := ValidateCoordinates(lat, lon); err != nil {
			return false, &Notice{Kind: NoticeValidation, Message: "Coordinates are out of range."}, err
		}

		s.setCandidateLocked(lat, lon, source)
		return true, nil, nil
	})
}

func (s *AssignmentSession) setCandidateLocked(lat, lon float64, source string) {
	s.candidate = &models.Candidate{Latitude: lat, Longitude: lon, Source: source}
	s.candidateVersion++
	s.addressGen++
	s.address = ""
	s.addressPending = true

	gen := s.addressGen
	ctx := s.lookupCtx
	s.wg.Add(1)
	go s.lookupAddress(ctx, gen, lat, lon)
}

func (s *AssignmentSession) lookupAddress(ctx context.Context, gen uint64, lat, lon float64) {
	defer s.wg.Done()

	name, err := s.resolver.Resolve(ctx, lat, lon)
	if err != nil && ctx.Err() != nil {
		return
	}

	_ = s.apply(func() (bool, *Notice, error) {
		if gen != s.addressGen {
			return false, nil, nil
		}
		s.address = name
		s.addressPending = false
		return true, nil, nil
	})
}

// Search runs a place search for the session. A newer search supersedes one
// still in flight and a blank query clears the results.
func (s *AssignmentSession) Search(query string) error {
	return s.apply(func() (bool, *Notice, error) {
		if s.phase != PhaseSelecting {
			return false, nil, ErrNoTarget
		}

		s.searchGen++
		query = strings.TrimSpace(query)
		if query == "" {
			s.search = SearchState{}
			return true, nil, nil
		}

		s.search = SearchState{Query: query, Status: SearchPending}
		gen := s.searchGen
		ctx := s.lookupCtx
		s.wg.Add(1)
		go s.runSearch(ctx, gen, query)
		return true, nil, nil
	})
}

func (s *AssignmentSession) runSearch(ctx context.Context, gen uint64, query string) {
	defer s.wg.Done()

	results, err := s.places.Search(ctx, query)
	if err != nil && ctx.Err() != nil {
		return
	}

	_ = s.apply(func() (bool, *Notice, error) {
		if gen != s.searchGen {
			return false, nil, nil
		}
		switch {
		case err != nil:
			log.Debug().Err(err).Str("query", query).Msg("Place search failed")
			s.search = SearchState{Query: query, Status: SearchFailed, Message: "Search failed. Try again."}
			return true, &Notice{Kind: NoticeTransient, Message: "Search failed. Try again.", Retryable: true}, nil
		case len(results) == 0:
			s.search = SearchState{Query: query, Status: SearchEmpty, Results: []models.PlaceResult{}, Message: "No places found."}
		default:
			s.search = SearchState{Query: query, Status: SearchOK, Results: results}
		}
		return true, nil, nil
	})
}

// PickSearchResult makes the index-th search result the candidate
func (s *AssignmentSession) PickSearchResult(index int) error {
	return s.apply(func() (bool, *Notice, error) {
		switch s.phase {
		case PhaseCommitting:
			return false, nil, nil
		case PhaseIdle:
			return false, nil, ErrNoTarget
		}
		if s.search.Status != SearchOK || index < 0 || index >= len(s.search.Results) {
			return false, nil, ErrNoSearchResult
		}

		result := s.search.Results[index]
		s.setCandidateLocked(result.Latitude, result.Longitude, searchSourcePrefix+result.Label)
		return true, nil, nil
	})
}

// UseDeviceLocation asks locator for the device position once and makes it the
// candidate. Failures raise a permission notice and keep the session selecting.
func (s *AssignmentSession) UseDeviceLocation(locator DeviceLocator) error {
	return s.apply(func() (bool, *Notice, error) {
		switch s.phase {
		case PhaseCommitting:
			return false, nil, nil
		case PhaseIdle:
			return false, nil, ErrNoTarget
		}

		s.locateGen++
		s.locating = true
		gen := s.locateGen
		ctx := s.lookupCtx
		s.wg.Add(1)
		go s.locate(ctx, gen, locator)
		return true, nil, nil
	})
}

func (s *AssignmentSession) locate(ctx context.Context, gen uint64, locator DeviceLocator) {
	defer s.wg.Done()

	timeout := s.opts.GeolocationTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	locateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lat, lon, err := locator.Locate(locateCtx, LocateOptions{HighAccuracy: s.opts.HighAccuracy, Timeout: timeout})
	if err == nil {
		err = ValidateCoordinates(lat, lon)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrPositionUnavailable, err)
		}
	}
	if err != nil && errors.Is(locateCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrLocateTimeout, err)
	}
	if err != nil && ctx.Err() != nil {
		return
	}

	_ = s.apply(func() (bool, *Notice, error) {
		if gen != s.locateGen {
			return false, nil, nil
		}
		s.locating = false
		if err != nil {
			return true, &Notice{Kind: NoticePermission, Message: locateMessage(err), Retryable: true}, nil
		}
		if s.phase != PhaseSelecting {
			return true, nil, nil
		}
		s.setCandidateLocked(lat, lon, SourceDeviceLocation)
		return true, nil, nil
	})
}

// Cancel ends the session. It is ignored while a commit is in flight.
func (s *AssignmentSession) Cancel() {
	_ = s.apply(func() (bool, *Notice, error) {
		if s.phase != PhaseSelecting {
			return false, nil, nil
		}
		s.resetLocked()
		return true, nil, nil
	})
}

// Confirm persists the candidate for the target photo. The commit runs in the
// background; its outcome is published as a session event. A second Confirm
// while committing is ignored.
func (s *AssignmentSession) Confirm(ctx context.Context) error {
	var (
		photoID   string
		candidate models.Candidate
		epoch     uint64
	)

	err := s.apply(func() (bool, *Notice, error) {
		switch s.phase {
		case PhaseCommitting:
			return false, nil, nil
		case PhaseIdle:
			return false, &Notice{Kind: NoticeValidation, Message: "Select a photo first."}, ErrNoTarget
		}
		if s.candidate == nil {
			return false, &Notice{Kind: NoticeValidation, Message: "Pick a location before confirming."}, ErrNoCandidate
		}

		s.phase = PhaseCommitting
		photoID = s.photoID
		candidate = *s.candidate
		epoch = s.epoch
		s.wg.Add(1)
		return true, nil, nil
	})
	if err != nil || photoID == "" {
		return err
	}

	go s.commit(ctx, epoch, photoID, candidate)
	return nil
}

func (s *AssignmentSession) commit(ctx context.Context, epoch uint64, photoID string, candidate models.Candidate) {
	defer s.wg.Done()

	photo, err := s.catalog.CommitLocation(ctx, photoID, candidate.Latitude, candidate.Longitude)

	_ = s.apply(func() (bool, *Notice, error) {
		if epoch != s.epoch || s.phase != PhaseCommitting {
			return false, nil, nil
		}

		switch {
		case err == nil:
			log.Info().
				Str("photo_id", photoID).
				Str("source", candidate.Source).
				Msg("Photo location assigned")
			s.resetLocked()
			return true, &Notice{Kind: NoticeSuccess, Message: fmt.Sprintf("Location saved for %s.", photo.FileName)}, nil
		case errors.Is(err, ErrNotFound):
			s.resetLocked()
			return true, &Notice{Kind: NoticeNotFound, Message: "This photo no longer exists."}, nil
		default:
			log.Warn().Err(err).Str("photo_id", photoID).Msg("Failed to save photo location")
			s.phase = PhaseSelecting
			return true, &Notice{Kind: NoticeTransient, Message: "Saving the location failed. Try again.", Retryable: true}, nil
		}
	})
}

func (s *AssignmentSession) onCatalogChange(change CatalogChange) {
	_ = s.apply(func() (bool, *Notice, error) {
		if s.phase == PhaseIdle || !change.Affects(s.photoID) {
			return false, nil, nil
		}

		photo, ok := s.catalog.Get(s.photoID)
		switch {
		case !ok:
			s.resetLocked()
			return true, &Notice{Kind: NoticeNotFound, Message: "The photo you were locating was deleted."}, nil
		case photo.HasLocation() && s.phase == PhaseSelecting:
			s.resetLocked()
			return true, &Notice{Kind: NoticeValidation, Message: "This photo already has a location."}, nil
		}
		return false, nil, nil
	})
}

// Wait blocks until every lookup and commit started by the session finished
func (s *AssignmentSession) Wait() {
	s.wg.Wait()
}

// Close detaches the session from the catalog and abandons outstanding work
func (s *AssignmentSession) Close() {
	s.unsubscribe()
	s.closeBase()
}
