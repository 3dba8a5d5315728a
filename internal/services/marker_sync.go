package services

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"geo-photo-backend/internal/models"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/maptile"
)

// Marker is one point on the map surface
type Marker struct {
	Key          string  `json:"key"`
	PhotoID      string  `json:"photo_id"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	Draggable    bool    `json:"draggable,omitempty"`
}

func (m Marker) point() orb.Point {
	return orb.Point{m.Longitude, m.Latitude}
}

// MarkerDiff lists the marker changes a surface has to apply. Markers that did
// not change are left out. A Candidate carrying the key of the current candidate
// marker updates it in place.
type MarkerDiff struct {
	Added            []Marker `json:"added,omitempty"`
	Moved            []Marker `json:"moved,omitempty"`
	Removed          []string `json:"removed,omitempty"`
	Candidate        *Marker  `json:"candidate,omitempty"`
	CandidateRemoved string   `json:"candidate_removed,omitempty"`
}

// Empty reports whether the diff changes nothing
func (d MarkerDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Moved) == 0 && len(d.Removed) == 0 &&
		d.Candidate == nil && d.CandidateRemoved == ""
}

// Cluster groups the markers that fall in one web-mercator tile
type Cluster struct {
	Key          string   `json:"key"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Count        int      `json:"count"`
	PhotoIDs     []string `json:"photo_ids"`
	RadiusMeters float64  `json:"radius_meters"`
}

// MarkerSynchronizer keeps located photos and the session candidate mapped to
// map markers. Photo markers are keyed by photo id so they survive unrelated
// updates; the candidate marker gets a new key on every candidate change.
type MarkerSynchronizer struct {
	session *AssignmentSession

	mu        sync.Mutex
	markers   map[string]Marker
	candidate *Marker
}

// NewMarkerSynchronizer creates a synchronizer that feeds drags back into session
func NewMarkerSynchronizer(session *AssignmentSession) *MarkerSynchronizer {
	return &MarkerSynchronizer{
		session: session,
		markers: make(map[string]Marker),
	}
}

func candidateKey(photoID string, version uint64) string {
	return fmt.Sprintf("candidate:%s:%d", photoID, version)
}

// Sync reconciles the marker set with the located photos and the session
// snapshot and returns what changed
func (m *MarkerSynchronizer) Sync(located []*models.Photo, snap SessionSnapshot) MarkerDiff {
	m.mu.Lock()
	defer m.mu.Unlock()

	var diff MarkerDiff
	seen := make(map[string]struct{}, len(located))

	for _, p := range located {
		if !p.HasLocation() {
			continue
		}
		next := Marker{
			Key:       p.ID,
			PhotoID:   p.ID,
			Latitude:  *p.Latitude,
			Longitude: *p.Longitude,
		}
		if p.ThumbnailURL != nil {
			next.ThumbnailURL = *p.ThumbnailURL
		}
		seen[p.ID] = struct{}{}

		prev, ok := m.markers[p.ID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, next)
		case prev != next:
			diff.Moved = append(diff.Moved, next)
		default:
			continue
		}
		m.markers[p.ID] = next
	}

	for key := range m.markers {
		if _, ok := seen[key]; !ok {
			diff.Removed = append(diff.Removed, key)
			delete(m.markers, key)
		}
	}
	sort.Strings(diff.Removed)

	var next *Marker
	if snap.Phase != PhaseIdle && snap.Candidate != nil {
		next = &Marker{
			Key:       candidateKey(snap.PhotoID, snap.CandidateVersion),
			PhotoID:   snap.PhotoID,
			Latitude:  snap.Candidate.Latitude,
			Longitude: snap.Candidate.Longitude,
			Draggable: snap.Phase == PhaseSelecting,
		}
	}

	switch {
	case m.candidate == nil && next == nil:
	case m.candidate != nil && next != nil && *m.candidate == *next:
	default:
		if m.candidate != nil && (next == nil || next.Key != m.candidate.Key) {
			diff.CandidateRemoved = m.candidate.Key
		}
		if next != nil {
			c := *next
			diff.Candidate = &c
		}
		m.candidate = next
	}

	return diff
}

// Markers returns every photo marker ordered by key
func (m *MarkerSynchronizer) Markers() []Marker {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Marker, 0, len(m.markers))
	for _, mk := range m.markers {
		out = append(out, mk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Candidate returns the candidate marker, if any
func (m *MarkerSynchronizer) Candidate() *Marker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.candidate == nil {
		return nil
	}
	c := *m.candidate
	return &c
}

// Clusters groups photo markers by tile at zoom. Each cluster reports its
// centroid and the distance to its farthest member.
func (m *MarkerSynchronizer) Clusters(zoom int) []Cluster {
	markers := m.Markers()
	z := maptile.Zoom(zoom)

	groups := make(map[maptile.Tile][]Marker)
	for _, mk := range markers {
		tile := maptile.At(mk.point(), z)
		groups[tile] = append(groups[tile], mk)
	}

	clusters := make([]Cluster, 0, len(groups))
	for tile, members := range groups {
		var sumLat, sumLon float64
		ids := make([]string, 0, len(members))
		for _, mk := range members {
			sumLat += mk.Latitude
			sumLon += mk.Longitude
			ids = append(ids, mk.PhotoID)
		}
		center := orb.Point{sumLon / float64(len(members)), sumLat / float64(len(members))}

		var radius float64
		for _, mk := range members {
			radius = math.Max(radius, geo.Distance(center, mk.point()))
		}

		clusters = append(clusters, Cluster{
			Key:          fmt.Sprintf("%d/%d/%d", tile.Z, tile.X, tile.Y),
			Latitude:     center.Lat(),
			Longitude:    center.Lon(),
			Count:        len(members),
			PhotoIDs:     ids,
			RadiusMeters: radius,
		})
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Key < clusters[j].Key })
	return clusters
}

// Bounds returns the box enclosing every photo marker and the candidate
func (m *MarkerSynchronizer) Bounds() (orb.Bound, bool) {
	m.mu.Lock()
	points := make(orb.MultiPoint, 0, len(m.markers)+1)
	for _, mk := range m.markers {
		points = append(points, mk.point())
	}
	if m.candidate != nil {
		points = append(points, m.candidate.point())
	}
	m.mu.Unlock()

	if len(points) == 0 {
		return orb.Bound{}, false
	}
	return points.Bound(), true
}

// DragEnd pushes the dropped candidate marker position back into the session
func (m *MarkerSynchronizer) DragEnd(key string, lat, lon float64) error {
	m.mu.Lock()
	current := m.candidate
	m.mu.Unlock()

	if current == nil || current.Key != key {
		return ErrNoCandidate
	}
	return m.session.SetCandidate(lat, lon, SourceMarkerDrag)
}

// MapClick makes the clicked position the candidate while a photo is selected.
// Clicks with no active session are ignored.
func (m *MarkerSynchronizer) MapClick(lat, lon float64) error {
	if m.session.Snapshot().Phase != PhaseSelecting {
		return nil
	}
	err := m.session.SetCandidate(lat, lon, SourceMapClick)
	if errors.Is(err, ErrNoTarget) {
		return nil
	}
	return err
}
