package services

import (
	"context"
	"strings"

	"geo-photo-backend/internal/models"
)

// PlaceSearcher runs forward geocoding queries
type PlaceSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]models.PlaceResult, error)
}

// PlaceSearchService returns candidate places for free text in provider order
type PlaceSearchService struct {
	searcher PlaceSearcher
	limit    int
}

// NewPlaceSearchService creates a new place search service
func NewPlaceSearchService(searcher PlaceSearcher, limit int) *PlaceSearchService {
	return &PlaceSearchService{searcher: searcher, limit: limit}
}

// Search returns matches for query, best first. A blank query returns no
// results without contacting the provider.
func (s *PlaceSearchService) Search(ctx context.Context, query string) ([]models.PlaceResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	results, err := s.searcher.Search(ctx, query, s.limit)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []models.PlaceResult{}
	}
	return results, nil
}
