// Package geocoding talks to a Nominatim-compatible geocoding API.
package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"geo-photo-backend/internal/models"

	"golang.org/x/time/rate"
)

// ErrNoAddress is returned when the provider has no place for the coordinates
var ErrNoAddress = errors.New("no address for coordinates")

// Options configures a NominatimClient
type Options struct {
	BaseURL           string
	UserAgent         string
	Language          string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// NominatimClient performs reverse and forward lookups against Nominatim
type NominatimClient struct {
	baseURL    string
	userAgent  string
	language   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewNominatimClient creates a new Nominatim client
func NewNominatimClient(opts Options) *NominatimClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &NominatimClient{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		language:  opts.Language,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

type searchResponse []struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
}

// Reverse returns the display name of the place at lat/lon
func (c *NominatimClient) Reverse(ctx context.Context, lat, lon float64) (string, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))

	var resp reverseResponse
	if err := c.get(ctx, "/reverse", params, &resp); err != nil {
		return "", err
	}

	if resp.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrNoAddress, resp.Error)
	}
	if resp.DisplayName == "" {
		return "", ErrNoAddress
	}

	return resp.DisplayName, nil
}

// Search returns up to limit places matching query in provider order
func (c *NominatimClient) Search(ctx context.Context, query string, limit int) ([]models.PlaceResult, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp searchResponse
	if err := c.get(ctx, "/search", params, &resp); err != nil {
		return nil, err
	}

	results := make([]models.PlaceResult, 0, len(resp))
	for _, r := range resp {
		lat, err := strconv.ParseFloat(r.Lat, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding latitude %q: %w", r.Lat, err)
		}
		lon, err := strconv.ParseFloat(r.Lon, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding longitude %q: %w", r.Lon, err)
		}
		results = append(results, models.PlaceResult{
			Label:     r.DisplayName,
			Latitude:  lat,
			Longitude: lon,
		})
	}

	return results, nil
}

func (c *NominatimClient) get(ctx context.Context, path string, params url.Values, out any) error {
	if c.language != "" {
		params.Set("accept-language", c.language)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("geocoding rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("building geocoding request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("geocoding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nominatim returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
