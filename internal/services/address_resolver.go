package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// AddressUnavailable is shown when a reverse lookup fails
const AddressUnavailable = "address unavailable"

const addressCacheSize = 256

// ReverseGeocoder turns coordinates into a place name
type ReverseGeocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (string, error)
}

// AddressResolver produces display addresses for coordinates. Concurrent
// lookups of the same pair share one upstream request and successful names are
// cached. Callers discard stale answers with their own generation counters.
type AddressResolver struct {
	geocoder ReverseGeocoder
	group    singleflight.Group

	mu    sync.Mutex
	cache map[string]string
	order []string
}

// NewAddressResolver creates a new address resolver
func NewAddressResolver(geocoder ReverseGeocoder) *AddressResolver {
	return &AddressResolver{
		geocoder: geocoder,
		cache:    make(map[string]string),
	}
}

// addressKey rounds to six decimals, about 10cm
func addressKey(lat, lon float64) string {
	return fmt.Sprintf("%.6f,%.6f", lat, lon)
}

// Resolve returns the place name for lat/lon. On any failure it returns
// AddressUnavailable together with the cause.
func (r *AddressResolver) Resolve(ctx context.Context, lat, lon float64) (string, error) {
	key := addressKey(lat, lon)

	r.mu.Lock()
	if name, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return name, nil
	}
	r.mu.Unlock()

	// The shared lookup outlives any single caller's cancellation.
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return r.geocoder.Reverse(lookupCtx, lat, lon)
	})

	select {
	case <-ctx.Done():
		return AddressUnavailable, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			log.Debug().Err(res.Err).Str("coordinates", key).Msg("Reverse geocoding failed")
			return AddressUnavailable, res.Err
		}
		name, _ := res.Val.(string)
		if name == "" {
			return AddressUnavailable, errors.New("empty address")
		}
		r.remember(key, name)
		return name, nil
	}
}

func (r *AddressResolver) remember(key, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache[key]; ok {
		return
	}
	if len(r.order) >= addressCacheSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, oldest)
	}
	r.cache[key] = name
	r.order = append(r.order, key)
}
