package services

import (
	"context"
	"errors"
	"time"
)

// LocateOptions is passed to the device for a single position fix
type LocateOptions struct {
	HighAccuracy bool          `json:"high_accuracy"`
	Timeout      time.Duration `json:"-"`
}

// DeviceLocator asks the user's device for its current position once. Failures
// wrap ErrPermissionDenied, ErrPositionUnavailable or ErrLocateTimeout.
type DeviceLocator interface {
	Locate(ctx context.Context, opts LocateOptions) (lat, lon float64, err error)
}

// locateMessage is the user-facing text for a device location failure
func locateMessage(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Location access was denied. Allow location permission and try again."
	case errors.Is(err, ErrLocateTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Getting your location took too long. Try again or pick a place on the map."
	default:
		return "Your current position is unavailable. Pick a place on the map instead."
	}
}
