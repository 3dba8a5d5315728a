package services

import "errors"

// Storage failures. PhotoStore errors wrap one of these or ErrInvalidUpload.
var (
	ErrNotFound     = errors.New("photo not found")
	ErrUnauthorized = errors.New("not authorized for photo")
	ErrServer       = errors.New("photo storage failed")
)

// ErrInvalidUpload rejects empty or non-image uploads
var ErrInvalidUpload = errors.New("invalid upload")

// Session validation failures
var (
	ErrNoTarget        = errors.New("no photo selected")
	ErrNoCandidate     = errors.New("no candidate location")
	ErrAlreadyLocated  = errors.New("photo already has a location")
	ErrInvalidLocation = errors.New("coordinates out of range")
	ErrNoSearchResult  = errors.New("no such search result")
	ErrCommitting      = errors.New("a location is being saved")
)

// Device location failures
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrLocateTimeout       = errors.New("location request timed out")
)

// Auth failures
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidAccount     = errors.New("invalid account details")
)
