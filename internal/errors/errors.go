package errors

import "errors"

// Replica errors.
var (
	ErrReplicaNotReady = errors.New("replica not initialized")
	ErrReplicaLocked   = errors.New("replica key does not match stored key")
)

// Server/transport errors.
var (
	ErrNotConnected = errors.New("push transport not connected")
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
)

// Status endpoint errors.
var (
	ErrInvalidAPIKey = errors.New("invalid API key")
)
