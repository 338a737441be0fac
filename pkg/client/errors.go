package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrLimiterRequired is returned by New when no rate limiter is configured.
	ErrLimiterRequired = errors.New("rate limiter is required")
)

// ErrorClass represents a classification of API call failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx and other non-200 responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassContentType represents a 200 response whose payload is not
	// the expected kind, e.g. a JSON error body where a zip was requested.
	ErrorClassContentType ErrorClass = "content_type"

	// ErrorClassNetwork represents transport failures (no response).
	ErrorClassNetwork ErrorClass = "network"
)

// APIError describes a failed API call.
type APIError struct {
	StatusCode  int
	Class       ErrorClass
	ContentType string
	Message     string
	Err         error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("api %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("api %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsPersistable reports whether the failure came from a real API response
// and should be recorded in the response cache. Transport failures are not.
func (e *APIError) IsPersistable() bool {
	return e.Class != ErrorClassNetwork
}

// classifyStatus maps a non-200 status code to an ErrorClass.
func classifyStatus(status int) ErrorClass {
	if status >= 400 && status < 500 {
		return ErrorClassClient
	}
	return ErrorClassServer
}
