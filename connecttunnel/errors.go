package connecttunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProxyURL is returned when a dialer is configured with a
	// proxy URL it can not use.
	ErrInvalidProxyURL = errors.New("connecttunnel: invalid proxy URL")

	// ErrUnsupportedNetwork is returned when dialing anything but TCP.
	ErrUnsupportedNetwork = errors.New("connecttunnel: unsupported network")

	// ErrProxyConnect is returned when the proxy connection fails.
	ErrProxyConnect = errors.New("connecttunnel: proxy connection failed")
)

// ProxyError represents an error response from a proxy server.
type ProxyError struct {
	// StatusCode is the HTTP status code returned by the proxy.
	StatusCode int

	// Status is the HTTP status line (e.g., "403 Forbidden").
	Status string

	// Message is the start of the response body, if any.
	Message string
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("connecttunnel: proxy returned %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("connecttunnel: proxy returned %s", e.Status)
}

// Is implements error matching for ProxyError.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok
}
