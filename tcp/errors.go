package tcp

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrMissingHost is returned when a request has no host to connect to.
	ErrMissingHost = errors.New("tcp: missing http host")

	// ErrNoAddresses is returned when a host resolved to no address.
	ErrNoAddresses = errors.New("tcp: no addresses for host")

	// ErrInvalidPort is returned for a port outside 1-65535.
	ErrInvalidPort = errors.New("tcp: invalid port")
)

// IsConnectionError reports whether err is the peer going away rather than a
// failure worth reporting: EOF, resets, aborts, broken pipes and use of a
// closed connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ENOTCONN):
		return true
	}
	return false
}
