package server

import (
	"fmt"
	"net"
	"strconv"
)

// PortInUseError indicates that the requested listen address is already occupied
type PortInUseError struct {
	Address string
	Err     error
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %s is already in use", e.Address)
}

func (e *PortInUseError) Unwrap() error {
	return e.Err
}

// listenLoopback binds host:port. When the port is taken and fallback > 0 the
// next fallback ports are tried in order. Port 0 lets the OS choose.
func listenLoopback(host string, port, fallback int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !isAddrInUseError(err) {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if port == 0 || fallback <= 0 {
		return nil, &PortInUseError{Address: addr, Err: err}
	}

	for i := 1; i <= fallback && port+i <= 65535; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, cerr := net.Listen("tcp", candidate)
		if cerr == nil {
			return ln, nil
		}
		if !isAddrInUseError(cerr) {
			// Unexpected error (e.g., permission denied). Try the next port regardless.
			continue
		}
	}
	return nil, &PortInUseError{Address: addr, Err: err}
}
