package server

import (
	"errors"
	"strings"
	"syscall"
)

// WSAEADDRINUSE is what Windows reports instead of EADDRINUSE
const wsaeAddrInUse = syscall.Errno(10048)

func isAddrInUseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, wsaeAddrInUse) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "only one usage of each socket address")
}
