package main

import (
	"errors"

	"github.com/deskshell/deskshell/internal/server"
	"github.com/deskshell/deskshell/internal/tlslocal"
)

// Exit codes let a launcher tell startup failures apart

const (
	// ExitCodeSuccess indicates normal program termination
	ExitCodeSuccess = 0

	// ExitCodeGeneralError indicates a generic error (default)
	ExitCodeGeneralError = 1

	// ExitCodePortConflict indicates the listen port is already in use
	ExitCodePortConflict = 2

	// ExitCodeCertificateError indicates the local certificate could not be provisioned
	ExitCodeCertificateError = 3

	// ExitCodeConfigError indicates configuration validation failed
	ExitCodeConfigError = 4
)

// configError marks failures loading or validating configuration
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var inUse *server.PortInUseError
	var cfgErr *configError
	switch {
	case err == nil:
		return ExitCodeSuccess
	case errors.As(err, &inUse):
		return ExitCodePortConflict
	case errors.Is(err, tlslocal.ErrProvisioning):
		return ExitCodeCertificateError
	case errors.As(err, &cfgErr):
		return ExitCodeConfigError
	default:
		return ExitCodeGeneralError
	}
}

// exitCodeDescription returns a human-readable description of the exit code
func exitCodeDescription(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "Success"
	case ExitCodeGeneralError:
		return "General error"
	case ExitCodePortConflict:
		return "Port conflict - address already in use"
	case ExitCodeCertificateError:
		return "Certificate provisioning failed"
	case ExitCodeConfigError:
		return "Configuration error"
	default:
		return "Unknown error"
	}
}
