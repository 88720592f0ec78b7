package core

import "errors"

var (
	// ErrInvalidCredentials is fatal: the coordinator does not accept this
	// worker's identity, so retrying cannot help.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRestartRequired is returned when an update needs the process to be
	// restarted before it can continue.
	ErrRestartRequired = errors.New("restart required")
)

// IsFatal reports whether err must stop the worker.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrRestartRequired)
}
