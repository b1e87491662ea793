// Package kernerr defines the kernel-wide error vocabulary.
//
// Every leaf operation in the core returns one of these sentinel kinds
// (wrapped with additional context via fmt.Errorf's %w) rather than an
// ad-hoc string, so that callers can classify a failure with errors.Is
// instead of parsing messages.
package kernerr

import "errors"

// Sentinel error kinds.
var (
	ErrOutOfMemory    = errors.New("kernerr: out of memory")
	ErrInvalidArgument = errors.New("kernerr: invalid argument")
	ErrTimeout        = errors.New("kernerr: timeout")
	ErrDeviceError    = errors.New("kernerr: device error")
	ErrProtocolError  = errors.New("kernerr: protocol error")
	ErrUnsupported    = errors.New("kernerr: unsupported")
	ErrFatal          = errors.New("kernerr: fatal")
)

// Code classifies an error into one of the kernel's error kinds. It
// returns false if err does not wrap any known sentinel.
func Code(err error) (kind error, ok bool) {
	for _, k := range []error{
		ErrOutOfMemory,
		ErrInvalidArgument,
		ErrTimeout,
		ErrDeviceError,
		ErrProtocolError,
		ErrUnsupported,
		ErrFatal,
	} {
		if errors.Is(err, k) {
			return k, true
		}
	}

	return nil, false
}

// IsFatal reports whether err should be treated as unrecoverable (HSE,
// CR3 load failure, IDT load failure, command ring cycle-state sync
// failure, unmapped kernel page fault).
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
