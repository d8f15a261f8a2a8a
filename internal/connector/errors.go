package connector

import (
	"errors"
	"fmt"
)

// Kind classifies why a connect attempt failed.
type Kind int

const (
	// NoCredential: the descriptor had no password, key or key file.
	NoCredential Kind = iota + 1
	// KeyUnreadable: the selected key file could not be read.
	KeyUnreadable
	// TransportFailure: handshake, authentication or network error.
	TransportFailure
	// InvalidTarget: host or username missing.
	InvalidTarget
)

func (k Kind) String() string {
	switch k {
	case NoCredential:
		return "no credential"
	case KeyUnreadable:
		return "key unreadable"
	case TransportFailure:
		return "transport failure"
	case InvalidTarget:
		return "invalid target"
	default:
		return "unknown"
	}
}

var (
	ErrNoCredential  = errors.New("no authentication method specified (password or private key)")
	ErrKeyUnreadable = errors.New("failed to read private key file")
	ErrTransport     = errors.New("ssh transport failure")
	ErrInvalidTarget = errors.New("host and username are required")
)

// ConnectError is returned by Connect. errors.Is matches it against the
// sentinel of its Kind as well as the wrapped cause.
type ConnectError struct {
	Kind   Kind
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	switch e.Kind {
	case NoCredential:
		return ErrNoCredential.Error()
	case KeyUnreadable:
		return fmt.Sprintf("%v: %v", ErrKeyUnreadable, e.Err)
	case InvalidTarget:
		return fmt.Sprintf("%v (got %q)", ErrInvalidTarget, e.Target)
	default:
		return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
	}
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool {
	switch target {
	case ErrNoCredential:
		return e.Kind == NoCredential
	case ErrKeyUnreadable:
		return e.Kind == KeyUnreadable
	case ErrTransport:
		return e.Kind == TransportFailure
	case ErrInvalidTarget:
		return e.Kind == InvalidTarget
	}
	return false
}

// Retryable reports whether err may succeed on another attempt. Only
// transport failures qualify; credential problems never fix themselves.
func Retryable(err error) bool {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind == TransportFailure
	}
	return false
}
