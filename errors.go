package remotefs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported by the core.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindPermissionDenied
	KindAlreadyExists
	KindDirectoryNotEmpty
	KindConnectionLost
	KindTimeout
	KindInvalidArgument
	KindAuthentication
	KindHostKey
	KindTransport
)

var kindNames = map[ErrorKind]string{
	KindUnknown:           "unknown",
	KindNotFound:          "not found",
	KindPermissionDenied:  "permission denied",
	KindAlreadyExists:     "already exists",
	KindDirectoryNotEmpty: "directory not empty",
	KindConnectionLost:    "connection lost",
	KindTimeout:           "timeout",
	KindInvalidArgument:   "invalid argument",
	KindAuthentication:    "authentication failed",
	KindHostKey:           "host key rejected",
	KindTransport:         "transport error",
}

// String returns the human readable kind.
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Phase names a step of establishing a transport.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseDial     Phase = "dial"
	PhaseBanner   Phase = "banner"
	PhaseAuth     Phase = "auth"
	PhaseChannel  Phase = "channel"
)

// TransportError reports a failure to establish a session. It is fatal to
// the attempt and never retried by the core.
type TransportError struct {
	Phase Phase
	Addr  string
	Kind  ErrorKind
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s %s failed (%s): %v", e.Addr, e.Phase, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// OpError reports a failed FileChannel operation.
type OpError struct {
	Op   string
	Path string
	Kind ErrorKind
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind carried by err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return tErr.Kind
	}
	switch {
	case errors.Is(err, ErrEmptyPassword),
		errors.Is(err, ErrInvalidDescriptor),
		errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrInvalidPath),
		errors.Is(err, ErrDescriptorConflict):
		return KindInvalidArgument
	case errors.Is(err, ErrSessionClosed):
		return KindConnectionLost
	}
	return KindUnknown
}

// IsConnectionLost reports whether err should trigger reconnection logic in
// the caller. No other kind should.
func IsConnectionLost(err error) bool {
	return KindOf(err) == KindConnectionLost
}
