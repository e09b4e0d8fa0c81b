package remotefs

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/sftp"
)

// SFTP v3+ status codes not exported by pkg/sftp.
const (
	fxNoSuchFile        = 2
	fxPermissionDenied  = 3
	fxNoConnection      = 6
	fxConnectionLost    = 7
	fxFileAlreadyExists = 11
	fxNoSuchPath        = 10
	fxDirNotEmpty       = 18
)

// connectionLostMessages are fragments of transport errors that mean the
// session is gone.
var connectionLostMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"use of closed network connection",
	"ssh: disconnect",
	"sftp: connection lost",
	"client closed",
	"io: read/write on closed pipe",
}

// classify maps an error returned by the SFTP stack to an ErrorKind.
func classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case fxNoSuchFile, fxNoSuchPath:
			return KindNotFound
		case fxPermissionDenied:
			return KindPermissionDenied
		case fxFileAlreadyExists:
			return KindAlreadyExists
		case fxDirNotEmpty:
			return KindDirectoryNotEmpty
		case fxNoConnection, fxConnectionLost:
			return KindConnectionLost
		}
	}

	switch {
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, sftp.ErrSSHFxNoConnection):
		return KindConnectionLost
	case errors.Is(err, syscall.ENOTEMPTY):
		// Checked before os.ErrExist, which ENOTEMPTY also matches.
		return KindDirectoryNotEmpty
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, os.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return KindConnectionLost
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range connectionLostMessages {
		if strings.Contains(msg, frag) {
			return KindConnectionLost
		}
	}
	if strings.Contains(msg, "i/o timeout") {
		return KindTimeout
	}

	return KindUnknown
}

// opError wraps err into an *OpError, keeping an existing classification.
func opError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) {
		return err
	}
	return &OpError{Op: op, Path: p, Kind: classify(err), Err: err}
}
