package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

// ErrNotSupported is matched by errors returned from operations that the negotiated session cannot perform,
// either because the protocol version is too low, or the server did not advertise the extension.
var ErrNotSupported = errors.New("sftp: operation not supported")

// ErrSeekBeforeAppendFloor is returned when seeking an append-mode File to before its length at open.
var ErrSeekBeforeAppendFloor = errors.New("sftp: seek before start of append region")

// ErrTimeout is returned by synchronous operations that did not receive a response within the operation timeout.
// It also matches [context.DeadlineExceeded].
var ErrTimeout error = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string   { return "sftp: operation timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (timeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// VersionError is returned when the server answers the handshake with a protocol version this client cannot speak.
type VersionError struct {
	Got uint32
	Max uint32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("sftp: unsupported server protocol version %d, supported versions are 0 through %d", e.Got, e.Max)
}

// StatusError is a non-OK SSH_FXP_STATUS returned by the server for a single request.
//
// It matches [fs.ErrNotExist] for SSH_FX_NO_SUCH_FILE, [fs.ErrPermission] for SSH_FX_PERMISSION_DENIED,
// and [ErrNotSupported] for SSH_FX_OP_UNSUPPORTED.
// It unwraps to its sshfx.Status code.
type StatusError struct {
	Code     sshfx.Status
	Message  string
	Language string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return "sftp: " + e.Code.String()
	}

	return fmt.Sprintf("sftp: %s: %q", e.Code, e.Message)
}

// Is reports whether target is one of the portable errors corresponding to the status code.
func (e *StatusError) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e.Code == sshfx.StatusNoSuchFile || e.Code == sshfx.StatusNoSuchPath
	case fs.ErrPermission:
		return e.Code == sshfx.StatusPermissionDenied
	case fs.ErrExist:
		return e.Code == sshfx.StatusFileAlreadyExists
	case ErrNotSupported:
		return e.Code == sshfx.StatusOpUnsupported
	}

	if target, ok := target.(*StatusError); ok {
		return e.Code == target.Code
	}

	return false
}

// Unwrap returns the status code.
func (e *StatusError) Unwrap() error {
	return e.Code
}

// ProtocolViolationError reports a peer that broke the protocol:
// a response for an unknown request, a malformed frame, an unknown packet type,
// an unexpected response type, or a short read that cannot be reconciled.
type ProtocolViolationError struct {
	Reason string
	Err    error
}

func (e *ProtocolViolationError) Error() string {
	if e.Err == nil {
		return "sftp: protocol violation: " + e.Reason
	}

	return fmt.Sprintf("sftp: protocol violation: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolViolationError) Unwrap() error {
	return e.Err
}

func protocolViolation(err error, format string, args ...any) error {
	return &ProtocolViolationError{
		Reason: fmt.Sprintf(format, args...),
		Err:    err,
	}
}

// NotSupportedError is returned before any request is sent,
// when the negotiated session cannot perform the operation.
//
// It matches [ErrNotSupported], and sshfx.StatusOpUnsupported.
type NotSupportedError struct {
	Op string

	// Version is the negotiated protocol version, and MinVersion the version the operation requires.
	Version    uint32
	MinVersion uint32

	// Extension is the name of the required extension, if any.
	Extension string
}

func (e *NotSupportedError) Error() string {
	if e.Extension != "" && e.Version >= e.MinVersion {
		return fmt.Sprintf("sftp: %s: server did not advertise extension %q", e.Op, e.Extension)
	}

	return fmt.Sprintf("sftp: %s: requires protocol version %d, session negotiated version %d", e.Op, e.MinVersion, e.Version)
}

func (e *NotSupportedError) Is(target error) bool {
	return target == ErrNotSupported || target == sshfx.StatusOpUnsupported
}

func statusToError(status *sshfx.StatusPacket, okExpected bool) error {
	switch status.StatusCode {
	case sshfx.StatusOK:
		if !okExpected {
			return protocolViolation(nil, "unexpected %s", sshfx.StatusOK)
		}
		return nil

	case sshfx.StatusEOF:
		return io.EOF
	}

	return &StatusError{
		Code:     status.StatusCode,
		Message:  status.ErrorMessage,
		Language: status.LanguageTag,
	}
}

func wrapPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) {
		// Numerous odd things break if we don't return bare io.EOF errors.
		return io.EOF
	}

	return &fs.PathError{Op: op, Path: path, Err: err}
}

func wrapLinkError(op, oldpath, newpath string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) {
		return io.EOF
	}

	return &os.LinkError{Op: op, Old: oldpath, New: newpath, Err: err}
}
