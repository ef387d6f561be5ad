package sftpclient

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pkg/sftp"
)

// Error kinds. Match with errors.Is.
var (
	ErrTransport  = errors.New("transport error")
	ErrSession    = errors.New("session error")
	ErrHandshake  = errors.New("handshake error")
	ErrAuth       = errors.New("authentication error")
	ErrSubsession = errors.New("sftp subsession error")

	ErrRemoteOpen  = errors.New("remote open error")
	ErrRemoteRead  = errors.New("remote read error")
	ErrRemoteWrite = errors.New("remote write error")

	ErrLocalOpen   = errors.New("local open error")
	ErrLocalCreate = errors.New("local create error")
	ErrLocalRead   = errors.New("local read error")
	ErrLocalWrite  = errors.New("local write error")

	ErrTransferIncomplete = errors.New("transfer incomplete")
	ErrNotConnected       = errors.New("not connected")
)

// OpError - a failed connection or transfer step
type OpError struct {
	// Op is "connect", "upload" or "download"
	Op string
	// Kind is one of the Err* kinds above
	Kind error
	// Path is the address, local path or remote path involved
	Path string
	// Code is the SFTP status code reported by the server, 0 when none
	Code uint32
	Err  error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Path != "" {
		fmt.Fprintf(&b, " %q", e.Path)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (sftp code %d)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// TransferIncompleteError - the byte count differs from the expected size
// although no I/O step failed
type TransferIncompleteError struct {
	Op       string
	Path     string
	Expected int64
	Actual   int64
}

func (e *TransferIncompleteError) Error() string {
	return fmt.Sprintf("%s: %s %q: moved %d of %d bytes", e.Op, ErrTransferIncomplete, e.Path, e.Actual, e.Expected)
}

// Is - reports ErrTransferIncomplete
func (e *TransferIncompleteError) Is(target error) bool {
	return target == ErrTransferIncomplete
}

// SFTP status codes, RFC draft-ietf-secsh-filexfer-02 section 7.
const (
	CodeNoSuchFile       uint32 = 2
	CodePermissionDenied uint32 = 3
)

// RemoteCode returns the SFTP status code carried by err, or 0. An *OpError
// answers with its own Code, so local failures report 0. For a raw cause,
// github.com/pkg/sftp turns the no-such-file and permission-denied statuses
// into fs.ErrNotExist and fs.ErrPermission; those map back to their codes.
func RemoteCode(err error) uint32 {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code
	}
	var se *sftp.StatusError
	switch {
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, fs.ErrNotExist):
		return CodeNoSuchFile
	case errors.Is(err, fs.ErrPermission):
		return CodePermissionDenied
	}
	return 0
}
