package sftpclient

import (
	"context"
	"io"
	"net"
	"os"
	"time"
)

// Config - everything Connect needs, passed explicitly
type Config struct {
	// Address is host:port of the server
	Address    string
	Username   string
	Credential Credential
	// KnownHostsFile enables host key verification; empty accepts any key
	KnownHostsFile string
	// ConnectTimeout bounds dial, handshake, authentication and subsystem
	// start together; zero means no limit
	ConnectTimeout time.Duration
	// IOTimeout bounds each chunk read or write; zero means no limit
	IOTimeout time.Duration
	// ConnectRetries is the number of extra attempts made by ConnectWithRetry
	ConnectRetries int
}

// Credential - authentication method variant:
// PasswordAuth, PublicKeyAuth or AgentAuth
type Credential interface {
	credential()
}

// PasswordAuth - password (and keyboard-interactive) authentication
type PasswordAuth struct {
	Password string
}

// PublicKeyAuth - private key file, optionally passphrase protected
type PublicKeyAuth struct {
	KeyFile    string
	Passphrase string
}

// AgentAuth - keys held by a running ssh-agent. Empty Socket means
// $SSH_AUTH_SOCK.
type AgentAuth struct {
	Socket string
}

func (PasswordAuth) credential()  {}
func (PublicKeyAuth) credential() {}
func (AgentAuth) credential()     {}

// Dialer opens the transport socket.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Protocol creates secure sessions bound to a transport.
type Protocol interface {
	NewSession(transport net.Conn, cfg Config) (Session, error)
}

// Session is an SSH session in the making. Handshake, Authenticate and
// NewSubsession are called once each, in that order. Disconnect is safe at
// any point after NewSession returned.
type Session interface {
	Handshake(ctx context.Context) error
	Authenticate(ctx context.Context) error
	NewSubsession() (Subsession, error)
	Disconnect(reason string) error
}

// Subsession is the file transfer context on top of an authenticated session.
type Subsession interface {
	OpenFile(path string, flag int, perm os.FileMode) (RemoteFile, error)
	Close() error
}

// RemoteFile - an open remote handle. Write may report short writes.
type RemoteFile interface {
	io.Reader
	io.Writer
	io.Closer
}

// statter is implemented by remote handles able to report their size.
type statter interface {
	Stat() (os.FileInfo, error)
}
