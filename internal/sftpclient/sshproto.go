package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/rectcircle/sftpxfer/tools"
)

var errAborted = errors.New("session aborted before authentication")

// SSHProtocol - sessions over golang.org/x/crypto/ssh with the sftp
// subsystem from github.com/pkg/sftp
type SSHProtocol struct {
	SFTPOptions []sftp.ClientOption
}

// NewSession builds the client configuration for transport. It performs no
// I/O; a failure here means the configuration itself is unusable.
func (p SSHProtocol) NewSession(transport net.Conn, cfg Config) (Session, error) {
	if transport == nil {
		return nil, errors.New("nil transport")
	}
	if cfg.Username == "" {
		return nil, errors.New("empty username")
	}
	hostKeys, err := hostKeyCallback(cfg.KnownHostsFile)
	if err != nil {
		return nil, err
	}

	s := &sshSession{
		transport: transport,
		address:   cfg.Address,
		sftpOpts:  p.SFTPOptions,
		kex:       make(chan struct{}),
		gate:      make(chan struct{}),
		abort:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	auth, err := s.authMethods(cfg.Credential)
	if err != nil {
		s.closeAgent()
		return nil, err
	}
	s.config = &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: s.verifyHostKey(hostKeys),
	}
	return s, nil
}

func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("known hosts %s: %w", knownHostsFile, err)
	}
	return cb, nil
}

// sshSession splits ssh.NewClientConn into the handshake and authentication
// phases. The client connection is established in the background; every auth
// method callback blocks on gate until Authenticate opens it, so Handshake
// returns once the server host key has been accepted.
type sshSession struct {
	transport net.Conn
	address   string
	config    *ssh.ClientConfig
	sftpOpts  []sftp.ClientOption
	agentConn net.Conn

	started   bool
	hostKeyOK atomic.Bool
	kex       chan struct{}
	kexOnce   sync.Once
	gate      chan struct{}
	gateOnce  sync.Once
	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
	client    *ssh.Client
	connErr   error
}

func (s *sshSession) authMethods(c Credential) ([]ssh.AuthMethod, error) {
	switch c := c.(type) {
	case PasswordAuth:
		password := func() (string, error) {
			if err := s.waitGate(); err != nil {
				return "", err
			}
			return c.Password, nil
		}
		challenge := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			if err := s.waitGate(); err != nil {
				return nil, err
			}
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.PasswordCallback(password), ssh.KeyboardInteractive(challenge)}, nil
	case PublicKeyAuth:
		pem, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			if err := s.waitGate(); err != nil {
				return nil, err
			}
			return []ssh.Signer{signer}, nil
		})}, nil
	case AgentAuth:
		socket := c.Socket
		if socket == "" {
			socket = os.Getenv("SSH_AUTH_SOCK")
		}
		if socket == "" {
			return nil, errors.New("ssh agent: SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		s.agentConn = conn
		keyring := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			if err := s.waitGate(); err != nil {
				return nil, err
			}
			return keyring.Signers()
		})}, nil
	case nil:
		return nil, errors.New("no credential configured")
	default:
		return nil, fmt.Errorf("unsupported credential %T", c)
	}
}

func (s *sshSession) verifyHostKey(next ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := next(hostname, remote, key); err != nil {
			return err
		}
		s.hostKeyOK.Store(true)
		s.kexOnce.Do(func() { close(s.kex) })
		return nil
	}
}

func (s *sshSession) waitGate() error {
	select {
	case <-s.gate:
		return nil
	case <-s.abort:
		return errAborted
	}
}

func (s *sshSession) establish() {
	defer close(s.done)
	c, chans, reqs, err := ssh.NewClientConn(s.transport, s.address, s.config)
	if err != nil {
		s.connErr = err
		return
	}
	s.client = ssh.NewClient(c, chans, reqs)
}

// interrupt stops a background establish blocked on the network or the gate.
func (s *sshSession) interrupt() {
	s.abortOnce.Do(func() { close(s.abort) })
	select {
	case <-s.done:
	default:
		s.transport.Close()
		<-s.done
	}
}

func (s *sshSession) Handshake(ctx context.Context) error {
	if s.started {
		return errors.New("handshake already started")
	}
	s.started = true
	go s.establish()

	select {
	case <-s.kex:
		return nil
	case <-s.done:
		if s.hostKeyOK.Load() {
			// key exchange passed; Authenticate reports the failure
			return nil
		}
		return s.connErr
	case <-ctx.Done():
		s.interrupt()
		return ctx.Err()
	}
}

func (s *sshSession) Authenticate(ctx context.Context) error {
	if !s.started {
		return errors.New("authenticate before handshake")
	}
	s.gateOnce.Do(func() { close(s.gate) })
	select {
	case <-s.done:
		return s.connErr
	case <-ctx.Done():
		s.interrupt()
		return ctx.Err()
	}
}

func (s *sshSession) NewSubsession() (Subsession, error) {
	if s.client == nil {
		return nil, errors.New("session is not authenticated")
	}
	c, err := sftp.NewClient(s.client, s.sftpOpts...)
	if err != nil {
		return nil, err
	}
	return &sftpSubsession{client: c}, nil
}

// Disconnect closes the SSH client, which closes every open channel and then
// the transport. golang.org/x/crypto/ssh has no API for SSH_MSG_DISCONNECT, so
// reason is not sent to the server.
func (s *sshSession) Disconnect(reason string) error {
	var err error
	if s.started {
		s.interrupt()
		if s.client != nil {
			err = tools.IgnoreClosed(s.client.Close())
			s.client = nil
		}
	}
	return errors.Join(err, s.closeAgent())
}

func (s *sshSession) closeAgent() error {
	if s.agentConn == nil {
		return nil
	}
	err := s.agentConn.Close()
	s.agentConn = nil
	return err
}

type sftpSubsession struct {
	client *sftp.Client
}

// OpenFile opens path with os.O_* flags. perm is applied when the file is
// being created.
func (s *sftpSubsession) OpenFile(path string, flag int, perm os.FileMode) (RemoteFile, error) {
	f, err := s.client.OpenFile(path, flag)
	if err != nil {
		return nil, err
	}
	if flag&os.O_CREATE != 0 {
		if err := f.Chmod(perm); err != nil {
			f.Close()
			return nil, fmt.Errorf("chmod %o: %w", perm, err)
		}
	}
	return f, nil
}

func (s *sftpSubsession) Close() error {
	return s.client.Close()
}
