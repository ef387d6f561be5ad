// Package simplesshd - a small ssh server exposing only the sftp subsystem,
// used as the counterpart of the transfer client in tests and demos
package simplesshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/rectcircle/sftpxfer/tools"
)

// Config - server settings. With an empty Username and Password every client
// is accepted without authentication.
type Config struct {
	Username string
	Password string
	// Root is the sftp working directory; relative remote paths resolve here
	Root string
	// HostKey overrides HostKeyPath
	HostKey ssh.Signer
	// HostKeyPath is read, or created with a fresh ed25519 key; empty means an
	// ephemeral key
	HostKeyPath string
	Log         *logrus.Entry
}

// Server - accepts ssh connections and serves sftp sessions
type Server struct {
	cfg       Config
	sshConfig *ssh.ServerConfig
	hostKey   ssh.Signer
	log       *logrus.Entry

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewServer - prepare host key and authentication
func NewServer(cfg Config) (*Server, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.WithField("component", "simplesshd")
	}
	signer := cfg.HostKey
	if signer == nil {
		var err error
		signer, err = loadHostKey(cfg.HostKeyPath)
		if err != nil {
			return nil, err
		}
	}

	config := &ssh.ServerConfig{}
	if cfg.Username == "" && cfg.Password == "" {
		config.NoClientAuth = true
	} else {
		config.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			userOK := subtle.ConstantTimeCompare([]byte(meta.User()), []byte(cfg.Username)) == 1
			passOK := subtle.ConstantTimeCompare(password, []byte(cfg.Password)) == 1
			if userOK && passOK {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		}
	}
	config.AddHostKey(signer)

	return &Server{
		cfg:       cfg,
		sshConfig: config,
		hostKey:   signer,
		log:       log,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe - start a server bound to `host:port` of TCP
func ListenAndServe(host string, port uint16, cfg Config) error {
	srv, err := NewServer(cfg)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", tools.ToAddressString(host, port))
	if err != nil {
		return err
	}
	return srv.Serve(listener)
}

// PublicKey - the host key clients will see
func (s *Server) PublicKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Serve accepts connections on l until Close is called.
func (s *Server) Serve(l net.Listener) error {
	if !s.track(l) {
		l.Close()
		return net.ErrClosed
	}
	defer s.untrack(l)
	s.log.WithField("address", l.Addr().String()).Info("ssh server started")

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}
		if !s.trackConn(conn) {
			conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops every listener, drops every connection and waits for the
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var errs []error
	for l := range s.listeners {
		errs = append(errs, tools.IgnoreClosed(l.Close()))
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) track(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrack(l net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// trackConn registers conn with the wait group unless the server is closed.
func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Before use, a handshake must be performed on the incoming net.Conn.
	sshConn, channels, requests, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		s.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Warn("handshake failed")
		return
	}
	log := s.log.WithFields(logrus.Fields{"remote": sshConn.RemoteAddr().String(), "user": sshConn.User()})
	log.WithField("client", string(sshConn.ClientVersion())).Info("new ssh connection")

	go ssh.DiscardRequests(requests)
	var sessions sync.WaitGroup
	for newChannel := range channels {
		if t := newChannel.ChannelType(); t != "session" {
			newChannel.Reject(ssh.UnknownChannelType, fmt.Sprintf("unknown channel type: %s", t))
			log.WithField("type", t).Warn("rejected channel")
			continue
		}
		sessions.Add(1)
		go func(ch ssh.NewChannel) {
			defer sessions.Done()
			s.handleSession(ch, log)
		}(newChannel)
	}
	sessions.Wait()
	log.Info("ssh connection closed")
}

// subsystemRequest - payload of a "subsystem" request, RFC 4254 section 6.5
type subsystemRequest struct {
	Name string
}

func (s *Server) handleSession(newChannel ssh.NewChannel, log *logrus.Entry) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		log.WithError(err).Warn("could not accept channel")
		return
	}
	defer channel.Close()

	// Sessions have out-of-band requests such as "shell", "pty-req" and "env";
	// only "subsystem sftp" is served.
	for req := range requests {
		if req.Type != "subsystem" {
			req.Reply(false, nil)
			continue
		}
		var sub subsystemRequest
		if err := ssh.Unmarshal(req.Payload, &sub); err != nil || sub.Name != "sftp" {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)
		go ssh.DiscardRequests(requests)
		s.serveSFTP(channel, log)
		return
	}
}

func (s *Server) serveSFTP(channel ssh.Channel, log *logrus.Entry) {
	var opts []sftp.ServerOption
	if s.cfg.Root != "" {
		opts = append(opts, sftp.WithServerWorkingDirectory(s.cfg.Root))
	}
	server, err := sftp.NewServer(channel, opts...)
	if err != nil {
		log.WithError(err).Error("sftp server init failed")
		return
	}
	defer server.Close()
	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		log.WithError(err).Warn("sftp session ended with error")
		return
	}
	log.Debug("sftp session closed")
}

func loadHostKey(path string) (ssh.Signer, error) {
	generate := func() ([]byte, error) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		block, err := ssh.MarshalPrivateKey(priv, "")
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(block), nil
	}
	var (
		content []byte
		err     error
	)
	if path == "" {
		content, err = generate()
	} else {
		content, err = tools.ReadOrCreateFile(path, generate)
	}
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	return ssh.ParsePrivateKey(content)
}
