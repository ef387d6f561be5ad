package sftpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/rectcircle/sftpxfer/internal/variable"
	"github.com/rectcircle/sftpxfer/tools"
)

// Connection - transport, secure session and sftp sub-session as one unit.
// Only Connect creates one and it is either fully valid or not returned at
// all. A Connection is used by one goroutine at a time.
type Connection struct {
	transport net.Conn
	session   Session
	sub       Subsession
	connected bool

	cfg Config
	log *logrus.Entry
}

// Connector - dials and sets up Connections. The zero value uses net.Dialer,
// SSHProtocol and the standard logger.
type Connector struct {
	Dialer   Dialer
	Protocol Protocol
	Log      *logrus.Entry
	// NewBackOff returns the retry policy of ConnectWithRetry
	NewBackOff func() backoff.BackOff
}

// Connect - set up a Connection with the default Connector
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	return (&Connector{}).Connect(ctx, cfg)
}

// ConnectWithRetry - set up a Connection with the default Connector, retrying
// up to cfg.ConnectRetries times
func ConnectWithRetry(ctx context.Context, cfg Config) (*Connection, error) {
	return (&Connector{}).ConnectWithRetry(ctx, cfg)
}

func (c *Connector) dialer() Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return &net.Dialer{}
}

func (c *Connector) protocol() Protocol {
	if c.Protocol != nil {
		return c.Protocol
	}
	return SSHProtocol{}
}

func (c *Connector) logger() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logrus.WithField("component", "sftp")
}

func (c *Connector) backOff() backoff.BackOff {
	if c.NewBackOff != nil {
		return c.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

// Connect performs the six setup steps. On failure every resource acquired so
// far is released once, in reverse order, and the error is an *OpError whose
// Kind names the failed step.
func (c *Connector) Connect(ctx context.Context, cfg Config) (conn *Connection, err error) {
	log := c.logger().WithFields(logrus.Fields{"address": cfg.Address, "user": cfg.Username})
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pending := &Connection{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			if rerr := pending.release(); rerr != nil {
				log.WithError(rerr).Warn("release after failed connect")
			}
			log.WithError(err).Error("sftp connection failed")
		}
	}()
	fail := func(kind error, cause error) error {
		return &OpError{Op: "connect", Kind: kind, Path: cfg.Address, Err: cause}
	}

	// 1. transport
	transport, err := c.dialer().DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fail(ErrTransport, err)
	}
	transport = &deadlineConn{Conn: transport}
	pending.transport = transport
	if deadline, ok := ctx.Deadline(); ok {
		transport.SetDeadline(deadline)
	}
	// Cancellation unblocks whatever step is reading or writing the socket.
	stop := context.AfterFunc(ctx, func() { transport.SetDeadline(time.Now()) })
	defer stop()

	// 2. library state: nothing to initialise, see package doc

	// 3. session bound to the transport
	session, err := c.protocol().NewSession(transport, cfg)
	if err != nil {
		return nil, fail(ErrSession, err)
	}
	pending.session = session

	// 4. handshake
	if err := session.Handshake(ctx); err != nil {
		return nil, fail(ErrHandshake, err)
	}
	log.Debug("ssh handshake done")

	// 5. authentication
	if err := session.Authenticate(ctx); err != nil {
		return nil, fail(ErrAuth, err)
	}
	log.Debug("ssh authentication done")

	// 6. sftp sub-session
	sub, err := session.NewSubsession()
	if err != nil {
		return nil, fail(ErrSubsession, err)
	}
	pending.sub = sub

	if !stop() {
		return nil, fail(ErrSubsession, context.Cause(ctx))
	}
	transport.SetDeadline(time.Time{})
	pending.connected = true
	log.Info("sftp connection established")
	return pending, nil
}

// ConnectWithRetry calls Connect up to cfg.ConnectRetries extra times with
// exponential backoff. Session and authentication failures are not retried.
func (c *Connector) ConnectWithRetry(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.ConnectRetries <= 0 {
		return c.Connect(ctx, cfg)
	}
	log := c.logger().WithField("address", cfg.Address)
	policy := backoff.WithContext(backoff.WithMaxRetries(c.backOff(), uint64(cfg.ConnectRetries)), ctx)

	var conn *Connection
	attempt := func() error {
		var err error
		conn, err = c.Connect(ctx, cfg)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("connect failed, retrying")
	}
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func retryable(err error) bool {
	return !errors.Is(err, ErrAuth) && !errors.Is(err, ErrSession) &&
		!errors.Is(err, context.Canceled)
}

// Connected - whether the connection can carry transfers
func (c *Connection) Connected() bool {
	return c != nil && c.connected
}

// Disconnect releases the sub-session, the session and the transport, in that
// order. Every field is checked before release and cleared after, so calling
// it on an already released Connection does nothing. When an I/O deadline
// already killed the transport, teardown errors are logged and not returned.
func (c *Connection) Disconnect() error {
	if c == nil {
		return nil
	}
	wasConnected := c.connected
	timedOut := c.timedOut()
	err := c.release()
	if err != nil && timedOut {
		c.log.WithError(err).Debug("teardown of timed out transport")
		err = nil
	}
	if wasConnected {
		if err != nil {
			c.log.WithError(err).Warn("sftp connection closed with errors")
		} else {
			c.log.Info("sftp connection closed")
		}
	}
	return err
}

func (c *Connection) release() error {
	var errs []error
	c.connected = false
	if c.sub != nil {
		if err := c.sub.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, tools.IgnoreClosed(err))
		}
		c.sub = nil
	}
	if c.session != nil {
		errs = append(errs, c.session.Disconnect(variable.DisconnectReason))
		c.session = nil
	}
	if c.transport != nil {
		errs = append(errs, tools.IgnoreClosed(c.transport.Close()))
		c.transport = nil
	}
	return errors.Join(errs...)
}

// armDeadline bounds the next chunk operation by IOTimeout.
func (c *Connection) armDeadline() {
	if c.cfg.IOTimeout > 0 && c.transport != nil {
		c.transport.SetDeadline(time.Now().Add(c.cfg.IOTimeout))
	}
}

func (c *Connection) disarmDeadline() {
	if c.cfg.IOTimeout > 0 && c.transport != nil {
		c.transport.SetDeadline(time.Time{})
	}
}

// timedOut reports whether a transport read or write hit its deadline. The
// ssh layer closes the link after that, whatever error the sftp layer shows.
func (c *Connection) timedOut() bool {
	dc, ok := c.transport.(*deadlineConn)
	return ok && dc.expired.Load()
}

// deadlineConn remembers that an I/O deadline expired on the transport.
type deadlineConn struct {
	net.Conn
	expired atomic.Bool
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.observe(err)
	return n, err
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.observe(err)
	return n, err
}

func (c *deadlineConn) observe(err error) {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		c.expired.Store(true)
	}
}
