package sftpclient

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"
	"time"
)

// recorder - ordered log of release events shared by the fakes
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// fakeConn - a transport that only counts Close. Any other net.Conn method
// panics through the nil embedded interface.
type fakeConn struct {
	net.Conn
	rec    *recorder
	closes int
}

func (c *fakeConn) Close() error {
	c.closes++
	c.rec.add("transport.close")
	return nil
}

func (c *fakeConn) SetDeadline(time.Time) error { return nil }

type fakeDialer struct {
	rec *recorder
	// fails is the number of dials that fail before one succeeds
	fails int
	err   error
	dials int
	conns []*fakeConn
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.dials <= d.fails {
		return nil, d.err
	}
	c := &fakeConn{rec: d.rec}
	d.conns = append(d.conns, c)
	return c, nil
}

var errInjected = errors.New("injected failure")

// fakeProtocol - fails the step named by failAt: "session", "handshake",
// "auth" or "subsession"
type fakeProtocol struct {
	rec    *recorder
	failAt string
	remote *memRemote
}

func (p *fakeProtocol) NewSession(transport net.Conn, cfg Config) (Session, error) {
	if p.failAt == "session" {
		return nil, errInjected
	}
	return &fakeSession{p: p}, nil
}

type fakeSession struct {
	p           *fakeProtocol
	disconnects int
}

func (s *fakeSession) Handshake(ctx context.Context) error {
	if s.p.failAt == "handshake" {
		return errInjected
	}
	return nil
}

func (s *fakeSession) Authenticate(ctx context.Context) error {
	if s.p.failAt == "auth" {
		return errInjected
	}
	return nil
}

func (s *fakeSession) NewSubsession() (Subsession, error) {
	if s.p.failAt == "subsession" {
		return nil, errInjected
	}
	remote := s.p.remote
	if remote == nil {
		remote = newMemRemote()
	}
	return &fakeSub{rec: s.p.rec, remote: remote}, nil
}

func (s *fakeSession) Disconnect(reason string) error {
	s.disconnects++
	s.p.rec.add("session.disconnect:" + reason)
	return nil
}

type fakeSub struct {
	rec    *recorder
	remote *memRemote
}

func (s *fakeSub) OpenFile(path string, flag int, perm os.FileMode) (RemoteFile, error) {
	return s.remote.open(path, flag, perm)
}

func (s *fakeSub) Close() error {
	s.rec.add("sub.close")
	return nil
}

// memRemote - in-memory server side with fault injection
type memRemote struct {
	mu    sync.Mutex
	files map[string][]byte
	perms map[string]os.FileMode

	openErr map[string]error
	// writePattern caps successive Write calls, cycling; 0 is a zero byte write
	writePattern []int
	writeErr     error
	// writeErrAt is the offset at which writeErr is returned, -1 never
	writeErrAt int
	readErr    error
	// readErrAt is the offset at which readErr is returned, -1 never
	readErrAt int
	// zeroReadAt is the offset from which reads return (0, nil), -1 never
	zeroReadAt int
	closeErr   error
	// withStat adds Stat to opened handles; statSize overrides the size when >= 0
	withStat bool
	statSize int64

	writes int
}

func newMemRemote() *memRemote {
	return &memRemote{
		files:      make(map[string][]byte),
		perms:      make(map[string]os.FileMode),
		openErr:    make(map[string]error),
		writeErrAt: -1,
		readErrAt:  -1,
		zeroReadAt: -1,
		statSize:   -1,
	}
}

func (m *memRemote) content(path string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.files[path]...)
}

func (m *memRemote) open(path string, flag int, perm os.FileMode) (RemoteFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.openErr[path]; err != nil {
		return nil, err
	}
	if _, ok := m.files[path]; !ok {
		if flag&os.O_CREATE == 0 {
			return nil, fs.ErrNotExist
		}
		m.perms[path] = perm
	}
	if flag&os.O_TRUNC != 0 || m.files[path] == nil {
		m.files[path] = []byte{}
	}
	f := &memFile{m: m, path: path}
	if m.withStat {
		return &statFile{f}, nil
	}
	return f, nil
}

type memFile struct {
	m    *memRemote
	path string
	off  int
}

func (f *memFile) Write(p []byte) (int, error) {
	m := f.m
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(p)
	if len(m.writePattern) > 0 {
		n = min(n, m.writePattern[m.writes%len(m.writePattern)])
	}
	m.writes++
	size := len(m.files[f.path])
	if m.writeErrAt >= 0 && size+n > m.writeErrAt {
		n = max(m.writeErrAt-size, 0)
		m.files[f.path] = append(m.files[f.path], p[:n]...)
		return n, m.writeErr
	}
	m.files[f.path] = append(m.files[f.path], p[:n]...)
	return n, nil
}

func (f *memFile) Read(p []byte) (int, error) {
	m := f.m
	m.mu.Lock()
	defer m.mu.Unlock()
	data := m.files[f.path]
	if m.readErrAt >= 0 {
		if f.off >= m.readErrAt {
			return 0, m.readErr
		}
		data = data[:min(len(data), m.readErrAt)]
	}
	if m.zeroReadAt >= 0 && f.off >= m.zeroReadAt {
		return 0, nil
	}
	if m.zeroReadAt >= 0 {
		data = data[:min(len(data), m.zeroReadAt)]
	}
	if f.off >= len(data) {
		return 0, io.EOF
	}
	n := copy(p, data[f.off:])
	f.off += n
	return n, nil
}

func (f *memFile) Close() error {
	return f.m.closeErr
}

type statFile struct {
	*memFile
}

func (f *statFile) Stat() (os.FileInfo, error) {
	m := f.m
	m.mu.Lock()
	defer m.mu.Unlock()
	size := int64(len(m.files[f.path]))
	if m.statSize >= 0 {
		size = m.statSize
	}
	return memInfo{name: f.path, size: size}, nil
}

type memInfo struct {
	name string
	size int64
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) Mode() os.FileMode  { return 0644 }
func (i memInfo) ModTime() time.Time { return time.Time{} }
func (i memInfo) IsDir() bool        { return false }
func (i memInfo) Sys() any           { return nil }
