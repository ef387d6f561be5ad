package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/rectcircle/sftpxfer/internal/storage"
	"github.com/rectcircle/sftpxfer/internal/variable"
)

// maxStalledWrites - consecutive zero byte writes tolerated before a chunk is
// declared stuck
const maxStalledWrites = 16

var errInvalidWrite = errors.New("invalid write result")

// Progress - state of one transfer after a chunk
type Progress struct {
	Path        string
	Transferred int64
	// Total is -1 when the size is not known up front (downloads)
	Total int64
	// Percent is floor(100*Transferred/Total), -1 when Total is unknown or 0
	Percent int
}

// ProgressFunc - called after every chunk
type ProgressFunc func(Progress)

// Engine - moves files between local storage and a Connection in ChunkSize
// pieces
type Engine struct {
	// Storage holds the local files, the host filesystem when nil
	Storage *storage.Storage
	// OnProgress is optional
	OnProgress ProgressFunc
	Log        *logrus.Entry
	// Yield runs after every chunk so other goroutines get the processor,
	// runtime.Gosched when nil
	Yield func()
}

// NewEngine - engine over store
func NewEngine(store *storage.Storage, log *logrus.Entry) *Engine {
	return &Engine{Storage: store, Log: log}
}

func (e *Engine) storage() *storage.Storage {
	if e.Storage != nil {
		return e.Storage
	}
	return storage.NewOS("")
}

func (e *Engine) logger() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logrus.WithField("component", "transfer")
}

func (e *Engine) yield() {
	if e.Yield != nil {
		e.Yield()
		return
	}
	runtime.Gosched()
}

func (e *Engine) report(p Progress) {
	if e.OnProgress != nil {
		e.OnProgress(p)
	}
}

// Upload streams localPath to remotePath, creating or truncating the remote
// file with mode 0644. It returns the number of bytes sent. The upload only
// succeeds when that number equals the local size measured before the first
// chunk; otherwise the error is a *TransferIncompleteError.
func (e *Engine) Upload(ctx context.Context, conn *Connection, localPath, remotePath string) (sent int64, err error) {
	const op = "upload"
	if !conn.Connected() {
		return 0, &OpError{Op: op, Kind: ErrNotConnected, Path: remotePath}
	}
	log := e.logger().WithFields(logrus.Fields{"local": localPath, "remote": remotePath})

	local, err := e.storage().Open(localPath)
	if err != nil {
		log.WithError(err).Error("failed to open local file")
		return 0, &OpError{Op: op, Kind: ErrLocalOpen, Path: localPath, Err: err}
	}
	defer local.Close()

	size, err := local.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = local.Seek(0, io.SeekStart)
	}
	if err != nil {
		return 0, &OpError{Op: op, Kind: ErrLocalOpen, Path: localPath, Err: fmt.Errorf("probe size: %w", err)}
	}
	log.WithField("size", size).Info("uploading")

	defer conn.disarmDeadline()
	conn.armDeadline()
	remote, err := conn.sub.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, variable.RemoteFileMode)
	if err != nil {
		code := RemoteCode(err)
		log.WithError(err).WithField("code", code).Error("failed to open remote file")
		return 0, &OpError{Op: op, Kind: ErrRemoteOpen, Path: remotePath, Code: code, Err: err}
	}
	defer func() {
		conn.armDeadline()
		if cerr := remote.Close(); cerr != nil && err == nil {
			err = &OpError{Op: op, Kind: ErrRemoteWrite, Path: remotePath, Code: RemoteCode(cerr), Err: cerr}
		}
	}()

	buf := make([]byte, variable.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return sent, fmt.Errorf("%s %q: %w", op, remotePath, err)
		}
		n, rerr := local.Read(buf)
		if n > 0 {
			conn.armDeadline()
			if werr := writeFull(remote, buf[:n]); werr != nil {
				werr = deadlineCause(conn, werr)
				log.WithError(werr).Error("failed to write to remote file")
				return sent, &OpError{Op: op, Kind: ErrRemoteWrite, Path: remotePath, Code: RemoteCode(werr), Err: werr}
			}
			sent += int64(n)

			p := Progress{Path: remotePath, Transferred: sent, Total: size, Percent: -1}
			if size > 0 {
				p.Percent = int(sent * 100 / size)
				log.WithFields(logrus.Fields{"progress": p.Percent, "sent": sent, "total": size}).Info("upload progress")
			}
			e.report(p)
			e.yield()
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			log.WithError(rerr).Error("failed to read local file")
			return sent, &OpError{Op: op, Kind: ErrLocalRead, Path: localPath, Err: rerr}
		}
	}

	if sent != size {
		log.WithFields(logrus.Fields{"sent": sent, "size": size}).Error("upload incomplete")
		return sent, &TransferIncompleteError{Op: op, Path: remotePath, Expected: size, Actual: sent}
	}
	log.WithField("bytes", sent).Info("upload completed")
	return sent, nil
}

// Download streams remotePath into localPath, creating or truncating it along
// with missing parent directories. A zero byte read or io.EOF from the remote
// ends the transfer unless the transport deadline expired; any other read
// error is ErrRemoteRead. When the remote handle reports its size, a final
// count that differs from it is a *TransferIncompleteError. Without a size, an
// EOF caused by a connection the server dropped cannot be told apart from the
// real end of the file. A failure to close the remote handle is only logged.
func (e *Engine) Download(ctx context.Context, conn *Connection, remotePath, localPath string) (received int64, err error) {
	const op = "download"
	if !conn.Connected() {
		return 0, &OpError{Op: op, Kind: ErrNotConnected, Path: remotePath}
	}
	log := e.logger().WithFields(logrus.Fields{"remote": remotePath, "local": localPath})

	defer conn.disarmDeadline()
	conn.armDeadline()
	remote, err := conn.sub.OpenFile(remotePath, os.O_RDONLY, 0)
	if err != nil {
		code := RemoteCode(err)
		log.WithError(err).WithField("code", code).Error("failed to open remote file")
		return 0, &OpError{Op: op, Kind: ErrRemoteOpen, Path: remotePath, Code: code, Err: err}
	}
	defer func() {
		conn.armDeadline()
		if cerr := remote.Close(); cerr != nil {
			log.WithError(cerr).Warn("failed to close remote file")
		}
	}()

	local, err := e.storage().Create(localPath)
	if err != nil {
		log.WithError(err).Error("failed to create local file")
		return 0, &OpError{Op: op, Kind: ErrLocalCreate, Path: localPath, Err: err}
	}
	defer func() {
		if cerr := local.Close(); cerr != nil && err == nil {
			err = &OpError{Op: op, Kind: ErrLocalWrite, Path: localPath, Err: cerr}
		}
	}()
	log.Info("downloading")

	buf := make([]byte, variable.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return received, fmt.Errorf("%s %q: %w", op, remotePath, err)
		}
		conn.armDeadline()
		n, rerr := remote.Read(buf)
		if n > 0 {
			if werr := writeFull(local, buf[:n]); werr != nil {
				log.WithError(werr).Error("failed to write to local file")
				return received, &OpError{Op: op, Kind: ErrLocalWrite, Path: localPath, Err: werr}
			}
			received += int64(n)
			log.WithField("bytes", received).Info("downloaded")
			e.report(Progress{Path: remotePath, Transferred: received, Total: -1, Percent: -1})
			e.yield()
		}
		if errors.Is(rerr, io.EOF) || (n == 0 && rerr == nil) {
			if !conn.timedOut() {
				break
			}
			// not the end of the file, the link died under the read
			rerr = os.ErrDeadlineExceeded
		}
		if rerr != nil {
			rerr = deadlineCause(conn, rerr)
			log.WithError(rerr).Error("failed to read remote file")
			return received, &OpError{Op: op, Kind: ErrRemoteRead, Path: remotePath, Code: RemoteCode(rerr), Err: rerr}
		}
	}

	if st, ok := remote.(statter); ok {
		if fi, serr := st.Stat(); serr == nil && fi.Size() != received {
			log.WithFields(logrus.Fields{"received": received, "size": fi.Size()}).Error("download incomplete")
			return received, &TransferIncompleteError{Op: op, Path: remotePath, Expected: fi.Size(), Actual: received}
		}
	}
	log.WithField("bytes", received).Info("download completed")
	return received, nil
}

// deadlineCause marks err as caused by an expired transport deadline, which
// the sftp layer may only report as a lost connection or EOF.
func deadlineCause(conn *Connection, err error) error {
	if conn.timedOut() && !errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %w", os.ErrDeadlineExceeded, err)
	}
	return err
}

// writeFull writes p, resuming after every short write with the remainder.
func writeFull(w io.Writer, p []byte) error {
	stalled := 0
	for written := 0; written < len(p); {
		n, err := w.Write(p[written:])
		if n < 0 || n > len(p)-written {
			return errInvalidWrite
		}
		written += n
		if err != nil {
			return err
		}
		if n == 0 {
			stalled++
			if stalled >= maxStalledWrites {
				return io.ErrShortWrite
			}
			continue
		}
		stalled = 0
	}
	return nil
}
