// Package storage is the local file collaborator of the transfer engine:
// open, create and list files on an afero filesystem.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/rectcircle/sftpxfer/internal/variable"
)

// Entry - one line of a directory listing
type Entry struct {
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Storage - local files. Paths are absolute within the filesystem.
type Storage struct {
	fs afero.Fs
}

// New - storage over fs
func New(fs afero.Fs) *Storage {
	return &Storage{fs: fs}
}

// NewOS - storage on the host filesystem. A non empty root jails every path
// below it, so "/spiffs/upload.txt" with root "/data" is "/data/spiffs/upload.txt".
func NewOS(root string) *Storage {
	var fs afero.Fs = afero.NewOsFs()
	if root != "" {
		fs = afero.NewBasePathFs(fs, root)
	}
	return New(fs)
}

// NewMemory - storage held in memory
func NewMemory() *Storage {
	return New(afero.NewMemMapFs())
}

// Open - open path for reading
func (s *Storage) Open(path string) (afero.File, error) {
	return s.fs.Open(path)
}

// Create - create or truncate path for writing, making parent directories
func (s *Storage) Create(path string) (afero.File, error) {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, variable.LocalFileMode)
}

// WriteFile - replace the content of path
func (s *Storage) WriteFile(path string, data []byte) error {
	f, err := s.Create(path)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadFile - whole content of path
func (s *Storage) ReadFile(path string) ([]byte, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// List returns the entries of the directory at path sorted by name.
func (s *Storage) List(path string) ([]Entry, error) {
	infos, err := afero.ReadDir(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			IsDir:   fi.IsDir(),
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
